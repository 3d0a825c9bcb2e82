package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/conductor/internal/http/dto"
	"basegraph.app/conductor/internal/resilience"
	"basegraph.app/conductor/internal/store"
)

// BreakerStatter exposes aggregate breaker state.
type BreakerStatter interface {
	Stats() resilience.Stats
}

type HealthHandler struct {
	jobs          store.JobStore
	maxProcessing int
	breakers      map[string]BreakerStatter
}

// NewHealthHandler reports backlog pressure and breaker state. breakers is keyed by
// registry name, e.g. "codehost" and "ai".
func NewHealthHandler(jobs store.JobStore, maxProcessing int, breakers map[string]BreakerStatter) *HealthHandler {
	return &HealthHandler{jobs: jobs, maxProcessing: maxProcessing, breakers: breakers}
}

func (h *HealthHandler) Health(c *gin.Context) {
	processing, err := h.jobs.CountProcessing(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "job store unreachable"})
		return
	}

	resp := dto.HealthResponse{
		Status:        "ok",
		Processing:    processing,
		MaxProcessing: h.maxProcessing,
		Breakers:      make(map[string]dto.BreakerStats, len(h.breakers)),
	}

	for name, b := range h.breakers {
		s := b.Stats()
		resp.Breakers[name] = dto.BreakerStats{
			Total:            s.Total,
			Closed:           s.Closed,
			HalfOpen:         s.HalfOpen,
			Open:             s.Open,
			OldestAgeSeconds: int64(s.OldestAge.Seconds()),
			NewestAgeSeconds: int64(s.NewestAge.Seconds()),
		}
		if s.Open > 0 {
			resp.Status = "degraded"
		}
	}
	if processing >= h.maxProcessing {
		resp.Status = "saturated"
	}

	c.JSON(http.StatusOK, resp)
}
