package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"basegraph.app/conductor/internal/queue"
)

// StatusReader reads a job's status events after lastID.
type StatusReader interface {
	Read(ctx context.Context, jobID int64, lastID string, block time.Duration) ([]queue.StatusEvent, error)
}

type StatusStreamHandler struct {
	reader StatusReader
	block  time.Duration
}

func NewStatusStreamHandler(reader StatusReader, block time.Duration) *StatusStreamHandler {
	if block <= 0 {
		block = 25 * time.Second
	}
	return &StatusStreamHandler{reader: reader, block: block}
}

// Stream relays a job's status events as server-sent events until the job reaches
// 100% or the client disconnects. Pass last_id to resume after a reconnect.
func (h *StatusStreamHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	if h.reader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status streaming not configured"})
		return
	}

	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	lastID := c.Query("last_id")
	if lastID == "" {
		lastID = "0"
	}

	setSSEHeaders(c.Writer)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sseWrite(c.Writer, "ping", "ready")
	flusher.Flush()

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := h.reader.Read(ctx, jobID, lastID, h.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sseWrite(c.Writer, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			return
		}
		if len(events) == 0 {
			sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
			flusher.Flush()
			continue
		}

		for _, ev := range events {
			lastID = ev.ID
			sseWrite(c.Writer, "status", statusPayload{
				ID:       ev.ID,
				Level:    string(ev.Level),
				Message:  ev.Message,
				Progress: ev.Progress,
				At:       ev.At.UTC(),
			})
			if ev.Progress >= 100 {
				sseWrite(c.Writer, "done", lastID)
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}
}

type statusPayload struct {
	ID       string    `json:"id"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Progress int       `json:"progress"`
	At       time.Time `json:"at"`
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	payload := marshalPayload(data)
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
