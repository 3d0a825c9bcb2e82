package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/conductor/internal/http/dto"
	"basegraph.app/conductor/internal/http/handler"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/resilience"
	"basegraph.app/conductor/internal/store"
)

var _ = Describe("HealthHandler", func() {
	var (
		mem      *store.Memory
		breakers *resilience.Registry
	)

	BeforeEach(func() {
		mem = store.NewMemory()
		breakers = resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 1})
	})

	serve := func(maxProcessing int) (int, dto.HealthResponse) {
		engine := gin.New()
		h := handler.NewHealthHandler(mem.Jobs(), maxProcessing, map[string]handler.BreakerStatter{"codehost": breakers})
		engine.GET("/health", h.Health)

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		var resp dto.HealthResponse
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return w.Code, resp
	}

	It("reports processing load and breaker counts", func() {
		ctx := context.Background()
		for i := int64(1); i <= 2; i++ {
			_, err := mem.Jobs().Create(ctx, &model.Job{ID: i})
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := mem.Jobs().AcquireJobsBatch(ctx, "w", 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(breakers.Execute(ctx, "codehost:gitlab.com", func(context.Context) error { return nil })).To(Succeed())

		code, resp := serve(50)
		Expect(code).To(Equal(http.StatusOK))
		Expect(resp.Status).To(Equal("ok"))
		Expect(resp.Processing).To(Equal(2))
		Expect(resp.MaxProcessing).To(Equal(50))
		Expect(resp.Breakers["codehost"].Closed).To(Equal(1))
	})

	It("is degraded while a breaker is open", func() {
		err := breakers.Execute(context.Background(), "codehost:gitlab.com", func(context.Context) error {
			return errors.New("502")
		})
		Expect(err).To(HaveOccurred())

		_, resp := serve(50)
		Expect(resp.Status).To(Equal("degraded"))
		Expect(resp.Breakers["codehost"].Open).To(Equal(1))
	})

	It("is saturated at the processing ceiling", func() {
		_, err := mem.Jobs().Create(context.Background(), &model.Job{ID: 1, ScheduledAt: time.Now().Add(-time.Minute)})
		Expect(err).NotTo(HaveOccurred())
		_, err = mem.Jobs().AcquireJobsBatch(context.Background(), "w", 1)
		Expect(err).NotTo(HaveOccurred())

		_, resp := serve(1)
		Expect(resp.Status).To(Equal("saturated"))
	})
})
