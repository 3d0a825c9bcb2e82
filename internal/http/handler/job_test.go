package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/conductor/internal/http/handler"
	"basegraph.app/conductor/internal/http/router"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/queue"
	"basegraph.app/conductor/internal/store"
)

type mockProducer struct {
	notifyFn  func(ctx context.Context, n queue.JobNotification) error
	sent      []queue.JobNotification
	callCount int
}

func (m *mockProducer) Notify(ctx context.Context, n queue.JobNotification) error {
	m.callCount++
	m.sent = append(m.sent, n)
	if m.notifyFn != nil {
		return m.notifyFn(ctx, n)
	}
	return nil
}

func (m *mockProducer) Close() error { return nil }

var _ = Describe("JobHandler", func() {
	var (
		engine   *gin.Engine
		mem      *store.Memory
		producer *mockProducer
	)

	BeforeEach(func() {
		engine = gin.New()
		mem = store.NewMemory()
		producer = &mockProducer{}
		router.SetupRoutes(engine, router.Handlers{
			Health: handler.NewHealthHandler(mem.Jobs(), 50, nil),
			Jobs:   handler.NewJobHandler(mem.Jobs(), mem.Statuses(), producer),
		})
	})

	submit := func(body any) *httptest.ResponseRecorder {
		raw, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBuffer(raw))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	It("creates a pending job and notifies orchestrators", func() {
		w := submit(map[string]any{
			"tenant_id":  "tenant-1",
			"repository": "group/app",
			"account_id": "acct-1",
			"files":      []string{"a.go", "b.go"},
		})

		Expect(w.Code).To(Equal(http.StatusAccepted))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("pending"))
		Expect(resp["tier"]).To(Equal("standard"))

		jobID, err := strconv.ParseInt(resp["id"].(string), 10, 64)
		Expect(err).NotTo(HaveOccurred())
		job, err := mem.Jobs().GetByID(context.Background(), jobID)
		Expect(err).NotTo(HaveOccurred())
		Expect(job.Input.FileCount).To(Equal(2))
		Expect(job.Input.AccountID).To(Equal("acct-1"))

		Expect(producer.sent).To(HaveLen(1))
		Expect(producer.sent[0].JobID).To(Equal(jobID))
		Expect(producer.sent[0].Type).To(Equal(queue.NotificationJobSubmitted))
	})

	It("still accepts the job when the notification fails", func() {
		producer.notifyFn = func(context.Context, queue.JobNotification) error {
			return errors.New("redis down")
		}
		w := submit(map[string]any{"tenant_id": "t", "repository": "group/app"})
		Expect(w.Code).To(Equal(http.StatusAccepted))
	})

	DescribeTable("rejects invalid submissions",
		func(body map[string]any) {
			Expect(submit(body).Code).To(Equal(http.StatusBadRequest))
			Expect(producer.callCount).To(BeZero())
		},
		Entry("missing tenant", map[string]any{"repository": "group/app"}),
		Entry("missing repository", map[string]any{"tenant_id": "t"}),
		Entry("unknown tier", map[string]any{"tenant_id": "t", "repository": "r", "tier": "ultra"}),
		Entry("unknown provider", map[string]any{"tenant_id": "t", "repository": "r", "provider": "svn"}),
	)

	It("returns a job with its report", func() {
		_, err := mem.Jobs().Create(context.Background(), &model.Job{ID: 42, TenantID: "t", Input: model.JobInput{Repository: "group/app"}})
		Expect(err).NotTo(HaveOccurred())

		w := get("/api/v1/jobs/42")
		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["id"]).To(Equal("42"))
		Expect(resp["repository"]).To(Equal("group/app"))
	})

	It("maps unknown jobs and statuses to 404", func() {
		Expect(get("/api/v1/jobs/7").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/v1/jobs/7/status").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/v1/jobs/abc").Code).To(Equal(http.StatusBadRequest))
	})

	It("returns the status record", func() {
		ctx := context.Background()
		Expect(mem.Statuses().UpdateProgress(ctx, 9, 40, "running tasks (40%)", 120, nil)).To(Succeed())

		w := get("/api/v1/jobs/9/status")
		Expect(w.Code).To(Equal(http.StatusOK))
		var rec model.JobStatusRecord
		Expect(json.Unmarshal(w.Body.Bytes(), &rec)).To(Succeed())
		Expect(rec.Progress).To(Equal(40))
		Expect(rec.TokenUsage).To(Equal(120))
	})
})
