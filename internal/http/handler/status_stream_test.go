package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/conductor/internal/http/handler"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/queue"
)

type mockStatusReader struct {
	batches [][]queue.StatusEvent
	lastIDs []string
}

func (m *mockStatusReader) Read(_ context.Context, _ int64, lastID string, _ time.Duration) ([]queue.StatusEvent, error) {
	m.lastIDs = append(m.lastIDs, lastID)
	if len(m.batches) == 0 {
		return nil, nil
	}
	next := m.batches[0]
	m.batches = m.batches[1:]
	return next, nil
}

var _ = Describe("StatusStreamHandler", func() {
	It("relays events until the job reaches 100%", func() {
		reader := &mockStatusReader{batches: [][]queue.StatusEvent{
			{{ID: "1-0", Level: model.LogLevelInfo, Message: "Planned 3 tasks", Progress: 10}},
			nil,
			{{ID: "2-0", Level: model.LogLevelInfo, Message: "Completed", Progress: 100}},
		}}
		engine := gin.New()
		engine.GET("/jobs/:id/stream", handler.NewStatusStreamHandler(reader, time.Millisecond).Stream)

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/5/stream?last_id=0-5", nil))

		body := w.Body.String()
		Expect(w.Header().Get("Content-Type")).To(Equal("text/event-stream"))
		Expect(strings.Count(body, "event: status")).To(Equal(2))
		Expect(body).To(ContainSubstring(`"message":"Planned 3 tasks"`))
		Expect(body).To(ContainSubstring("event: done\ndata: 2-0"))
		Expect(reader.lastIDs).To(Equal([]string{"0-5", "1-0", "1-0"}))
	})

	It("rejects a malformed job id", func() {
		engine := gin.New()
		engine.GET("/jobs/:id/stream", handler.NewStatusStreamHandler(&mockStatusReader{}, time.Millisecond).Stream)

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/x/stream", nil))
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})
})
