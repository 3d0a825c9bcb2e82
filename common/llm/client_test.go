package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"basegraph.app/conductor/common/llm"
	"basegraph.app/conductor/internal/resilience"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type verdict struct {
	Answer string `json:"answer"`
}

var _ = Describe("Client", func() {
	var (
		server *httptest.Server
		hits   atomic.Int32
		status int
		body   string
	)

	BeforeEach(func() {
		hits.Store(0)
		status = http.StatusOK
		body = `{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"answer\":\"yes\"}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			hits.Add(1)
			raw, err := io.ReadAll(r.Body)
			Expect(err).NotTo(HaveOccurred())
			var req map[string]any
			Expect(json.Unmarshal(raw, &req)).To(Succeed())
			Expect(req["model"]).To(Equal("gpt-4o-mini"))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = fmt.Fprint(w, body)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	newClient := func() llm.Client {
		c, err := llm.New(llm.Config{APIKey: "sk-test", BaseURL: server.URL})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	It("decodes the structured answer and reports usage", func() {
		var out verdict
		resp, err := newClient().Chat(context.Background(), llm.Request{
			SystemPrompt: "judge",
			UserPrompt:   "is it?",
			SchemaName:   "verdict",
			Schema:       llm.GenerateSchema[verdict](),
		}, &out)

		Expect(err).NotTo(HaveOccurred())
		Expect(out.Answer).To(Equal("yes"))
		Expect(resp.TotalTokens()).To(Equal(15))
	})

	It("surfaces provider status codes without retrying on its own", func() {
		status = http.StatusServiceUnavailable
		body = `{"error":{"message":"overloaded","type":"server_error"}}`

		var out verdict
		_, err := newClient().Chat(context.Background(), llm.Request{SchemaName: "verdict", Schema: llm.GenerateSchema[verdict]()}, &out)

		var apiErr *llm.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode()).To(Equal(503))
		Expect(hits.Load()).To(Equal(int32(1)))
		Expect(llm.IsProviderFailure(err)).To(BeTrue())

		var sc resilience.StatusCoder
		Expect(errors.As(err, &sc)).To(BeTrue())
	})

	It("requires an API key", func() {
		_, err := llm.New(llm.Config{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = DescribeTable("IsProviderFailure",
	func(err error, expected bool) {
		Expect(llm.IsProviderFailure(err)).To(Equal(expected))
	},
	Entry("nil", nil, false),
	Entry("cancelled", context.Canceled, false),
	Entry("bad request", &llm.APIError{Status: 400, Err: errors.New("bad")}, false),
	Entry("rate limited", &llm.APIError{Status: 429, Err: errors.New("slow down")}, true),
	Entry("server error", &llm.APIError{Status: 500, Err: errors.New("oops")}, true),
	Entry("network", errors.New("connection reset"), true),
)
