package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"basegraph.app/conductor/common/llm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Anthropic client", func() {
	var (
		server  *httptest.Server
		status  int
		body    string
		request map[string]any
	)

	BeforeEach(func() {
		status = http.StatusOK
		body = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","stop_reason":"tool_use",
			"content":[{"type":"tool_use","id":"tu_1","name":"verdict","input":{"answer":"yes"}}],
			"usage":{"input_tokens":20,"output_tokens":4}}`
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Path).To(HaveSuffix("/messages"))
			raw, err := io.ReadAll(r.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(raw, &request)).To(Succeed())

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = fmt.Fprint(w, body)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	newClient := func() llm.Client {
		c, err := llm.New(llm.Config{Provider: llm.ProviderAnthropic, APIKey: "sk-ant", BaseURL: server.URL, Model: "claude-test"})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	It("forces the schema tool and decodes its input", func() {
		var out verdict
		resp, err := newClient().Chat(context.Background(), llm.Request{
			SystemPrompt: "judge",
			UserPrompt:   "is it?",
			SchemaName:   "verdict",
			Schema:       llm.GenerateSchema[verdict](),
		}, &out)

		Expect(err).NotTo(HaveOccurred())
		Expect(out.Answer).To(Equal("yes"))
		Expect(resp.TotalTokens()).To(Equal(24))

		Expect(request["tool_choice"]).To(HaveKeyWithValue("name", "verdict"))
		tools, ok := request["tools"].([]any)
		Expect(ok).To(BeTrue())
		Expect(tools).To(HaveLen(1))
		Expect(tools[0]).To(HaveKeyWithValue("name", "verdict"))
	})

	It("errors when the model answers without the tool call", func() {
		body = `{"id":"msg_2","type":"message","role":"assistant","model":"claude-test","stop_reason":"end_turn",
			"content":[{"type":"text","text":"sure"}],"usage":{"input_tokens":5,"output_tokens":1}}`

		var out verdict
		resp, err := newClient().Chat(context.Background(), llm.Request{SchemaName: "verdict", Schema: llm.GenerateSchema[verdict]()}, &out)

		Expect(err).To(MatchError(ContainSubstring("no verdict tool call")))
		Expect(resp.TotalTokens()).To(Equal(6))
	})

	It("maps overload responses to provider failures", func() {
		status = 529
		body = `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`

		var out verdict
		_, err := newClient().Chat(context.Background(), llm.Request{SchemaName: "verdict", Schema: llm.GenerateSchema[verdict]()}, &out)

		var apiErr *llm.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode()).To(Equal(529))
		Expect(llm.IsProviderFailure(err)).To(BeTrue())
	})

	It("rejects unknown providers", func() {
		_, err := llm.New(llm.Config{Provider: "cohere", APIKey: "k"})
		Expect(err).To(MatchError(ContainSubstring("unsupported LLM provider")))
	})
})
