package codehost

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"time"

	"basegraph.app/conductor/internal/resilience"
	"basegraph.app/conductor/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type staticTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (s *staticTokens) Token(context.Context, string) (string, error) {
	return s.token, s.err
}

func (s *staticTokens) Invalidate(string) {
	s.invalidated.Add(1)
}

var _ = Describe("Transport", func() {
	var (
		ctx       context.Context
		server    *httptest.Server
		hits      atomic.Int32
		handler   http.HandlerFunc
		tokens    *staticTokens
		quotas    *store.MemoryQuotaStore
		breakers  *resilience.Registry
		transport *Transport
		slept     []time.Duration
	)

	BeforeEach(func() {
		ctx = context.Background()
		hits.Store(0)
		slept = nil
		tokens = &staticTokens{token: "tok"}
		quotas = store.NewMemoryQuotaStore()
		breakers = resilience.NewRegistry(resilience.BreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Minute,
			IsFailure:        IsBreakerFailure,
		})
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			hits.Add(1)
			handler(w, r)
		}))

		transport = NewTransport(nil, tokens, NewQuotaTracker(quotas), breakers, TransportConfig{
			AccountID: "acct",
			Service:   "codehost:test",
			Retry:     resilience.RetryConfig{MaxAttempts: 1},
		})
		transport.sleep = func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}
	})

	AfterEach(func() {
		server.Close()
	})

	get := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v4/projects", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("PRIVATE-TOKEN", "")
		return (&http.Client{Transport: transport}).Do(req)
	}

	It("authenticates with the resolved token and records quota headers", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer tok"))
			Expect(r.Header.Values("PRIVATE-TOKEN")).To(BeEmpty())
			w.Header().Set("RateLimit-Limit", "2000")
			w.Header().Set("RateLimit-Remaining", "1234")
			w.Header().Set("RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			_, _ = io.WriteString(w, "ok")
		}

		resp, err := get()
		Expect(err).NotTo(HaveOccurred())
		body, _ := io.ReadAll(resp.Body)
		Expect(resp.Body.Close()).To(Succeed())
		Expect(string(body)).To(Equal("ok"))

		state, err := quotas.Get(ctx, "acct")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Remaining).To(Equal(1234))
	})

	It("honors Retry-After on 429", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			if hits.Load() == 1 {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = io.WriteString(w, "ok")
		}

		resp, err := get()
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(hits.Load()).To(Equal(int32(2)))
		Expect(slept).To(Equal([]time.Duration{2 * time.Second}))
	})

	It("backs off exponentially on 5xx and gives up after three attempts", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream down")
		}

		_, err := get()
		var se *StatusError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Status).To(Equal(http.StatusBadGateway))
		Expect(se.Body).To(Equal("upstream down"))
		Expect(hits.Load()).To(Equal(int32(3)))
		Expect(slept).To(Equal([]time.Duration{time.Second, 2 * time.Second}))
	})

	It("returns other non-2xx responses as terminal errors", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message":"404 Project Not Found"}`)
		}

		_, err := get()
		var se *StatusError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.StatusCode()).To(Equal(http.StatusNotFound))
		Expect(hits.Load()).To(Equal(int32(1)))
		Expect(breakers.State("codehost:test")).To(Equal(resilience.StateClosed))
	})

	It("drops the cached token on 401", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}

		_, err := get()
		Expect(err).To(HaveOccurred())
		Expect(tokens.invalidated.Load()).To(Equal(int32(1)))
	})

	It("fails fast without calling the provider once the breaker opens", func() {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_, _ = get()
		_, _ = get()
		Expect(hits.Load()).To(Equal(int32(6)))

		_, err := get()
		Expect(errors.Is(err, resilience.ErrCircuitOpen)).To(BeTrue())
		Expect(hits.Load()).To(Equal(int32(6)))
	})

	It("does not call the provider when no token can be resolved", func() {
		tokens.err = ErrCredentialRefresh
		handler = func(w http.ResponseWriter, _ *http.Request) {}

		_, err := get()
		Expect(errors.Is(err, ErrCredentialRefresh)).To(BeTrue())
		Expect(hits.Load()).To(BeZero())
	})
})

func newTestRegistry() *resilience.Registry {
	return resilience.NewRegistry(resilience.BreakerConfig{IsFailure: IsBreakerFailure})
}
