package codehost

import (
	"context"
	"net/http"
	"time"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseRateLimit", func() {
	now := time.Unix(1_735_732_800, 0)

	It("reads GitLab headers with an epoch reset", func() {
		h := http.Header{}
		h.Set("RateLimit-Limit", "2000")
		h.Set("RateLimit-Remaining", "1999")
		h.Set("RateLimit-Reset", "1735732860")

		state, ok := ParseRateLimit(h, now)
		Expect(ok).To(BeTrue())
		Expect(state.Limit).To(Equal(2000))
		Expect(state.Remaining).To(Equal(1999))
		Expect(state.ResetAt).To(Equal(now.Add(time.Minute)))
	})

	It("reads GitHub headers", func() {
		h := http.Header{}
		h.Set("X-RateLimit-Limit", "5000")
		h.Set("X-RateLimit-Remaining", "12")
		h.Set("X-RateLimit-Reset", "1735736400")

		state, ok := ParseRateLimit(h, now)
		Expect(ok).To(BeTrue())
		Expect(state.Remaining).To(Equal(12))
		Expect(state.ResetAt).To(Equal(now.Add(time.Hour)))
	})

	It("treats a small reset as seconds from now", func() {
		h := http.Header{}
		h.Set("RateLimit-Limit", "100")
		h.Set("RateLimit-Remaining", "3")
		h.Set("RateLimit-Reset", "30")

		state, ok := ParseRateLimit(h, now)
		Expect(ok).To(BeTrue())
		Expect(state.ResetAt).To(Equal(now.Add(30 * time.Second)))
	})

	It("ignores responses without rate-limit headers", func() {
		_, ok := ParseRateLimit(http.Header{}, now)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("RetryAfter", func() {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	DescribeTable("parses",
		func(value string, expected time.Duration, ok bool) {
			h := http.Header{}
			if value != "" {
				h.Set("Retry-After", value)
			}
			d, found := RetryAfter(h, now)
			Expect(found).To(Equal(ok))
			Expect(d).To(Equal(expected))
		},
		Entry("seconds", "7", 7*time.Second, true),
		Entry("http date", "Wed, 01 Jan 2025 12:00:30 GMT", 30*time.Second, true),
		Entry("date in the past", "Wed, 01 Jan 2025 11:00:00 GMT", time.Duration(0), true),
		Entry("missing", "", time.Duration(0), false),
		Entry("garbage", "soon", time.Duration(0), false),
	)
})

var _ = Describe("QuotaTracker", func() {
	var (
		ctx     context.Context
		quotas  *store.MemoryQuotaStore
		tracker *QuotaTracker
		now     time.Time
		slept   []time.Duration
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		slept = nil
		quotas = store.NewMemoryQuotaStore()
		tracker = NewQuotaTracker(quotas)
		tracker.now = func() time.Time { return now }
		tracker.sleep = func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}
	})

	set := func(remaining int, resetIn time.Duration) {
		Expect(quotas.Set(ctx, model.QuotaState{
			AccountID: "acct", Remaining: remaining, Limit: 5000, ResetAt: now.Add(resetIn),
		})).To(Succeed())
	}

	It("waits until reset plus a second when nearly exhausted and the reset is imminent", func() {
		set(50, 30*time.Second)
		Expect(tracker.Wait(ctx, "acct")).To(Succeed())
		Expect(slept).To(Equal([]time.Duration{31 * time.Second}))
	})

	It("proceeds when the reset is far away", func() {
		set(50, 5*time.Minute)
		Expect(tracker.Wait(ctx, "acct")).To(Succeed())
		Expect(slept).To(BeEmpty())
	})

	It("proceeds when plenty of quota remains", func() {
		set(500, 10*time.Second)
		Expect(tracker.Wait(ctx, "acct")).To(Succeed())
		Expect(slept).To(BeEmpty())
	})

	It("treats an elapsed window as fully reset", func() {
		set(0, -time.Second)
		Expect(tracker.Wait(ctx, "acct")).To(Succeed())
		Expect(slept).To(BeEmpty())
	})

	It("proceeds for unknown accounts", func() {
		Expect(tracker.Wait(ctx, "unknown")).To(Succeed())
		Expect(slept).To(BeEmpty())
	})

	It("stores the snapshot observed in response headers", func() {
		h := http.Header{}
		h.Set("RateLimit-Limit", "2000")
		h.Set("RateLimit-Remaining", "1500")
		h.Set("RateLimit-Reset", "60")

		tracker.Observe(ctx, "acct", h)

		state, err := quotas.Get(ctx, "acct")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Remaining).To(Equal(1500))
		Expect(state.ResetAt).To(Equal(now.Add(time.Minute)))
		Expect(state.UpdatedAt).To(Equal(now))
	})
})
