package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"basegraph.app/conductor/internal/resilience"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var _ = Describe("Registry", func() {
	var (
		ctx      context.Context
		clock    *fakeClock
		registry *resilience.Registry
		errBoom  = errors.New("boom")
	)

	fail := func(context.Context) error { return errBoom }
	succeed := func(context.Context) error { return nil }

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
		registry = resilience.NewRegistry(resilience.BreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
			MonitoringPeriod: 2 * time.Minute,
			MaxEntries:       3,
			MaxIdle:          10 * time.Minute,
			MaxAge:           20 * time.Minute,
			CleanupInterval:  time.Hour,
		}, resilience.WithClock(clock.Now))
	})

	It("opens after the failure threshold and rejects without invoking", func() {
		for range 3 {
			Expect(registry.Execute(ctx, "gitlab", fail)).To(MatchError(errBoom))
		}
		Expect(registry.State("gitlab")).To(Equal(resilience.StateOpen))

		invoked := false
		err := registry.Execute(ctx, "gitlab", func(context.Context) error {
			invoked = true
			return nil
		})

		Expect(invoked).To(BeFalse())
		Expect(errors.Is(err, resilience.ErrCircuitOpen)).To(BeTrue())
		var openErr *resilience.CircuitOpenError
		Expect(errors.As(err, &openErr)).To(BeTrue())
		Expect(openErr.Service).To(Equal("gitlab"))
		Expect(openErr.RetryAt).To(Equal(clock.now.Add(time.Minute)))
	})

	It("keeps services isolated", func() {
		for range 3 {
			_ = registry.Execute(ctx, "gitlab", fail)
		}
		Expect(registry.Execute(ctx, "openai", succeed)).To(Succeed())
		Expect(registry.State("openai")).To(Equal(resilience.StateClosed))
	})

	It("forgets failures older than the monitoring period", func() {
		_ = registry.Execute(ctx, "gitlab", fail)
		_ = registry.Execute(ctx, "gitlab", fail)
		clock.Advance(3 * time.Minute)
		_ = registry.Execute(ctx, "gitlab", fail)

		Expect(registry.State("gitlab")).To(Equal(resilience.StateClosed))
		snap, ok := registry.Snapshot("gitlab")
		Expect(ok).To(BeTrue())
		Expect(snap.FailureCount).To(Equal(1))
	})

	It("closes after a successful half-open probe", func() {
		for range 3 {
			_ = registry.Execute(ctx, "gitlab", fail)
		}
		clock.Advance(time.Minute)

		Expect(registry.Execute(ctx, "gitlab", succeed)).To(Succeed())
		Expect(registry.State("gitlab")).To(Equal(resilience.StateClosed))
	})

	It("reopens after a failed half-open probe", func() {
		for range 3 {
			_ = registry.Execute(ctx, "gitlab", fail)
		}
		clock.Advance(time.Minute)

		Expect(registry.Execute(ctx, "gitlab", fail)).To(MatchError(errBoom))
		Expect(registry.State("gitlab")).To(Equal(resilience.StateOpen))
		Expect(errors.Is(registry.Execute(ctx, "gitlab", succeed), resilience.ErrCircuitOpen)).To(BeTrue())
	})

	It("admits a single probe while half-open", func() {
		for range 3 {
			_ = registry.Execute(ctx, "gitlab", fail)
		}
		clock.Advance(time.Minute)

		var second error
		err := registry.Execute(ctx, "gitlab", func(context.Context) error {
			second = registry.Execute(ctx, "gitlab", succeed)
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(errors.Is(second, resilience.ErrCircuitOpen)).To(BeTrue())
		Expect(registry.State("gitlab")).To(Equal(resilience.StateClosed))
	})

	It("reopens when the half-open probe panics and admits the next probe later", func() {
		for range 3 {
			_ = registry.Execute(ctx, "gitlab", fail)
		}
		clock.Advance(time.Minute)

		Expect(func() {
			_ = registry.Execute(ctx, "gitlab", func(context.Context) error {
				panic("nil client")
			})
		}).To(PanicWith("nil client"))
		Expect(registry.State("gitlab")).To(Equal(resilience.StateOpen))
		Expect(errors.Is(registry.Execute(ctx, "gitlab", succeed), resilience.ErrCircuitOpen)).To(BeTrue())

		clock.Advance(time.Minute)
		Expect(registry.Execute(ctx, "gitlab", succeed)).To(Succeed())
		Expect(registry.State("gitlab")).To(Equal(resilience.StateClosed))
	})

	It("counts a panic as a failure even when the classifier would not", func() {
		registry = resilience.NewRegistry(resilience.BreakerConfig{
			FailureThreshold: 1,
			ResetTimeout:     time.Minute,
			IsFailure:        func(error) bool { return false },
		}, resilience.WithClock(clock.Now))

		Expect(func() {
			_ = registry.Execute(ctx, "gitlab", func(context.Context) error { panic("boom") })
		}).To(Panic())
		Expect(registry.State("gitlab")).To(Equal(resilience.StateOpen))
	})

	It("does not count cancellation or excluded errors as failures", func() {
		registry = resilience.NewRegistry(resilience.BreakerConfig{
			FailureThreshold: 1,
			IsFailure: func(err error) bool {
				return !errors.Is(err, errBoom)
			},
		}, resilience.WithClock(clock.Now))

		_ = registry.Execute(ctx, "gitlab", func(context.Context) error { return context.Canceled })
		_ = registry.Execute(ctx, "gitlab", fail)

		Expect(registry.State("gitlab")).To(Equal(resilience.StateClosed))
	})

	It("returns the operation value through Call", func() {
		v, err := resilience.Call(ctx, registry, "gitlab", func(context.Context) (int, error) {
			return 42, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(42))
	})

	It("evicts the least recently used service at capacity", func() {
		for i := range 3 {
			Expect(registry.Execute(ctx, fmt.Sprintf("svc-%d", i), succeed)).To(Succeed())
		}
		Expect(registry.Execute(ctx, "svc-0", succeed)).To(Succeed())
		Expect(registry.Execute(ctx, "svc-3", succeed)).To(Succeed())

		Expect(registry.Len()).To(Equal(3))
		_, ok := registry.Snapshot("svc-1")
		Expect(ok).To(BeFalse())
		_, ok = registry.Snapshot("svc-0")
		Expect(ok).To(BeTrue())
	})

	It("sweeps entries that are both idle and old", func() {
		Expect(registry.Execute(ctx, "old", succeed)).To(Succeed())
		clock.Advance(25 * time.Minute)
		Expect(registry.Execute(ctx, "fresh", succeed)).To(Succeed())

		Expect(registry.Sweep()).To(Equal(1))
		_, ok := registry.Snapshot("old")
		Expect(ok).To(BeFalse())
		_, ok = registry.Snapshot("fresh")
		Expect(ok).To(BeTrue())
	})

	It("keeps idle entries that are not yet old", func() {
		Expect(registry.Execute(ctx, "svc", succeed)).To(Succeed())
		clock.Advance(15 * time.Minute)

		Expect(registry.Sweep()).To(Equal(0))
	})

	It("reports stats by state and age", func() {
		for range 3 {
			_ = registry.Execute(ctx, "broken", fail)
		}
		clock.Advance(5 * time.Minute)
		Expect(registry.Execute(ctx, "healthy", succeed)).To(Succeed())

		stats := registry.Stats()
		Expect(stats.Total).To(Equal(2))
		Expect(stats.Open).To(Equal(1))
		Expect(stats.Closed).To(Equal(1))
		Expect(stats.OldestAge).To(Equal(5 * time.Minute))
		Expect(stats.NewestAge).To(BeZero())
	})
})
