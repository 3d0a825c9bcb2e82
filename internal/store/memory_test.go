package store_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Memory", func() {
	var (
		ctx  context.Context
		mem  *store.Memory
		jobs store.JobStore
		now  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		mem = store.NewMemory()
		mem.SetClock(func() time.Time { return now })
		jobs = mem.Jobs()
	})

	createJob := func(id int64) {
		_, err := jobs.Create(ctx, &model.Job{ID: id, TenantID: "t1", Tier: model.TierStandard})
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("AcquireJobsBatch", func() {
		It("gives each job to exactly one of many concurrent claimers", func() {
			for i := int64(1); i <= 20; i++ {
				createJob(i)
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners = map[int64][]string{}
			)
			for w := range 16 {
				wg.Add(1)
				go func(worker string) {
					defer GinkgoRecover()
					defer wg.Done()
					claimed, err := jobs.AcquireJobsBatch(ctx, worker, 3)
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					for _, j := range claimed {
						winners[j.ID] = append(winners[j.ID], worker)
					}
					mu.Unlock()
				}(fmt.Sprintf("worker-%d", w))
			}
			wg.Wait()

			Expect(winners).To(HaveLen(20))
			for id, ws := range winners {
				Expect(ws).To(HaveLen(1), "job %d claimed by %v", id, ws)
			}
		})

		It("skips jobs scheduled in the future", func() {
			createJob(1)
			_, err := jobs.Create(ctx, &model.Job{ID: 2, TenantID: "t1", ScheduledAt: now.Add(time.Hour)})
			Expect(err).NotTo(HaveOccurred())

			claimed, err := jobs.AcquireJobsBatch(ctx, "w", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(HaveLen(1))
			Expect(claimed[0].ID).To(Equal(int64(1)))
			Expect(claimed[0].Status).To(Equal(model.JobStatusProcessing))
			Expect(*claimed[0].WorkerID).To(Equal("w"))
			Expect(claimed[0].Attempts).To(Equal(1))
		})
	})

	Describe("UpdateJobSchedule", func() {
		It("returns the job to pending without counting the attempt", func() {
			createJob(1)
			_, _ = jobs.AcquireJobsBatch(ctx, "w", 1)

			Expect(jobs.UpdateJobSchedule(ctx, 1, "w", now.Add(10*time.Minute))).To(Succeed())

			job, err := jobs.GetByID(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(model.JobStatusPending))
			Expect(job.Attempts).To(Equal(0))
			Expect(job.WorkerID).To(BeNil())
			Expect(job.ScheduledAt).To(Equal(now.Add(10 * time.Minute)))

			n, _ := jobs.CountProcessing(ctx)
			Expect(n).To(BeZero())
		})
	})

	Describe("terminal transitions", func() {
		It("refuses to complete a job that is not processing", func() {
			createJob(1)
			Expect(jobs.CompleteJob(ctx, 1, "w", &model.Report{})).To(MatchError(store.ErrNotProcessing))
		})

		It("keeps a failed job failed", func() {
			createJob(1)
			_, _ = jobs.AcquireJobsBatch(ctx, "w", 1)
			Expect(jobs.FailJob(ctx, 1, "w", "boom", "stack")).To(Succeed())
			Expect(jobs.CompleteJob(ctx, 1, "w", &model.Report{})).To(MatchError(store.ErrNotProcessing))

			job, _ := jobs.GetByID(ctx, 1)
			Expect(job.Status).To(Equal(model.JobStatusFailed))
			Expect(*job.Error).To(Equal("boom"))
		})
	})

	Describe("ReleaseStale", func() {
		It("returns only jobs without a recent heartbeat", func() {
			createJob(1)
			createJob(2)
			_, _ = jobs.AcquireJobsBatch(ctx, "w", 2)

			now = now.Add(20 * time.Minute)
			Expect(jobs.Heartbeat(ctx, 2, "w")).To(Succeed())

			ids, err := jobs.ReleaseStale(ctx, now.Add(-10*time.Minute), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]int64{1}))

			job, _ := jobs.GetByID(ctx, 1)
			Expect(job.Status).To(Equal(model.JobStatusPending))
		})
	})

	Describe("claim ownership", func() {
		var (
			job *model.Job
			err error
		)

		BeforeEach(func() {
			createJob(1)
			_, err := jobs.AcquireJobsBatch(ctx, "w1", 1)
			Expect(err).NotTo(HaveOccurred())

			now = now.Add(time.Hour)
			ids, err := jobs.ReleaseStale(ctx, now.Add(-10*time.Minute), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]int64{1}))

			claimed, err := jobs.AcquireJobsBatch(ctx, "w2", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(HaveLen(1))
		})

		It("rejects every transition from a worker whose claim was released", func() {
			Expect(jobs.FailJob(ctx, 1, "w1", "late", "stack")).To(MatchError(store.ErrNotProcessing))
			Expect(jobs.CompleteJob(ctx, 1, "w1", &model.Report{})).To(MatchError(store.ErrNotProcessing))
			Expect(jobs.UpdateJobSchedule(ctx, 1, "w1", now.Add(time.Minute))).To(MatchError(store.ErrNotProcessing))
			Expect(jobs.Heartbeat(ctx, 1, "w1")).To(MatchError(store.ErrNotProcessing))

			job, err = jobs.GetByID(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(model.JobStatusProcessing))
			Expect(job.WorkerID).To(HaveValue(Equal("w2")))
			Expect(job.Error).To(BeNil())
		})

		It("still lets the current claimant finish the job", func() {
			Expect(jobs.CompleteJob(ctx, 1, "w2", &model.Report{Summary: "ok"})).To(Succeed())

			job, err = jobs.GetByID(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(model.JobStatusCompleted))
		})
	})

	Describe("TaskProgress", func() {
		It("never reports output for a record without a payload", func() {
			tasks := mem.TaskProgress()
			Expect(tasks.Upsert(ctx, &model.TaskProgress{
				JobID: 1, TaskID: "t1", Status: model.TaskStatusCompleted, HasOutput: true,
			})).To(Succeed())

			list, err := tasks.ListByJob(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].HasOutput).To(BeFalse())
			Expect(list[0].Skippable()).To(BeFalse())
		})
	})

	Describe("Statuses", func() {
		It("appends logs and keeps the plan across progress updates", func() {
			statuses := mem.Statuses()
			plan := &model.Plan{Tasks: []model.TaskSpec{{ID: "t1", Role: "security"}}}

			Expect(statuses.SavePlan(ctx, 7, plan)).To(Succeed())
			Expect(statuses.AppendLog(ctx, 7, model.StatusLog{Level: model.LogLevelInfo, Message: "a"})).To(Succeed())
			Expect(statuses.AppendLog(ctx, 7, model.StatusLog{Level: model.LogLevelWarn, Message: "b"})).To(Succeed())
			Expect(statuses.UpdateProgress(ctx, 7, 40, "executing", 120, nil)).To(Succeed())

			rec, err := statuses.Get(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Progress).To(Equal(40))
			Expect(rec.Plan.Tasks).To(HaveLen(1))
			Expect(rec.Logs).To(HaveLen(2))
			Expect(rec.Logs[1].Message).To(Equal("b"))
		})
	})
})

var _ = Describe("MemoryQuotaStore", func() {
	It("returns ErrNotFound for unknown accounts and the last write otherwise", func() {
		ctx := context.Background()
		quotas := store.NewMemoryQuotaStore()

		_, err := quotas.Get(ctx, "acct")
		Expect(err).To(MatchError(store.ErrNotFound))

		reset := time.Now().Add(time.Hour)
		Expect(quotas.Set(ctx, model.QuotaState{AccountID: "acct", Remaining: 10, Limit: 5000, ResetAt: reset})).To(Succeed())
		Expect(quotas.Set(ctx, model.QuotaState{AccountID: "acct", Remaining: 9, Limit: 5000, ResetAt: reset})).To(Succeed())

		state, err := quotas.Get(ctx, "acct")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Remaining).To(Equal(9))

		Expect(quotas.Delete(ctx, "acct")).To(Succeed())
		_, err = quotas.Get(ctx, "acct")
		Expect(err).To(MatchError(store.ErrNotFound))
	})
})
