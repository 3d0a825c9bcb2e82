package audit_test

import (
	"context"
	"errors"
	"time"

	"basegraph.app/conductor/common/llm"
	"basegraph.app/conductor/core/config"
	"basegraph.app/conductor/internal/audit"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/resilience"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Audit", func() {
	var (
		ctx      context.Context
		client   *mockLLM
		repo     *mockRepository
		caller   *audit.ModelCaller
		breakers *resilience.Registry
		job      *model.Job
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &mockLLM{}
		repo = &mockRepository{files: map[string]string{
			"main.go":   "package main",
			"db/sql.go": "package db",
			"README.md": "# app",
		}}
		breakers = resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 2})
		retry := resilience.AIProviderPolicy(config.RetryPreset{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffMultiplier: 1})
		retry.Sleep = func(context.Context, time.Duration) error { return nil }
		retry.Jitter = func() time.Duration { return 0 }
		caller = audit.NewModelCaller(client, retry, breakers, time.Minute)
		job = &model.Job{ID: 1, Tier: model.TierQuick, Input: model.JobInput{Repository: "group/app", AccountID: "acct"}}
	})

	Describe("Planner", func() {
		It("builds tasks limited to known files and the tier budget", func() {
			client.fn = func(llm.Request) (string, error) {
				return `{"tasks":[
					{"role":"Security","instruction":"check sql","target_files":["db/sql.go","ghost.go","db/sql.go"]},
					{"role":"architecture","instruction":"layout","target_files":["main.go"]},
					{"role":"reliability","instruction":"nothing real","target_files":["nope.go"]},
					{"role":"performance","instruction":"hot paths","target_files":["main.go"]},
					{"role":"maintainability","instruction":"docs","target_files":["README.md"]}
				]}`, nil
			}

			plan, err := audit.NewPlanner(caller, staticRepos{repo}).Plan(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.listCall).To(Equal(1))
			Expect(plan.TokenUsage).To(Equal(120))
			Expect(plan.Tasks).To(HaveLen(3))
			Expect(plan.Tasks[0]).To(Equal(model.TaskSpec{
				ID: "t01-security", Role: "security", Instruction: "check sql", TargetFiles: []string{"db/sql.go"},
			}))
			Expect(plan.Tasks[2].ID).To(Equal("t03-performance"))
			Expect(client.requests[0].UserPrompt).To(ContainSubstring("at most 3 tasks"))
		})

		It("uses the submitted file list without listing the repository", func() {
			job.Input.Files = []string{"main.go"}
			client.fn = func(llm.Request) (string, error) {
				return `{"tasks":[{"role":"security","instruction":"x","target_files":["main.go"]}]}`, nil
			}

			_, err := audit.NewPlanner(caller, staticRepos{repo}).Plan(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.listCall).To(BeZero())
		})

		It("gathers optional repository context once and shares it with every task", func() {
			job.Input.IncludeIssues = true
			repo.issues = []string{"#1 login broken"}
			client.fn = func(llm.Request) (string, error) {
				return `{"tasks":[
					{"role":"security","instruction":"x","target_files":["main.go"]},
					{"role":"reliability","instruction":"y","target_files":["db/sql.go"]}
				]}`, nil
			}

			plan, err := audit.NewPlanner(caller, staticRepos{repo}).Plan(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.issueCalls).To(Equal(1))
			Expect(plan.Tasks).To(HaveLen(2))
			for _, t := range plan.Tasks {
				Expect(t.Context).To(HaveKeyWithValue("open issues", []string{"#1 login broken"}))
			}
		})

		It("fails when nothing usable was planned", func() {
			client.fn = func(llm.Request) (string, error) {
				return `{"tasks":[{"role":"security","instruction":"x","target_files":["ghost.go"]}]}`, nil
			}
			_, err := audit.NewPlanner(caller, staticRepos{repo}).Plan(ctx, job)
			Expect(err).To(MatchError(ContainSubstring("no usable tasks")))
		})
	})

	Describe("Worker", func() {
		task := model.TaskSpec{ID: "t01-security", Role: "security", Instruction: "check", TargetFiles: []string{"main.go", "gone.go", "db/sql.go"}}

		It("reads target files and returns structured findings", func() {
			task := task
			task.Context = map[string][]string{"open issues": {"#1 login broken"}}
			client.fn = func(req llm.Request) (string, error) {
				return `{"issues":[{"title":"SQL built by concatenation","file_path":"db/sql.go","line":3,"severity":"HIGH","description":"d"}],
					"strengths":["small"],"weaknesses":[],"suspicious_files":["db/sql.go"],"summary":"ok"}`, nil
			}

			result, err := audit.NewWorker(caller, staticRepos{repo}).Run(ctx, job, task)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.TokenUsage).To(Equal(120))
			Expect(result.ByteCost).To(Equal(int64(len("package main") + len("package db"))))
			Expect(result.Findings.Issues).To(ConsistOf(model.Issue{
				Title: "SQL built by concatenation", FilePath: "db/sql.go", Line: 3,
				Severity: model.SeverityHigh, Description: "d", TaskID: "t01-security",
			}))

			prompt := client.requests[0].UserPrompt
			Expect(prompt).To(ContainSubstring("=== main.go ==="))
			Expect(prompt).To(ContainSubstring("#1 login broken"))
			Expect(prompt).NotTo(ContainSubstring("gone.go"))
			Expect(repo.issueCalls).To(BeZero())
		})

		It("propagates credential failures", func() {
			repo.readErr = codehost.ErrCredentialRefresh
			_, err := audit.NewWorker(caller, staticRepos{repo}).Run(ctx, job, task)
			Expect(errors.Is(err, codehost.ErrCredentialRefresh)).To(BeTrue())
			Expect(client.callCount).To(BeZero())
		})

		It("retries provider errors and trips the model breaker", func() {
			client.fn = func(llm.Request) (string, error) {
				return "", &llm.APIError{Status: 503, Err: errors.New("overloaded")}
			}
			w := audit.NewWorker(caller, staticRepos{repo})

			_, err := w.Run(ctx, job, task)
			Expect(err).To(HaveOccurred())
			Expect(client.callCount).To(Equal(2))
			Expect(breakers.State("ai:test-model")).To(Equal(resilience.StateOpen))

			_, err = w.Run(ctx, job, task)
			Expect(errors.Is(err, resilience.ErrCircuitOpen)).To(BeTrue())
			Expect(client.callCount).To(Equal(2))
		})
	})
})
