package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"basegraph.app/conductor/common/id"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/queue"
)

var (
	submitTenant     string
	submitProvider   string
	submitAccount    string
	submitRef        string
	submitTier       string
	submitFileCount  int
	submitFiles      []string
	submitIssues     bool
	submitMRs        bool
	submitCommits    bool
	submitScheduleIn time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <repository>",
	Short: "Queue a repository audit job",
	Long: `Queue a repository audit job.

The job is inserted as pending. When redis is configured a job_submitted
notification wakes idle orchestrators, otherwise the next poll picks it up.

Examples:
  conductorctl submit acme/api --tenant acme --account 4411 --files 320
  conductorctl submit acme/web --tenant acme --account 4411 --tier deep --issues --schedule-in 2h`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitTenant, "tenant", "", "owning tenant (required)")
	f.StringVar(&submitProvider, "provider", string(model.ProviderGitLab), "code host: gitlab or github")
	f.StringVar(&submitAccount, "account", "", "code-host account whose quota the job spends")
	f.StringVar(&submitRef, "ref", "", "branch, tag or commit to audit")
	f.StringVar(&submitTier, "tier", string(model.TierStandard), "audit depth: quick, standard or deep")
	f.IntVar(&submitFileCount, "files", 0, "estimated number of files in the repository")
	f.StringSliceVar(&submitFiles, "file", nil, "restrict the audit to these paths (repeatable)")
	f.BoolVar(&submitIssues, "issues", false, "include open issues")
	f.BoolVar(&submitMRs, "merge-requests", false, "include open merge requests")
	f.BoolVar(&submitCommits, "commits", false, "include recent commits")
	f.DurationVar(&submitScheduleIn, "schedule-in", 0, "delay before the job becomes eligible")
	_ = submitCmd.MarkFlagRequired("tenant")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	job, err := buildJob(args[0], time.Now())
	if err != nil {
		return err
	}

	created, err := stores.Jobs().Create(ctx, job)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	if created.ScheduledAt.After(time.Now()) {
		fmt.Printf("Queued job %d, eligible at %s\n", created.ID, created.ScheduledAt.Format(time.RFC3339))
		return nil
	}

	p, err := producer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v; job waits for next poll\n", err)
	} else if p != nil {
		n := queue.JobNotification{Type: queue.NotificationJobSubmitted, JobID: created.ID, TenantID: created.TenantID}
		if err := p.Notify(ctx, n); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: notify failed: %v; job waits for next poll\n", err)
		}
	}

	fmt.Printf("Queued job %d\n", created.ID)
	return nil
}

func buildJob(repository string, now time.Time) (*model.Job, error) {
	tier := model.Tier(submitTier)
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid tier %q", submitTier)
	}
	provider := model.Provider(submitProvider)
	if !provider.Valid() {
		return nil, fmt.Errorf("invalid provider %q", submitProvider)
	}
	if submitFileCount < 0 {
		return nil, fmt.Errorf("--files must not be negative")
	}

	fileCount := submitFileCount
	if fileCount == 0 {
		fileCount = len(submitFiles)
	}

	job := &model.Job{
		ID:       id.New(),
		TenantID: submitTenant,
		Tier:     tier,
		Input: model.JobInput{
			Provider:             provider,
			AccountID:            submitAccount,
			Repository:           repository,
			Ref:                  submitRef,
			FileCount:            fileCount,
			Files:                submitFiles,
			IncludeIssues:        submitIssues,
			IncludeMergeRequests: submitMRs,
			IncludeCommits:       submitCommits,
		},
	}
	if submitScheduleIn > 0 {
		job.ScheduledAt = now.Add(submitScheduleIn)
	}
	return job, nil
}
