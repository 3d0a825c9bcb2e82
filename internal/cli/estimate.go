package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/scheduler"
)

var (
	estimateIssues  bool
	estimateMRs     bool
	estimateCommits bool
	estimateBatch   int
)

var estimateCmd = &cobra.Command{
	Use:   "estimate <file-count>",
	Short: "Print the API-call cost and scheduling priority of a job of the given size",
	Long: `Print the API-call cost and scheduling priority of a job of the given size.

The cost is what the scheduler reserves against the account's remaining
quota before admitting the job.

Examples:
  conductorctl estimate 320
  conductorctl estimate 1200 --issues --commits`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"offline": "true"},
	RunE:        runEstimate,
}

func init() {
	estimateCmd.Flags().BoolVar(&estimateIssues, "issues", false, "include open issues")
	estimateCmd.Flags().BoolVar(&estimateMRs, "merge-requests", false, "include open merge requests")
	estimateCmd.Flags().BoolVar(&estimateCommits, "commits", false, "include recent commits")
	estimateCmd.Flags().IntVar(&estimateBatch, "batch-size", scheduler.DefaultBatchSize, "files fetched per API call")
}

func runEstimate(cmd *cobra.Command, args []string) error {
	var files int
	if _, err := fmt.Sscanf(args[0], "%d", &files); err != nil || files < 0 {
		return fmt.Errorf("invalid file count %q", args[0])
	}

	input := model.JobInput{
		FileCount:            files,
		IncludeIssues:        estimateIssues,
		IncludeMergeRequests: estimateMRs,
		IncludeCommits:       estimateCommits,
	}
	cost := scheduler.EstimateCost(files, scheduler.CostOptionsFor(input, estimateBatch))

	now := time.Now()
	fresh := scheduler.Priority(&model.Job{Input: input, CreatedAt: now}, now)
	aged := scheduler.Priority(&model.Job{Input: input, CreatedAt: now.Add(-24 * time.Hour)}, now)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Estimated API calls: %d\n", cost)
	fmt.Fprintf(out, "Priority:            %.1f when new, %.1f after a day waiting\n", fresh, aged)
	return nil
}
