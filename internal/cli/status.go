package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/store"
)

var (
	statusOutput string
	statusLogs   int
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state, progress and recent status logs",
	Long: `Show a job's state, progress and recent status logs.

Examples:
  conductorctl status 1843207702113210368
  conductorctl status 1843207702113210368 -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text or yaml")
	statusCmd.Flags().IntVar(&statusLogs, "logs", 10, "number of trailing status log lines to show")
}

type statusView struct {
	Job    *model.Job             `yaml:"job"`
	Status *model.JobStatusRecord `yaml:"status,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	jobID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	job, err := stores.Jobs().GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("job %d not found", jobID)
		}
		return fmt.Errorf("get job: %w", err)
	}

	status, err := stores.Statuses().Get(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get status: %w", err)
	}

	switch statusOutput {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(statusView{Job: job, Status: status})
	case "text":
		printStatus(os.Stdout, job, status, statusLogs)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", statusOutput)
	}
}

func printStatus(w io.Writer, job *model.Job, status *model.JobStatusRecord, logs int) {
	fmt.Fprintf(w, "Job:        %d\n", job.ID)
	fmt.Fprintf(w, "Tenant:     %s\n", job.TenantID)
	fmt.Fprintf(w, "Repository: %s (%s)\n", job.Input.Repository, job.Input.Provider)
	fmt.Fprintf(w, "Tier:       %s\n", job.Tier)
	fmt.Fprintf(w, "State:      %s (attempts %d)\n", job.Status, job.Attempts)
	if job.Status == model.JobStatusPending && job.ScheduledAt.After(time.Now()) {
		fmt.Fprintf(w, "Eligible:   %s\n", job.ScheduledAt.Format(time.RFC3339))
	}
	if job.Error != nil {
		fmt.Fprintf(w, "Error:      %s\n", *job.Error)
	}
	if job.Output != nil {
		fmt.Fprintf(w, "Result:     %s\n", job.Output.Summary)
	}

	if status == nil {
		return
	}
	fmt.Fprintf(w, "Progress:   %d%% (%s)\n", status.Progress, status.CurrentStep)
	fmt.Fprintf(w, "Tokens:     %d\n", status.TokenUsage)

	entries := status.Logs
	if logs >= 0 && len(entries) > logs {
		entries = entries[len(entries)-logs:]
	}
	if len(entries) > 0 {
		fmt.Fprintln(w, "\nRecent activity:")
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %s  %-5s  %s\n", e.At.Format(time.RFC3339), e.Level, e.Message)
	}
}
