package audit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"basegraph.app/conductor/common/llm"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/scheduler"
)

const plannerSystemPrompt = `You plan code audits. Split the audit of the repository into independent review tasks.
Each task has a role (one of: security, architecture, reliability, performance, maintainability),
a concrete instruction, and the files it must read. Only use files from the provided list.
Prefer few, focused tasks over many overlapping ones.`

const maxContextRefs = 20

var contextOrder = []string{"open issues", "open merge requests", "recent commits"}

type plannedTask struct {
	Role        string   `json:"role" jsonschema:"enum=security,enum=architecture,enum=reliability,enum=performance,enum=maintainability"`
	Instruction string   `json:"instruction"`
	TargetFiles []string `json:"target_files"`
}

type planResponse struct {
	Tasks []plannedTask `json:"tasks"`
}

type Planner struct {
	model *ModelCaller
	repos Repositories
}

func NewPlanner(caller *ModelCaller, repos Repositories) *Planner {
	return &Planner{model: caller, repos: repos}
}

// TaskBudget is the number of tasks a tier may plan.
func TaskBudget(tier model.Tier) int {
	switch tier {
	case model.TierQuick:
		return 3
	case model.TierDeep:
		return 12
	default:
		return 6
	}
}

// FilesPerTask caps how many files one task reads.
func FilesPerTask(tier model.Tier) int {
	switch tier {
	case model.TierQuick:
		return 5
	case model.TierDeep:
		return 20
	default:
		return 10
	}
}

func (p *Planner) Plan(ctx context.Context, job *model.Job) (*model.Plan, error) {
	files, err := p.files(ctx, job)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("repository %s has no files to audit", job.Input.Repository)
	}

	budget := TaskBudget(job.Tier)
	var resp planResponse
	tokens, err := p.model.Chat(ctx, llm.Request{
		SystemPrompt: plannerSystemPrompt,
		UserPrompt:   planPrompt(job, files, budget),
		SchemaName:   "audit_plan",
		Schema:       llm.GenerateSchema[planResponse](),
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("planning audit: %w", err)
	}

	plan := &model.Plan{TokenUsage: tokens}
	known := make(map[string]struct{}, len(files))
	for _, f := range files {
		known[f] = struct{}{}
	}
	perTask := FilesPerTask(job.Tier)

	for _, t := range resp.Tasks {
		if len(plan.Tasks) == budget {
			break
		}
		var targets []string
		for _, f := range t.TargetFiles {
			if _, ok := known[f]; ok && !slices.Contains(targets, f) {
				targets = append(targets, f)
			}
		}
		if len(targets) == 0 {
			slog.DebugContext(ctx, "dropping planned task without known files", "role", t.Role)
			continue
		}
		if len(targets) > perTask {
			targets = targets[:perTask]
		}
		plan.Tasks = append(plan.Tasks, model.TaskSpec{
			ID:          fmt.Sprintf("t%02d-%s", len(plan.Tasks)+1, strings.ToLower(strings.TrimSpace(t.Role))),
			Role:        strings.ToLower(strings.TrimSpace(t.Role)),
			Instruction: strings.TrimSpace(t.Instruction),
			TargetFiles: targets,
		})
	}

	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("planner produced no usable tasks for %s", job.Input.Repository)
	}

	if extra := p.repoContext(ctx, job); len(extra) > 0 {
		for i := range plan.Tasks {
			plan.Tasks[i].Context = extra
		}
	}
	return plan, nil
}

func (p *Planner) files(ctx context.Context, job *model.Job) ([]string, error) {
	if len(job.Input.Files) > 0 {
		return job.Input.Files, nil
	}
	repo, err := p.repos.ForAccount(job.Input.Provider, job.AccountID())
	if err != nil {
		return nil, err
	}
	files, err := repo.ListFiles(ctx, job.Input.Repository, job.Input.Ref, scheduler.MaxListedFiles)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// repoContext gathers the optional sub-resources the job asked for, once for the whole
// job. They only enrich the task prompts, so failures are logged and ignored.
func (p *Planner) repoContext(ctx context.Context, job *model.Job) map[string][]string {
	in := job.Input
	if !in.IncludeIssues && !in.IncludeMergeRequests && !in.IncludeCommits {
		return nil
	}
	repo, err := p.repos.ForAccount(in.Provider, job.AccountID())
	if err != nil {
		slog.WarnContext(ctx, "optional repository context unavailable", "error", err)
		return nil
	}

	extra := make(map[string][]string)
	fetch := func(name string, enabled bool, fn func(codehost.Repository) ([]string, error)) {
		if !enabled {
			return
		}
		items, err := fn(repo)
		if err != nil {
			slog.WarnContext(ctx, "optional repository context unavailable", "resource", name, "error", err)
			return
		}
		extra[name] = items
	}

	fetch(contextOrder[0], in.IncludeIssues, func(r codehost.Repository) ([]string, error) {
		return r.ListIssues(ctx, in.Repository, maxContextRefs)
	})
	fetch(contextOrder[1], in.IncludeMergeRequests, func(r codehost.Repository) ([]string, error) {
		return r.ListMergeRequests(ctx, in.Repository, maxContextRefs)
	})
	fetch(contextOrder[2], in.IncludeCommits, func(r codehost.Repository) ([]string, error) {
		return r.ListCommits(ctx, in.Repository, in.Ref, maxContextRefs)
	})
	return extra
}

func planPrompt(job *model.Job, files []string, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", job.Input.Repository)
	fmt.Fprintf(&b, "Audit depth: %s (at most %d tasks)\n\n", job.Tier, budget)
	b.WriteString("Files:\n")
	for _, f := range files {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.String()
}
