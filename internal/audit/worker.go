package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"basegraph.app/conductor/common/llm"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/model"
)

const workerSystemPrompt = `You are a senior engineer auditing source code. Review the files for the given
focus and report concrete issues with the file path, line when known, and a severity of
critical, high, medium, low or info. Also list strengths, weaknesses and files that look suspicious.`

const (
	maxFileBytes   = 64 << 10
	maxPromptBytes = 256 << 10
)

type issueResponse struct {
	Title       string `json:"title"`
	FilePath    string `json:"file_path"`
	Line        int    `json:"line"`
	Severity    string `json:"severity" jsonschema:"enum=critical,enum=high,enum=medium,enum=low,enum=info"`
	Description string `json:"description"`
}

type findingsResponse struct {
	Issues          []issueResponse `json:"issues"`
	Strengths       []string        `json:"strengths"`
	Weaknesses      []string        `json:"weaknesses"`
	SuspiciousFiles []string        `json:"suspicious_files"`
	Summary         string          `json:"summary"`
}

type Worker struct {
	model *ModelCaller
	repos Repositories
}

func NewWorker(caller *ModelCaller, repos Repositories) *Worker {
	return &Worker{model: caller, repos: repos}
}

func (w *Worker) Run(ctx context.Context, job *model.Job, task model.TaskSpec) (*model.TaskResult, error) {
	repo, err := w.repos.ForAccount(job.Input.Provider, job.AccountID())
	if err != nil {
		return nil, err
	}

	sources, byteCost, err := w.readFiles(ctx, repo, job, task.TargetFiles)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("none of the %d target files could be read", len(task.TargetFiles))
	}

	var resp findingsResponse
	tokens, err := w.model.Chat(ctx, llm.Request{
		SystemPrompt: workerSystemPrompt,
		UserPrompt:   taskPrompt(task, sources),
		SchemaName:   "audit_findings",
		Schema:       llm.GenerateSchema[findingsResponse](),
		Temperature:  llm.Temp(0),
	}, &resp)
	if err != nil {
		return nil, err
	}

	findings := model.Findings{
		Issues:          make([]model.Issue, 0, len(resp.Issues)),
		Strengths:       resp.Strengths,
		Weaknesses:      resp.Weaknesses,
		SuspiciousFiles: resp.SuspiciousFiles,
		Summary:         resp.Summary,
	}
	for _, issue := range resp.Issues {
		findings.Issues = append(findings.Issues, model.Issue{
			Title:       issue.Title,
			FilePath:    issue.FilePath,
			Line:        issue.Line,
			Severity:    model.Severity(strings.ToLower(issue.Severity)),
			Description: issue.Description,
			TaskID:      task.ID,
		})
	}

	return &model.TaskResult{Findings: findings, TokenUsage: tokens, ByteCost: byteCost}, nil
}

type source struct {
	path    string
	content string
}

// readFiles fetches target files. A missing file is skipped; anything that says the
// account or host is unusable aborts the task.
func (w *Worker) readFiles(ctx context.Context, repo codehost.Repository, job *model.Job, paths []string) ([]source, int64, error) {
	var (
		sources []source
		total   int64
		budget  = maxPromptBytes
	)
	for _, path := range paths {
		data, err := repo.ReadFile(ctx, job.Input.Repository, path, job.Input.Ref)
		if err != nil {
			var se *codehost.StatusError
			if errors.As(err, &se) && se.Status == 404 {
				slog.DebugContext(ctx, "target file not found, skipping", "path", path)
				continue
			}
			return nil, total, fmt.Errorf("reading %s: %w", path, err)
		}
		total += int64(len(data))

		if len(data) > maxFileBytes {
			data = data[:maxFileBytes]
		}
		if len(data) > budget {
			break
		}
		budget -= len(data)
		sources = append(sources, source{path: path, content: string(data)})
	}
	return sources, total, nil
}

func taskPrompt(task model.TaskSpec, sources []source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Focus: %s\nInstruction: %s\n\n", task.Role, task.Instruction)
	for _, name := range contextOrder {
		items, ok := task.Context[name]
		if !ok || len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Repository %s:\n", name)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteByte('\n')
	}
	for _, s := range sources {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", s.path, s.content)
	}
	return b.String()
}
