package orchestrator

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"basegraph.app/conductor/internal/model"
)

var severities = []model.Severity{
	model.SeverityCritical,
	model.SeverityHigh,
	model.SeverityMedium,
	model.SeverityLow,
	model.SeverityInfo,
}

type issueKey struct {
	title string
	file  string
}

// Aggregate merges task outcomes into one report. The result depends only on the set
// of outcomes, never on their order: issues are put in a canonical order before
// de-duplication by (title, file), so the kept occurrence is always the same one.
func Aggregate(outcomes []TaskOutcome) *model.Report {
	report := &model.Report{
		Issues:          []model.Issue{},
		Strengths:       []string{},
		Weaknesses:      []string{},
		SuspiciousFiles: []string{},
		SeverityCounts:  make(map[model.Severity]int, len(severities)),
		TaskCount:       len(outcomes),
	}

	var issues []model.Issue
	for _, o := range outcomes {
		report.TokenUsage += o.TokenUsage
		if o.Failed() {
			report.FailedTasks = append(report.FailedTasks, o.TaskID)
		}
		for _, issue := range o.Findings.Issues {
			issue.Title = strings.TrimSpace(issue.Title)
			issue.FilePath = strings.TrimSpace(issue.FilePath)
			if issue.Title == "" {
				continue
			}
			if issue.TaskID == "" {
				issue.TaskID = o.TaskID
			}
			issues = append(issues, issue)
		}
		report.Strengths = append(report.Strengths, o.Findings.Strengths...)
		report.Weaknesses = append(report.Weaknesses, o.Findings.Weaknesses...)
		report.SuspiciousFiles = append(report.SuspiciousFiles, o.Findings.SuspiciousFiles...)
	}

	slices.SortFunc(issues, compareIssues)
	seen := make(map[issueKey]struct{}, len(issues))
	for _, issue := range issues {
		key := issueKey{title: strings.ToLower(issue.Title), file: issue.FilePath}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		report.Issues = append(report.Issues, issue)
	}

	report.Strengths = canonicalStrings(report.Strengths)
	report.Weaknesses = canonicalStrings(report.Weaknesses)
	report.SuspiciousFiles = canonicalStrings(report.SuspiciousFiles)
	slices.Sort(report.FailedTasks)

	for _, s := range severities {
		report.SeverityCounts[s] = 0
	}
	penalty := 0
	for _, issue := range report.Issues {
		sev := issue.Severity
		if sev.Rank() == model.SeverityInfo.Rank() {
			sev = model.SeverityInfo
		}
		report.SeverityCounts[sev]++
		penalty += sev.Weight()
	}
	report.HealthScore = max(100-penalty, 0)
	report.Summary = summarize(report)

	return report
}

func compareIssues(a, b model.Issue) int {
	return cmp.Or(
		cmp.Compare(a.Severity.Rank(), b.Severity.Rank()),
		cmp.Compare(a.FilePath, b.FilePath),
		cmp.Compare(a.Line, b.Line),
		cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title)),
		cmp.Compare(a.Title, b.Title),
		cmp.Compare(a.Description, b.Description),
		cmp.Compare(string(a.Severity), string(b.Severity)),
		cmp.Compare(a.TaskID, b.TaskID),
	)
}

func canonicalStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func summarize(r *model.Report) string {
	var parts []string
	for _, s := range severities {
		if n := r.SeverityCounts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d issues", len(r.Issues))
	if len(parts) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, ", health score %d/100", r.HealthScore)
	if len(r.FailedTasks) > 0 {
		fmt.Fprintf(&b, "; %d of %d tasks failed", len(r.FailedTasks), r.TaskCount)
	}
	return b.String()
}
