package model

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Weight is the health score penalty for one issue of this severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 20
	case SeverityHigh:
		return 10
	case SeverityMedium:
		return 5
	case SeverityLow:
		return 2
	default:
		return 0
	}
}

// Rank orders severities from most to least severe (critical = 0).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// Issue is a single audit finding. Title + FilePath is its identity for de-duplication.
type Issue struct {
	Title       string   `json:"title"`
	FilePath    string   `json:"file_path,omitempty"`
	Line        int      `json:"line,omitempty"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
	TaskID      string   `json:"task_id,omitempty"`
}

// Findings is a worker's structured output for one task.
type Findings struct {
	Issues          []Issue  `json:"issues"`
	Strengths       []string `json:"strengths"`
	Weaknesses      []string `json:"weaknesses"`
	SuspiciousFiles []string `json:"suspicious_files"`
	Summary         string   `json:"summary,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Report is the aggregated job output persisted to jobs.output_data.
type Report struct {
	Issues          []Issue          `json:"issues"`
	Strengths       []string         `json:"strengths"`
	Weaknesses      []string         `json:"weaknesses"`
	SuspiciousFiles []string         `json:"suspicious_files"`
	SeverityCounts  map[Severity]int `json:"severity_counts"`
	HealthScore     int              `json:"health_score"`
	Summary         string           `json:"summary"`
	TaskCount       int              `json:"task_count"`
	FailedTasks     []string         `json:"failed_tasks,omitempty"`
	TokenUsage      int              `json:"token_usage"`
}
