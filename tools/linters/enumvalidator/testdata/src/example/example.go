package example

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
)

type Severity string

const SeverityHigh Severity = "high"

type Job struct {
	Status JobStatus
}

type Issue struct {
	Title    string
	Severity Severity
}

func bad() {
	j := &Job{}
	j.Status = "complete" // want "enum field Status assigned string literal"

	_ = Issue{Title: "x", Severity: "hihg"} // want "enum field Severity set to string literal"
}

func good() {
	j := &Job{}
	j.Status = JobStatusCompleted

	_ = Issue{Title: "sql injection", Severity: SeverityHigh}
}

func alsoGood() {
	// Variables and conversions are fine.
	status := JobStatusPending
	raw := "high"
	_ = &Job{Status: status}
	_ = Issue{Severity: Severity(raw)}
}
