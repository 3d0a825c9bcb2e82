package queue

import "fmt"

type NotificationType string

const (
	NotificationJobSubmitted NotificationType = "job_submitted"
	NotificationJobReleased  NotificationType = "job_released"
)

// StatusStreamName is the per-job stream carrying status log lines for live viewers.
func StatusStreamName(jobID int64) string {
	return fmt.Sprintf("job-status:%d", jobID)
}
