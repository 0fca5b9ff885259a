package domain

import "time"

// Job status constants
const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// IsTerminal reports whether a status is absorbing. Terminal jobs never
// transition again.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job represents a render job record in the database
type Job struct {
	JobID       string    `db:"job_id" json:"job_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Status      string    `db:"status" json:"status"`
	Payload     string    `db:"payload" json:"payload"` // opaque scene+config JSON
	OutputURL   string    `db:"output_url" json:"output_url,omitempty"`
	Error       string    `db:"error" json:"error,omitempty"`
	Attempt     int       `db:"attempt" json:"attempt"`
	MaxAttempts int       `db:"max_attempts" json:"max_attempts"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Notification channel names. Workers listen on ChannelJobAvailable to wake
// without polling; waiters listen on ChannelJobCompleted.
const (
	ChannelJobAvailable = "job.available"
	ChannelJobCompleted = "job.completed"
)

// Event status values. Completion events carry completed or failed; the
// job-available channel carries queued.
const (
	EventStatusQueued    = "queued"
	EventStatusCompleted = "completed"
	EventStatusFailed    = "failed"
)

// NotificationEvent is the ephemeral wire shape published when a job settles.
// Delivery is at-most-once per subscriber; the jobs table stays authoritative.
type NotificationEvent struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Valid performs the structural check receivers run before trusting an event.
func (e *NotificationEvent) Valid() bool {
	if e.JobID == "" {
		return false
	}
	return e.Status == EventStatusCompleted || e.Status == EventStatusFailed
}

// EventFromJob synthesizes the event a subscriber would have received for a
// job already in a terminal state. Used by the fallback poll path.
func EventFromJob(job *Job) *NotificationEvent {
	evt := &NotificationEvent{JobID: job.JobID}
	switch job.Status {
	case JobStatusCompleted:
		evt.Status = EventStatusCompleted
		evt.OutputURL = job.OutputURL
	case JobStatusFailed:
		evt.Status = EventStatusFailed
		evt.Error = job.Error
	default:
		return nil
	}
	return evt
}

// DeadLetterJob is a job that exhausted its retry budget, held for manual
// inspection.
type DeadLetterJob struct {
	ID       int64     `db:"id" json:"id"`
	JobID    string    `db:"job_id" json:"job_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	Payload  string    `db:"payload" json:"payload"`
	Error    string    `db:"error" json:"error"`
	Attempt  int       `db:"attempt" json:"attempt"`
	FailedAt time.Time `db:"failed_at" json:"failed_at"`
}
