package history

import "time"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// BuildRecord is one row of build history.
type BuildRecord struct {
	ID              int64      `json:"id"`
	JobID           string     `json:"job_id"`
	Delivery        string     `json:"delivery,omitempty"`
	Event           string     `json:"event,omitempty"`
	Ref             string     `json:"ref,omitempty"`
	Status          string     `json:"status"` // success, failed, skipped
	ExitCode        int        `json:"exit_code"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	CommitHash      *string    `json:"commit,omitempty"`
	ErrorMessage    *string    `json:"error,omitempty"`
}

// Summary counts builds by status.
type Summary struct {
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
	Latest *BuildRecord   `json:"latest,omitempty"`
	Recent []BuildRecord  `json:"recent"`
}
