package client

import "time"

// Job phases reported by the dispatcher.
const (
	PhaseRunning   = "Running"
	PhaseSucceeded = "Succeeded"
	PhaseFailed    = "Failed"
)

// Job is the dispatcher's view of one submitted operation.
type Job struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Target         string     `json:"target,omitempty"`
	Phase          string     `json:"phase"`
	StartTime      time.Time  `json:"start_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Done reports whether the job has finished.
func (j Job) Done() bool { return j.Phase == PhaseSucceeded || j.Phase == PhaseFailed }

// DevTarget is the state of one dev server.
type DevTarget struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// MigrationStatus reports whether a database has been initialised.
type MigrationStatus struct {
	Initialized bool   `json:"initialized"`
	Reason      string `json:"reason,omitempty"`
}

// JobResponse is returned by every asynchronous endpoint.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
