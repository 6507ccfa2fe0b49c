package job

import (
	"context"
	"time"
)

// Phase is the lifecycle phase of a job.
type Phase string

const (
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

// Job kinds submitted by the daemon and CLI.
const (
	KindInstall    = "install"
	KindDeploy     = "deploy"
	KindModuleSync = "moduleSync"
	KindAwsScan    = "awsStatus"
	KindEnsure     = "ensure"
	KindMigration  = "migration"
	KindDev        = "dev"
	KindTool       = "installTool"
)

// Func is the body of a job. It should return promptly once ctx is done.
type Func func(ctx context.Context) error

// Job is a snapshot of one submitted operation.
type Job struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Target         string     `json:"target,omitempty"`
	Phase          Phase      `json:"phase"`
	StartTime      time.Time  `json:"start_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Done reports whether the job has finished.
func (j Job) Done() bool { return j.Phase == PhaseSucceeded || j.Phase == PhaseFailed }

type entry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}
