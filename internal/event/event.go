package event

import (
	"fmt"
	"time"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	KindLog         Kind = "log"
	KindStatus      Kind = "status"
	KindAwsStatus   Kind = "awsStatus"
	KindModuleSync  Kind = "moduleSync"
	KindJobComplete Kind = "jobComplete"
)

// LogType is the severity of a log line shown to the user.
type LogType string

const (
	LogInfo    LogType = "info"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
	LogWarning LogType = "warning"
)

// Event is one fire-and-forget notification. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind   Kind          `json:"kind"`
	Time   time.Time     `json:"timestamp"`
	Log    *Log          `json:"log,omitempty"`
	Status *StatusChange `json:"status,omitempty"`
	Aws    *AwsStatus    `json:"awsStatus,omitempty"`
	Module *ModuleSync   `json:"moduleSync,omitempty"`
	Job    *JobComplete  `json:"jobComplete,omitempty"`
}

type Log struct {
	Message string  `json:"message"`
	Type    LogType `json:"type"`
	Source  string  `json:"source,omitempty"`
}

type StatusChange struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// AwsCheck is the observed state of one tracked cloud resource.
type AwsCheck struct {
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	ID       string         `json:"id"`
	Status   string         `json:"status"`
	Details  string         `json:"details,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AwsStatus carries either the initial snapshot of a scan or one update.
type AwsStatus struct {
	Init   []AwsCheck `json:"init,omitempty"`
	Update *AwsCheck  `json:"update,omitempty"`
}

// ModuleSync carries either the persisted module list or the sync outcome.
type ModuleSync struct {
	Modules []string `json:"modules,omitempty"`
	Success *bool    `json:"success,omitempty"`
}

type JobComplete struct {
	ID      string `json:"id,omitempty"`
	Kind    string `json:"kind"`
	Success bool   `json:"success"`
}

func NewLog(t LogType, source, msg string) Event {
	return Event{Kind: KindLog, Time: time.Now(), Log: &Log{Message: msg, Type: t, Source: source}}
}

func NewStatus(id, status string) Event {
	return Event{Kind: KindStatus, Time: time.Now(), Status: &StatusChange{ID: id, Status: status}}
}

func NewAwsInit(checks []AwsCheck) Event {
	cp := append([]AwsCheck(nil), checks...)
	return Event{Kind: KindAwsStatus, Time: time.Now(), Aws: &AwsStatus{Init: cp}}
}

func NewAwsUpdate(c AwsCheck) Event {
	return Event{Kind: KindAwsStatus, Time: time.Now(), Aws: &AwsStatus{Update: &c}}
}

func NewModuleConfig(modules []string) Event {
	cp := append([]string{}, modules...)
	return Event{Kind: KindModuleSync, Time: time.Now(), Module: &ModuleSync{Modules: cp}}
}

func NewModuleResult(ok bool) Event {
	return Event{Kind: KindModuleSync, Time: time.Now(), Module: &ModuleSync{Success: &ok}}
}

func NewJobComplete(id, kind string, ok bool) Event {
	return Event{Kind: KindJobComplete, Time: time.Now(), Job: &JobComplete{ID: id, Kind: kind, Success: ok}}
}

// String renders the event for terminal output.
func (e Event) String() string {
	switch {
	case e.Log != nil:
		if e.Log.Source != "" {
			return fmt.Sprintf("[%s] %s", e.Log.Source, e.Log.Message)
		}
		return e.Log.Message
	case e.Status != nil:
		return fmt.Sprintf("%s: %s", e.Status.ID, e.Status.Status)
	case e.Aws != nil && e.Aws.Update != nil:
		u := e.Aws.Update
		return fmt.Sprintf("%s %s (%s): %s", u.Type, u.Name, u.ID, u.Status)
	case e.Aws != nil:
		return fmt.Sprintf("scanning %d resources", len(e.Aws.Init))
	case e.Module != nil && e.Module.Success != nil:
		return fmt.Sprintf("module sync success=%t", *e.Module.Success)
	case e.Module != nil:
		return fmt.Sprintf("modules: %v", e.Module.Modules)
	case e.Job != nil:
		return fmt.Sprintf("%s complete success=%t", e.Job.Kind, e.Job.Success)
	}
	return string(e.Kind)
}
