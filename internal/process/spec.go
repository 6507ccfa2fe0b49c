package process

import (
	"errors"
	"fmt"
	"strings"
)

// Status of a dev target as reported to listeners.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Target names supervised by default.
const (
	TargetAPI    = "api"
	TargetAdmin  = "admin"
	TargetPublic = "public"
)

// Targets lists the supervised dev targets in start order.
var Targets = []string{TargetAPI, TargetAdmin, TargetPublic}

const (
	DefaultCommand = "yarn"
	DefaultScript  = "dev"
)

var ErrUnknownTarget = errors.New("unknown dev target")

// Spec describes how to launch one dev target.
type Spec struct {
	ID      string
	Dir     string
	Command string   // defaults to yarn
	Args    []string // defaults to [dev]
}

// DevSpec returns the default "yarn dev" spec for id in dir.
func DevSpec(id, dir string) Spec {
	return Spec{ID: id, Dir: dir}
}

func (s Spec) withDefaults() Spec {
	if strings.TrimSpace(s.Command) == "" {
		s.Command = DefaultCommand
		if len(s.Args) == 0 {
			s.Args = []string{DefaultScript}
		}
	}
	return s
}

// script is the shell line executed for the spec.
func (s Spec) script() string {
	s = s.withDefaults()
	if len(s.Args) == 0 {
		return s.Command
	}
	return s.Command + " " + strings.Join(s.Args, " ")
}

// ValidateTarget reports whether id is one of allowed.
func ValidateTarget(id string, allowed []string) error {
	for _, a := range allowed {
		if a == id {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownTarget, id)
}
