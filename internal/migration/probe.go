package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/runner"
)

// NotInitialized is the marker printed by the status script for an empty database.
const NotInitialized = "Database is not initialized"

// UnexpectedOutput is the reason reported when no status could be recognised.
const UnexpectedOutput = "Unexpected output from migration status script"

// Status of database migrations for one environment.
type Status struct {
	Initialized bool   `json:"initialized"`
	Reason      string `json:"reason,omitempty"`
}

// Environments accepted by the api project's scripts.
var Environments = []string{"local", "prod"}

// ValidEnv reports whether env is a known script environment.
func ValidEnv(env string) bool {
	for _, e := range Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Probe runs the api project's database scripts.
type Probe struct {
	Runner runner.Runner
	Dir    string // api project directory
	Sink   event.Sink
	Log    *slog.Logger

	// Script names; defaults are migrationStatus, migrate and setupDb.
	StatusScript  string
	MigrateScript string
	SetupScript   string
}

func (p *Probe) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetStatus invokes the status script for env and interprets its output.
// It never fails: every failure mode becomes a Status with a reason.
func (p *Probe) GetStatus(ctx context.Context, env string) Status {
	cmd := runner.Command{
		Name: "yarn",
		Args: []string{orDefault(p.StatusScript, "migrationStatus"), "--env=" + env},
		Dir:  p.Dir,
	}
	res, err := p.Runner.Run(ctx, cmd)
	if err != nil {
		p.logger().Warn("migration status script failed", "env", env, "error", err)
		return Status{Initialized: false, Reason: err.Error()}
	}
	st := Parse(res.Stdout + "\n" + res.Stderr)
	p.logger().Debug("migration status", "env", env, "initialized", st.Initialized, "reason", st.Reason)
	return st
}

// Parse extracts the first balanced JSON object carrying an "initialized"
// field from noisy output.
func Parse(out string) Status {
	for _, candidate := range objects(out) {
		var raw struct {
			Initialized *bool  `json:"initialized"`
			Reason      string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil || raw.Initialized == nil {
			continue
		}
		return Status{Initialized: *raw.Initialized, Reason: raw.Reason}
	}
	if strings.Contains(out, NotInitialized) {
		return Status{Initialized: false, Reason: NotInitialized}
	}
	return Status{Initialized: false, Reason: UnexpectedOutput}
}

// objects returns every balanced top-level {...} span in s, in order.
// Braces inside JSON strings are ignored.
func objects(s string) []string {
	var out []string
	for start := strings.IndexByte(s, '{'); start >= 0; {
		end := matchBrace(s, start)
		if end < 0 {
			next := strings.IndexByte(s[start+1:], '{')
			if next < 0 {
				break
			}
			start += next + 1
			continue
		}
		out = append(out, s[start:end+1])
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return out
}

// matchBrace returns the index of the brace closing s[open], or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inStr := false
	esc := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// RunSync applies pending migrations for env, streaming output as log events.
func (p *Probe) RunSync(ctx context.Context, env string) error {
	return p.runScript(ctx, fmt.Sprintf("database migration sync for %s", env),
		orDefault(p.MigrateScript, "migrate"), "--env="+env)
}

// RunSetup initialises the database for env.
func (p *Probe) RunSetup(ctx context.Context, env string) error {
	return p.runScript(ctx, fmt.Sprintf("database setup for %s", env),
		orDefault(p.SetupScript, "setupDb"), "--env="+env, "--yes")
}

func (p *Probe) runScript(ctx context.Context, what string, args ...string) error {
	ui := event.Logger{Sink: p.Sink, Source: "migration"}
	cmd := runner.Command{Name: "yarn", Args: args, Dir: p.Dir}
	ui.Info(fmt.Sprintf("Running %s...", what))
	res, err := p.Runner.Run(ctx, cmd)
	for _, line := range res.Lines() {
		ui.Info(line)
	}
	if err != nil {
		p.logger().Error("migration script failed", "cmd", cmd.String(), "error", err)
		ui.Error(fmt.Sprintf("%s failed: %v", capitalize(what), err))
		return err
	}
	ui.Success(fmt.Sprintf("%s completed.", capitalize(what)))
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
