package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/atpinstall/internal/env"
	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/logger"
	"github.com/loykin/atpinstall/internal/metrics"
)

const (
	DefaultSettleDelay = time.Second
	DefaultKillWait    = 5 * time.Second
)

// Options configures a Supervisor. Zero values select defaults.
type Options struct {
	Targets     []string      // allowed ids, defaults to Targets
	Env         *env.Env      // base environment for children
	Logs        logger.Config // optional per-target output files
	Log         *slog.Logger  // diagnostics
	SettleDelay time.Duration // pause between stop and start on restart
	KillWait    time.Duration // grace period before force kill
	Sink        event.Sink    // initial listener
}

type managed struct {
	id        string
	gen       uint64
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
}

// Supervisor owns the registry of running dev targets. Registry entries exist
// only while a target is running; exits and stops remove them.
type Supervisor struct {
	mu       sync.Mutex
	procs    map[string]*managed
	last     map[string]Status
	gen      uint64
	targets  []string
	env      *env.Env
	logs     logger.Config
	log      *slog.Logger
	settle   time.Duration
	killWait time.Duration
	listener event.Listener
	sleep    func(time.Duration)
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		procs:    make(map[string]*managed),
		last:     make(map[string]Status),
		targets:  opts.Targets,
		env:      opts.Env,
		logs:     opts.Logs,
		log:      opts.Log,
		settle:   opts.SettleDelay,
		killWait: opts.KillWait,
		sleep:    time.Sleep,
	}
	if len(s.targets) == 0 {
		s.targets = append([]string(nil), Targets...)
	}
	if s.env == nil {
		s.env = env.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.settle <= 0 {
		s.settle = DefaultSettleDelay
	}
	if s.killWait <= 0 {
		s.killWait = DefaultKillWait
	}
	s.listener.Attach(opts.Sink)
	return s
}

// AttachListener replaces the event listener; nil drops subsequent events.
func (s *Supervisor) AttachListener(sink event.Sink) { s.listener.Attach(sink) }

func (s *Supervisor) emitLog(t event.LogType, id, msg string) {
	s.listener.Emit(event.NewLog(t, id, msg))
}

func (s *Supervisor) emitStatus(id string, st Status) {
	s.listener.Emit(event.NewStatus(id, string(st)))
}

// Start launches the target unless it is already running.
func (s *Supervisor) Start(spec Spec) error {
	if err := ValidateTarget(spec.ID, s.targets); err != nil {
		return err
	}
	spec = spec.withDefaults()
	id := spec.ID

	s.mu.Lock()
	if _, ok := s.procs[id]; ok {
		s.mu.Unlock()
		s.emitLog(event.LogInfo, id, fmt.Sprintf("%s is already running", id))
		return nil
	}

	cmd := shellCommand(spec.script())
	cmd.Dir = spec.Dir
	cmd.Env = s.env.Merge([]string{"FORCE_COLOR=1"})
	configureSysProcAttr(cmd)

	stdout, errOut := cmd.StdoutPipe()
	stderr, errErr := cmd.StderrPipe()
	err := errors.Join(errOut, errErr)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		s.last[id] = StatusError
		s.mu.Unlock()
		s.log.Error("dev target spawn failed", "id", id, "dir", spec.Dir, "error", err)
		s.emitLog(event.LogError, id, fmt.Sprintf("Failed to start %s: %v", id, err))
		s.emitStatus(id, StatusError)
		return fmt.Errorf("start %s: %w", id, err)
	}

	s.gen++
	m := &managed{
		id:        id,
		gen:       s.gen,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.procs[id] = m
	s.last[id] = StatusRunning
	s.mu.Unlock()

	metrics.IncStart(id)
	s.log.Info("dev target started", "id", id, "pid", m.pid, "dir", spec.Dir, "cmd", spec.script())
	s.emitLog(event.LogInfo, id, fmt.Sprintf("Starting %s: %s", id, spec.script()))
	s.emitStatus(id, StatusRunning)

	outFile, errFile, _ := s.logs.ProcessWriters(id)
	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(&wg, id, stdout, outFile, event.LogInfo)
	go s.pump(&wg, id, stderr, errFile, event.LogError)
	go s.wait(m, &wg, outFile, errFile)
	return nil
}

// pump forwards each non-empty line of r as a log event.
func (s *Supervisor) pump(wg *sync.WaitGroup, id string, r io.Reader, tee io.Writer, t event.LogType) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		if tee != nil {
			_, _ = io.WriteString(tee, raw+"\n")
		}
		if line := strings.TrimSpace(raw); line != "" {
			s.emitLog(t, id, line)
		}
	}
	// drain anything left after an over-long line so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) wait(m *managed, wg *sync.WaitGroup, closers ...io.WriteCloser) {
	wg.Wait()
	err := m.cmd.Wait()
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	cur, ok := s.procs[m.id]
	owned := ok && cur.gen == m.gen
	if owned {
		delete(s.procs, m.id)
		if code == 0 {
			s.last[m.id] = StatusStopped
		} else {
			s.last[m.id] = StatusError
		}
	}
	s.mu.Unlock()
	close(m.done)

	if !owned {
		s.log.Debug("exit of stopped dev target ignored", "id", m.id, "pid", m.pid, "code", code)
		return
	}
	metrics.IncExit(m.id, code == 0)
	s.log.Info("dev target exited", "id", m.id, "pid", m.pid, "code", code)
	msg := fmt.Sprintf("%s exited with code %d", m.id, code)
	if code == 0 {
		s.emitLog(event.LogSuccess, m.id, msg)
		s.emitStatus(m.id, StatusStopped)
		return
	}
	s.emitLog(event.LogError, m.id, msg)
	s.emitStatus(m.id, StatusError)
}

// Stop terminates the target's process tree. Stopping an id that is not
// running does nothing.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	m, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
		s.last[id] = StatusStopped
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.emitLog(event.LogInfo, id, fmt.Sprintf("Stopping %s...", id))
	desc := terminateTree(m.pid)
	select {
	case <-m.done:
	case <-time.After(s.killWait):
		s.log.Warn("dev target did not exit, killing", "id", id, "pid", m.pid)
		killTree(m.pid, desc)
		select {
		case <-m.done:
		case <-time.After(200 * time.Millisecond):
		}
	}
	metrics.IncStop(id)
	s.log.Info("dev target stopped", "id", id, "pid", m.pid)
	s.emitStatus(id, StatusStopped)
	return nil
}

// Restart stops the target, waits for the settle delay, then starts it again.
func (s *Supervisor) Restart(spec Spec) error {
	if err := ValidateTarget(spec.ID, s.targets); err != nil {
		return err
	}
	if err := s.Stop(spec.ID); err != nil {
		return err
	}
	s.sleep(s.settle)
	return s.Start(spec)
}

// StopAll stops every running target concurrently.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Stop(id)
		}(id)
	}
	wg.Wait()
}

// Status returns the current status of every target seen so far.
// Registered targets are always running.
func (s *Supervisor) Status() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.last))
	for id, st := range s.last {
		out[id] = st
	}
	for id := range s.procs {
		out[id] = StatusRunning
	}
	return out
}

// Info describes one registered target.
type Info struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// Describe returns a row per configured target, sampling resource usage of
// running ones.
func (s *Supervisor) Describe() []Info {
	status := s.Status()
	s.mu.Lock()
	rows := make([]Info, 0, len(s.targets))
	for _, id := range s.targets {
		in := Info{ID: id, Status: StatusStopped}
		if st, ok := status[id]; ok {
			in.Status = st
		}
		if m, ok := s.procs[id]; ok {
			in.PID = m.pid
			in.StartedAt = m.startedAt
		}
		rows = append(rows, in)
	}
	s.mu.Unlock()

	for i := range rows {
		if rows[i].PID == 0 {
			continue
		}
		if u, err := sampleTree(rows[i].PID); err == nil {
			rows[i].Usage = &u
			metrics.SetProcessUsage(rows[i].ID, u.CPUPercent, u.RSSBytes)
		}
	}
	return rows
}
