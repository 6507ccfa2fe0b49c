package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/history"
	"github.com/loykin/atpinstall/internal/metrics"
)

// ErrBusy is returned when a job of the same kind and target is running.
var ErrBusy = errors.New("a job of this kind is already running")

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// ErrNotCancellable is returned by Cancel for jobs that always run to completion.
var ErrNotCancellable = errors.New("job cannot be cancelled")

// uncancellable kinds keep running through Cancel and Shutdown; a module
// sync stopped halfway leaves manifests and checkouts out of step.
var uncancellable = map[string]bool{
	KindModuleSync: true,
}

// Manager runs jobs in the background, one per kind and target at a time.
// Finished jobs are recorded to history and announced as jobComplete events.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[string]*entry
	history  history.Sink
	log      *slog.Logger
	listener event.Listener
	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager creates a job manager. hist may be nil.
func NewManager(hist history.Sink, sink event.Sink, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		jobs:    make(map[string]*entry),
		history: hist,
		log:     log,
		base:    ctx,
		stop:    cancel,
		now:     time.Now,
	}
	m.listener.Attach(sink)
	return m
}

// Submit starts fn in the background and returns its job id immediately.
func (m *Manager) Submit(kind, target string, fn Func) (string, error) {
	m.mu.Lock()
	if m.base.Err() != nil {
		m.mu.Unlock()
		return "", errors.New("job manager is shut down")
	}
	for _, e := range m.jobs {
		if e.job.Kind == kind && e.job.Target == target && !e.job.Done() {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s %s (%s)", ErrBusy, kind, target, e.job.ID)
		}
	}
	parent := m.base
	if uncancellable[kind] {
		parent = context.WithoutCancel(m.base)
	}
	ctx, cancel := context.WithCancel(parent)
	e := &entry{
		job:    Job{ID: uuid.NewString(), Kind: kind, Target: target, Phase: PhaseRunning, StartTime: m.now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[e.job.ID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("Job started", "id", e.job.ID, "kind", kind, "target", target)
	go m.run(ctx, e, fn)
	return e.job.ID, nil
}

func (m *Manager) run(ctx context.Context, e *entry, fn Func) {
	defer m.wg.Done()
	defer close(e.done)
	defer e.cancel()

	err := safeCall(ctx, fn)
	finished := m.now()

	m.mu.Lock()
	e.job.CompletionTime = &finished
	if err != nil {
		e.job.Phase = PhaseFailed
		e.job.Error = err.Error()
	} else {
		e.job.Phase = PhaseSucceeded
	}
	snap := e.job
	m.mu.Unlock()

	ok := err == nil
	metrics.ObserveJob(snap.Kind, ok, finished.Sub(snap.StartTime).Seconds())
	if ok {
		m.log.Info("Job finished", "id", snap.ID, "kind", snap.Kind)
	} else {
		m.log.Warn("Job failed", "id", snap.ID, "kind", snap.Kind, "error", err)
	}
	if m.history != nil {
		rec := history.Record{
			ID: snap.ID, Kind: snap.Kind, Target: snap.Target,
			StartedAt: snap.StartTime, FinishedAt: finished, Success: ok, Error: snap.Error,
		}
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if herr := m.history.Send(hctx, rec); herr != nil {
			m.log.Warn("history write failed", "id", snap.ID, "error", herr)
		}
		cancel()
	}
	m.listener.Emit(event.NewJobComplete(snap.ID, snap.Kind, ok))
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Get returns a snapshot of job id.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// List returns all known jobs, oldest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.job)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Wait blocks until job id finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	select {
	case <-e.done:
		j, _ := m.Get(id)
		return j, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Cancel asks a running job to stop.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if uncancellable[e.job.Kind] {
		return fmt.Errorf("%w: %s", ErrNotCancellable, e.job.Kind)
	}
	e.cancel()
	return nil
}

// CleanupCompleted forgets jobs that finished more than ttl ago.
func (m *Manager) CleanupCompleted(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	n := 0
	for id, e := range m.jobs {
		if e.job.CompletionTime != nil && e.job.CompletionTime.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

// StartCleanupWorker periodically drops jobs finished more than ttl ago.
func (m *Manager) StartCleanupWorker(interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.base.Done():
				return
			case <-ticker.C:
				if n := m.CleanupCompleted(ttl); n > 0 {
					m.log.Debug("Cleaned up finished jobs", "count", n)
				}
			}
		}
	}()
}

// Shutdown cancels running jobs, except uncancellable kinds, and waits for
// all of them until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stop()
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
