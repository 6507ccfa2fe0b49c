package history

import (
	"context"
	"errors"
	"time"
)

// Record is one finished operation.
type Record struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Duration is FinishedAt minus StartedAt.
func (r Record) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Sink is a destination for operation records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Close() error
}

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Fanout sends every record to all sinks.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recent reads from the first sink that implements Reader.
func (f Fanout) Recent(ctx context.Context, limit int) ([]Record, error) {
	for _, s := range f {
		if r, ok := s.(Reader); ok {
			return r.Recent(ctx, limit)
		}
	}
	return nil, nil
}
