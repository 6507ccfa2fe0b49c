package event

import "sync"

// Sink receives events. Implementations must not block the emitter.
type Sink interface {
	Emit(Event)
}

// Func adapts a function to Sink.
type Func func(Event)

func (f Func) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// Discard drops every event.
var Discard Sink = Func(func(Event) {})

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Listener is a swappable sink reference. Events emitted while no sink is
// attached are dropped.
type Listener struct {
	mu   sync.RWMutex
	sink Sink
}

// Attach replaces the current sink; nil detaches.
func (l *Listener) Attach(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

func (l *Listener) Emit(e Event) {
	l.mu.RLock()
	s := l.sink
	l.mu.RUnlock()
	if s != nil {
		s.Emit(e)
	}
}

// Logger emits log events for one source.
type Logger struct {
	Sink   Sink
	Source string
}

func (l Logger) emit(t LogType, msg string) {
	if l.Sink == nil {
		return
	}
	l.Sink.Emit(NewLog(t, l.Source, msg))
}

func (l Logger) Info(msg string)    { l.emit(LogInfo, msg) }
func (l Logger) Error(msg string)   { l.emit(LogError, msg) }
func (l Logger) Success(msg string) { l.emit(LogSuccess, msg) }
func (l Logger) Warn(msg string)    { l.emit(LogWarning, msg) }
