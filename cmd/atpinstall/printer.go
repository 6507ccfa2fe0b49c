package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/loykin/atpinstall/internal/event"
)

// printer renders progress events as terminal lines.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(w io.Writer) *printer { return &printer{w: w} }

var logColor = map[event.LogType]string{
	event.LogInfo:    "\033[0m",
	event.LogSuccess: "\033[32m",
	event.LogWarning: "\033[33m",
	event.LogError:   "\033[31m",
}

func (p *printer) Emit(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Kind {
	case event.KindLog:
		prefix := ""
		if e.Log.Source != "" {
			prefix = "[" + e.Log.Source + "] "
		}
		_, _ = fmt.Fprintf(p.w, "%s%s%s\033[0m\n", logColor[e.Log.Type], prefix, e.Log.Message)
	case event.KindStatus:
		_, _ = fmt.Fprintf(p.w, "%s is %s\n", e.Status.ID, e.Status.Status)
	case event.KindAwsStatus:
		if c := e.Aws.Update; c != nil {
			_, _ = fmt.Fprintf(p.w, "%-12s %-22s %s\n", c.Type, c.Name, c.Status)
		}
	}
}
