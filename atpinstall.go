package atpinstall

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/atpinstall/internal/app"
	"github.com/loykin/atpinstall/internal/cloud"
	"github.com/loykin/atpinstall/internal/config"
	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/metrics"
	"github.com/loykin/atpinstall/internal/migration"
	"github.com/loykin/atpinstall/internal/modules"
	"github.com/loykin/atpinstall/internal/runner"
	"github.com/loykin/atpinstall/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.AppConfig

type DatabaseConfig = config.DatabaseConfig

type Event = event.Event

type Sink = event.Sink

type Runner = runner.Runner

type Check = cloud.Check

type Module = modules.Module

type MigrationStatus = migration.Status

// Installer is the embeddable installer: supervisor, reconciler, module
// sync engine and job manager wired to one configuration.
type Installer = app.App

// Options configures New; see app.Options.
type Options = app.Options

func New(opts Options) (*Installer, error) { return app.New(opts) }

// LoadConfig reads and validates an installer configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func SaveConfig(path string, cfg *Config) error { return config.Save(path, cfg) }

// DefaultCatalog returns the built-in module catalog.
func DefaultCatalog() []Module { return modules.DefaultCatalog().All() }

// NewHTTPHandler returns the HTTP dispatcher for inst mounted under basePath.
func NewHTTPHandler(inst *Installer, basePath string, withMetrics bool) http.Handler {
	return server.NewRouter(inst, basePath, withMetrics).Handler()
}

// NewHTTPServer returns an unstarted http.Server serving the dispatcher.
func NewHTTPServer(addr, basePath string, inst *Installer, withMetrics bool) *http.Server {
	return server.NewServer(addr, NewHTTPHandler(inst, basePath, withMetrics))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
