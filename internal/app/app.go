// Package app wires the installer components together. One App is created per
// process and owns the supervisor, job manager and history sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/loykin/atpinstall/internal/cloud"
	"github.com/loykin/atpinstall/internal/config"
	"github.com/loykin/atpinstall/internal/env"
	"github.com/loykin/atpinstall/internal/envfile"
	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/history"
	"github.com/loykin/atpinstall/internal/history/factory"
	"github.com/loykin/atpinstall/internal/installer"
	"github.com/loykin/atpinstall/internal/job"
	"github.com/loykin/atpinstall/internal/migration"
	"github.com/loykin/atpinstall/internal/modules"
	"github.com/loykin/atpinstall/internal/process"
	"github.com/loykin/atpinstall/internal/runner"
)

// Ensure kinds accepted by Ensure.
const (
	EnsureBucket       = "bucket"
	EnsureRole         = "role"
	EnsureCertificate  = "certificate"
	EnsureDistribution = "distribution"
)

var ErrUnknownEnsure = errors.New("unknown ensure kind")

// Options configures New. Config is required; ConfigPath enables persistence.
type Options struct {
	Config     *config.AppConfig
	ConfigPath string
	Runner     runner.Runner // defaults to runner.New()
	Log        *slog.Logger
	History    history.Sink // overrides Config.History.DSN when set
	Sink       event.Sink   // receives every event besides the hub
}

// App is the composition root shared by the CLI and the HTTP dispatcher.
type App struct {
	Store      *config.FileStore
	Catalog    *modules.Catalog
	Runner     runner.Runner
	Hub        *event.Hub
	Supervisor *process.Supervisor
	Cloud      *cloud.Reconciler
	Modules    *modules.Engine
	Installer  *installer.Installer
	Jobs       *job.Manager
	History    history.Sink
	Log        *slog.Logger
	sink       event.Sink
}

// New builds an App. Every component emits to the returned App's Hub.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("app: config is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	r := opts.Runner
	if r == nil {
		r = runner.New()
	}

	catalog := modules.DefaultCatalog()
	if p := opts.Config.Catalog.Path; p != "" {
		c, err := modules.LoadCatalog(p)
		if err != nil {
			return nil, fmt.Errorf("load module catalog: %w", err)
		}
		catalog = c
	}

	hist := opts.History
	if hist == nil && opts.Config.History.DSN != "" {
		s, err := factory.NewSinkFromDSN(opts.Config.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		hist = s
	}

	hub := event.NewHub()
	var sink event.Sink = hub
	if opts.Sink != nil {
		sink = event.Multi{hub, opts.Sink}
	}
	store := config.NewFileStore(opts.ConfigPath, opts.Config)

	base := env.New()
	base.FromOS()
	base.Set("FORCE_COLOR", "1")

	a := &App{
		Store:   store,
		Catalog: catalog,
		Runner:  r,
		Hub:     hub,
		History: hist,
		Log:     log,
		sink:    sink,
	}
	a.Supervisor = process.NewSupervisor(process.Options{
		Env:  base,
		Logs: opts.Config.Logs,
		Log:  log.With("component", "supervisor"),
		Sink: sink,
	})
	a.Cloud = cloud.NewReconciler(r, log.With("component", "cloud"), sink)
	a.Modules = &modules.Engine{
		Catalog: catalog,
		Runner:  r,
		Store:   store,
		Sink:    sink,
		Log:     log.With("component", "modules"),
		Install: modules.DefaultInstall,
	}
	a.Installer = &installer.Installer{
		Runner:  r,
		Catalog: catalog,
		Sink:    sink,
		Log:     log.With("component", "installer"),
	}
	a.Jobs = job.NewManager(hist, sink, log.With("component", "jobs"))
	return a, nil
}

// Config returns a snapshot of the current configuration.
func (a *App) Config() config.AppConfig { return a.Store.Get() }

// Close stops dev servers, waits for running jobs and closes history.
func (a *App) Close(ctx context.Context) error {
	a.Supervisor.StopAll()
	err := a.Jobs.Shutdown(ctx)
	if a.History != nil {
		err = errors.Join(err, a.History.Close())
	}
	a.Hub.Close()
	return err
}

// Install runs the full installation for the current configuration.
func (a *App) Install(ctx context.Context) error {
	cfg := a.Config()
	return a.Installer.Install(ctx, &cfg)
}

// Deploy deploys target (api, admin, public or all).
func (a *App) Deploy(ctx context.Context, target string) error {
	cfg := a.Config()
	return a.Installer.Deploy(ctx, &cfg, target)
}

// DevSpec is the dev server spec of target in the current project.
func (a *App) DevSpec(target string) (process.Spec, error) {
	if err := process.ValidateTarget(target, process.Targets); err != nil {
		return process.Spec{}, err
	}
	cfg := a.Config()
	return process.DevSpec(target, cfg.ProjectPath(modules.Project(target))), nil
}

// StartAll starts every dev target. Targets that fail to start are reported
// together; the others keep running.
func (a *App) StartAll() error {
	var errs []error
	for _, t := range process.Targets {
		if err := a.StartDev(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) StartDev(target string) error {
	spec, err := a.DevSpec(target)
	if err != nil {
		return err
	}
	return a.Supervisor.Start(spec)
}

func (a *App) RestartDev(target string) error {
	spec, err := a.DevSpec(target)
	if err != nil {
		return err
	}
	return a.Supervisor.Restart(spec)
}

func (a *App) StopDev(target string) error {
	if err := process.ValidateTarget(target, process.Targets); err != nil {
		return err
	}
	return a.Supervisor.Stop(target)
}

// CloudOptions selects the configured AWS profile and region.
func (a *App) CloudOptions() cloud.Options {
	cfg := a.Config()
	return cloud.Options{Profile: cfg.AWSProfile, Region: cfg.AWSRegion}
}

// Inventory maps the configuration and the projects' env files to the
// tracked cloud resources.
func (a *App) Inventory() cloud.Inventory {
	cfg := a.Config()
	dist := func(p modules.Project) string {
		v, _ := envfile.Lookup(filepath.Join(cfg.ProjectPath(p), ".env"), "CLOUDFRONT_DISTRIBUTION_ID")
		return v
	}
	return cloud.Inventory{
		DeploymentBucket:   cfg.Adv("S3BUCKET"),
		AdminBucket:        cfg.Adv("AWS_BUCKET_ADMIN"),
		PublicBucket:       cfg.Adv("AWS_BUCKET_PUBLIC"),
		LambdaRole:         cfg.Adv("LAMBDA_ROLE"),
		FunctionName:       cfg.Adv("LAMBDA_FUNCTION_NAME"),
		CertificateDomain:  cfg.Adv("CERTIFICATE_NAME"),
		APIDistribution:    dist(modules.ProjectAPI),
		AdminDistribution:  dist(modules.ProjectAdmin),
		PublicDistribution: dist(modules.ProjectPublic),
	}
}

// ScanAWS checks every tracked resource, streaming progress to the hub.
func (a *App) ScanAWS(ctx context.Context) []cloud.Check {
	return a.Cloud.Scan(ctx, a.CloudOptions(), a.Inventory().Resources())
}

// Ensure fixes one resource. For buckets name is the bucket, defaulting to
// the deployment bucket; for distributions name is the project. Role and
// certificate fall back to their configured names. The returned string is
// the resource identifier.
func (a *App) Ensure(ctx context.Context, kind, name string) (string, error) {
	cfg := a.Config()
	opts := a.CloudOptions()
	pick := func(key string) string {
		if name != "" {
			return name
		}
		return cfg.Adv(key)
	}
	switch kind {
	case EnsureBucket:
		bucket := pick("S3BUCKET")
		if bucket == "" {
			return "", errors.New("no bucket configured")
		}
		_, err := a.Cloud.EnsureBucket(ctx, bucket, opts)
		return bucket, err
	case EnsureRole:
		role := pick("LAMBDA_ROLE")
		if role == "" {
			return "", errors.New("no lambda role configured")
		}
		_, err := a.Cloud.EnsureRole(ctx, role, opts)
		return role, err
	case EnsureCertificate:
		domain := pick("CERTIFICATE_NAME")
		if domain == "" {
			return "", errors.New("no certificate domain configured")
		}
		return a.Cloud.EnsureCertificate(ctx, domain, opts)
	case EnsureDistribution:
		if err := process.ValidateTarget(name, process.Targets); err != nil {
			return "", err
		}
		p := modules.Project(name)
		return a.Cloud.EnsureDistribution(ctx, cfg.ProjectPath(p), cloud.DistributionEnv{
			OriginDomainName:     cfg.Adv("ORIGIN_DOMAIN_NAME"),
			AlternateDomainNames: cfg.Domain(p),
			CertificateName:      cfg.Adv("CERTIFICATE_NAME"),
			Profile:              opts.Profile,
			Region:               opts.Region,
		})
	}
	return "", fmt.Errorf("%w %q", ErrUnknownEnsure, kind)
}

// SyncModules reconciles the installed modules towards desired. desired is
// normalised first so required modules and dependencies are never removed.
func (a *App) SyncModules(ctx context.Context, desired []string) (modules.Result, error) {
	if unknown := a.Catalog.Unknown(desired); len(unknown) > 0 {
		return modules.Result{}, fmt.Errorf("%w: %v", modules.ErrUnknownModule, unknown)
	}
	cfg := a.Config()
	layout := modules.Layout{Root: cfg.ProjectRoot()}
	return a.Modules.Sync(ctx, layout, a.Catalog.Normalize(desired), cfg.Modules)
}

// InstallTool installs a missing prerequisite with winget.
func (a *App) InstallTool(ctx context.Context, id string) error {
	t, err := runner.LookupTool(id)
	if err != nil {
		return err
	}
	ui := event.Logger{Sink: a.sink, Source: "prerequisites"}
	ui.Info(fmt.Sprintf("Installing %s...", t.Name))
	if err := runner.InstallTool(ctx, a.Runner, id); err != nil {
		a.Log.Error("tool install failed", "tool", id, "error", err)
		ui.Error(fmt.Sprintf("Failed to install %s: %v", t.Name, err))
		return err
	}
	ui.Success(fmt.Sprintf("%s installed.", t.Name))
	return nil
}

// Probe returns the migration probe for the api project.
func (a *App) Probe() *migration.Probe {
	cfg := a.Config()
	return &migration.Probe{
		Runner: a.Runner,
		Dir:    cfg.ProjectPath(modules.ProjectAPI),
		Sink:   a.sink,
		Log:    a.Log.With("component", "migration"),
	}
}

// Submit runs fn as a background job.
func (a *App) Submit(kind, target string, fn job.Func) (string, error) {
	return a.Jobs.Submit(kind, target, fn)
}

// Recent lists recent history records when the history sink can be read.
func (a *App) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	r, ok := a.History.(history.Reader)
	if !ok {
		return nil, nil
	}
	return r.Recent(ctx, limit)
}
