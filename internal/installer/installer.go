package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/atpinstall/internal/config"
	"github.com/loykin/atpinstall/internal/database"
	"github.com/loykin/atpinstall/internal/envfile"
	"github.com/loykin/atpinstall/internal/event"
	"github.com/loykin/atpinstall/internal/migration"
	"github.com/loykin/atpinstall/internal/modules"
	"github.com/loykin/atpinstall/internal/runner"
)

// DeployTargetAll deploys every project.
const DeployTargetAll = "all"

// ErrUnknownDeployTarget is returned for targets other than the projects and "all".
var ErrUnknownDeployTarget = errors.New("unknown deploy target")

// ProdDatabases creates databases on the production cluster.
type ProdDatabases interface {
	EnsureDatabase(ctx context.Context, clusterID, name string) (bool, error)
}

// Installer clones, configures and deploys the three projects.
type Installer struct {
	Runner  runner.Runner
	Catalog *modules.Catalog
	Sink    event.Sink
	Log     *slog.Logger

	// LocalDB ensures the local database exists; defaults to database.EnsureDatabase.
	LocalDB func(ctx context.Context, c config.DatabaseConfig) (bool, error)
	// ProdDB builds the production database client for an API key; defaults
	// to the CockroachDB Cloud client.
	ProdDB func(apiKey string) ProdDatabases
}

func (in *Installer) logger() *slog.Logger {
	if in.Log != nil {
		return in.Log
	}
	return slog.Default()
}

func (in *Installer) ui(source string) event.Logger {
	return event.Logger{Sink: in.Sink, Source: source}
}

// run executes c in dir, relaying stdout lines to ui.
func (in *Installer) run(ctx context.Context, ui event.Logger, dir, name string, args ...string) error {
	c := runner.Command{Name: name, Args: args, Dir: dir}
	ui.Info("Running: " + c.String())
	res, err := in.Runner.Run(ctx, c)
	for _, line := range res.Lines() {
		ui.Info(line)
	}
	if err != nil {
		ui.Error(fmt.Sprintf("Error running %s: %v", c.String(), err))
		return err
	}
	return nil
}

var projectLabel = map[modules.Project]string{
	modules.ProjectAPI:    "API",
	modules.ProjectAdmin:  "Admin",
	modules.ProjectPublic: "Public",
}

// Install performs a full installation for cfg. Database provisioning
// failures are reported as warnings; any other failure aborts.
func (in *Installer) Install(ctx context.Context, cfg *config.AppConfig) error {
	ui := in.ui("install")
	err := in.install(ctx, cfg, ui)
	if err != nil {
		in.logger().Error("installation failed", "project", cfg.ProjectName, "error", err)
		ui.Error(fmt.Sprintf("Installation failed: %v", err))
		return err
	}
	ui.Success("Installation Complete!")
	return nil
}

func (in *Installer) install(ctx context.Context, cfg *config.AppConfig, ui event.Logger) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	catalog := in.Catalog
	if catalog == nil {
		catalog = modules.DefaultCatalog()
	}
	if unknown := catalog.Unknown(cfg.Modules); len(unknown) > 0 {
		return fmt.Errorf("%w: %v", modules.ErrUnknownModule, unknown)
	}
	selected := catalog.Normalize(cfg.Modules)
	ui.Info("Starting installation...")
	root := cfg.ProjectRoot()
	if err := os.MkdirAll(root, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", root, err)
	}

	for _, p := range modules.Projects {
		dir := cfg.ProjectPath(p)
		if _, err := os.Stat(dir); err == nil {
			ui.Info(fmt.Sprintf("%s directory already exists, skipping clone.", projectLabel[p]))
			continue
		}
		ui.Info(fmt.Sprintf("Cloning %s...", projectLabel[p]))
		if err := in.run(ctx, ui, root, "git", "clone", modules.ProjectRepoURL(p), string(p)); err != nil {
			return fmt.Errorf("clone %s: %w", p, err)
		}
	}

	ui.Info("Configuring modules...")
	for _, p := range modules.Projects {
		if err := modules.WriteManifest(cfg.ProjectPath(p), catalog.BuildManifest(p, selected)); err != nil {
			return fmt.Errorf("write %s manifest: %w", p, err)
		}
	}

	ui.Info("Creating .env files...")
	if err := writeEnvFiles(cfg); err != nil {
		return err
	}

	ui.Info("Creating config.local.ts...")
	for _, p := range []modules.Project{modules.ProjectAdmin, modules.ProjectPublic} {
		src := filepath.Join(cfg.ProjectPath(p), "src")
		if err := os.MkdirAll(src, 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(src, "config.local.ts"), []byte(ConfigLocalTS(cfg.APIDomain)), 0o600); err != nil {
			return fmt.Errorf("write %s config.local.ts: %w", p, err)
		}
	}

	ui.Info("Setting up databases...")
	in.ensureDatabases(ctx, cfg, ui)

	for _, p := range modules.Projects {
		ui.Info(fmt.Sprintf("Installing %s dependencies...", projectLabel[p]))
		dir := cfg.ProjectPath(p)
		if err := in.run(ctx, ui, dir, "yarn", "install"); err != nil {
			return fmt.Errorf("install %s dependencies: %w", p, err)
		}
		if err := in.run(ctx, ui, dir, "yarn", "install-custom"); err != nil {
			return fmt.Errorf("install %s modules: %w", p, err)
		}
	}

	ui.Info("Running database migrations...")
	probe := migration.Probe{Runner: in.Runner, Dir: cfg.ProjectPath(modules.ProjectAPI), Sink: in.Sink, Log: in.Log}
	if err := probe.RunSetup(ctx, "local"); err != nil {
		return fmt.Errorf("set up local database: %w", err)
	}
	return nil
}

func writeEnvFiles(cfg *config.AppConfig) error {
	files := []struct {
		p     modules.Project
		name  string
		pairs [][2]string
	}{
		{modules.ProjectAPI, ".env", APIEnv(cfg)},
		{modules.ProjectAPI, ".env.prod", APIProdEnv(cfg)},
		{modules.ProjectAdmin, ".env", AdminEnv(cfg)},
		{modules.ProjectPublic, ".env", PublicEnv(cfg)},
	}
	for _, f := range files {
		path := filepath.Join(cfg.ProjectPath(f.p), f.name)
		if err := envfile.Write(path, f.pairs); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

func (in *Installer) ensureDatabases(ctx context.Context, cfg *config.AppConfig, ui event.Logger) {
	local := in.LocalDB
	if local == nil {
		local = database.EnsureDatabase
	}
	name := cfg.DBLocal.Name
	if created, err := local(ctx, cfg.DBLocal); err != nil {
		in.logger().Warn("local database not ensured", "name", name, "error", err)
		ui.Warn(fmt.Sprintf("Warning: Failed to ensure local database exists: %v", err))
	} else if created {
		ui.Info(fmt.Sprintf("Created local database %q.", name))
	} else {
		ui.Info(fmt.Sprintf("Local database %q already exists.", name))
	}

	apiKey := cfg.Adv("COCKROACH_API_KEY")
	if apiKey == "" || cfg.SelectedClusterID == "" {
		return
	}
	newProd := in.ProdDB
	if newProd == nil {
		newProd = func(key string) ProdDatabases { return database.NewCockroachClient(key) }
	}
	name = cfg.DBProd.Name
	if created, err := newProd(apiKey).EnsureDatabase(ctx, cfg.SelectedClusterID, name); err != nil {
		in.logger().Warn("production database not ensured", "name", name, "error", err)
		ui.Warn(fmt.Sprintf("Warning: Failed to ensure production database exists: %v", err))
	} else if created {
		ui.Info(fmt.Sprintf("Created production database %q on CockroachDB.", name))
	} else {
		ui.Info(fmt.Sprintf("Production database %q already exists.", name))
	}
}

// DeployTargets expands target into the projects to deploy, in order.
func DeployTargets(target string) ([]modules.Project, error) {
	if target == "" || target == DeployTargetAll {
		return modules.Projects, nil
	}
	for _, p := range modules.Projects {
		if string(p) == target {
			return []modules.Project{p}, nil
		}
	}
	return nil, fmt.Errorf("%w %q (want api, admin, public or all)", ErrUnknownDeployTarget, target)
}

// Deploy runs the deploy script of each target project; the api project
// uses its full-deploy script. The first failing command aborts.
func (in *Installer) Deploy(ctx context.Context, cfg *config.AppConfig, target string) error {
	ui := in.ui("deploy")
	projects, err := DeployTargets(target)
	if err != nil {
		return err
	}
	ui.Info(fmt.Sprintf("Starting deployment for: %s", orAll(target)))
	for _, p := range projects {
		ui.Info(fmt.Sprintf("Deploying %s...", projectLabel[p]))
		script := "deploy"
		if p == modules.ProjectAPI {
			script = "full-deploy"
		}
		if err := in.run(ctx, ui, cfg.ProjectPath(p), "yarn", script); err != nil {
			in.logger().Error("deployment failed", "project", p, "error", err)
			ui.Error(fmt.Sprintf("Deployment failed: %v", err))
			return fmt.Errorf("deploy %s: %w", p, err)
		}
	}
	ui.Success("Deployment Complete!")
	return nil
}

func orAll(target string) string {
	if strings.TrimSpace(target) == "" {
		return DeployTargetAll
	}
	return target
}
