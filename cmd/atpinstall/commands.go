package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/atpinstall/internal/app"
	"github.com/loykin/atpinstall/internal/cloud"
	"github.com/loykin/atpinstall/internal/config"
	"github.com/loykin/atpinstall/internal/database"
	"github.com/loykin/atpinstall/internal/job"
	"github.com/loykin/atpinstall/internal/migration"
	"github.com/loykin/atpinstall/internal/process"
	"github.com/loykin/atpinstall/internal/runner"
	"github.com/loykin/atpinstall/pkg/client"
)

// command carries what every subcommand needs. Tests replace runner and out.
type command struct {
	global *GlobalFlags
	out    io.Writer
	runner runner.Runner
}

func (c command) execRunner() runner.Runner {
	if c.runner != nil {
		return c.runner
	}
	return runner.New()
}

func (c command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}

func (c command) loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

func (c command) openApp() (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(app.Options{
		Config:     cfg,
		ConfigPath: c.global.ConfigPath,
		Runner:     c.execRunner(),
		Log:        slog.Default(),
		Sink:       newPrinter(c.out),
	})
}

// withApp opens the app, runs fn with a context cancelled on SIGINT/SIGTERM
// and closes the app afterwards.
func (c command) withApp(fn func(ctx context.Context, a *app.App) error) error {
	a, err := c.openApp()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := a.Close(sctx); cerr != nil {
			slog.Warn("shutdown incomplete", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// runJob runs fn through the job manager so it is recorded in history, and
// waits for it.
func runJob(ctx context.Context, a *app.App, kind, target string, fn job.Func) error {
	id, err := a.Submit(kind, target, fn)
	if err != nil {
		return err
	}
	j, err := a.Jobs.Wait(ctx, id)
	if err != nil {
		return err
	}
	if j.Phase == job.PhaseFailed {
		return errors.New(j.Error)
	}
	return nil
}

// remote submits a job to the dispatcher at --api-url and waits for it.
// Progress is visible on the dispatcher's event stream, not here.
func (c command) remote(parent context.Context, submit func(context.Context, *client.Client) (string, error)) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cl := client.New(client.Config{BaseURL: c.global.APIURL, Logger: slog.Default()})
	if !cl.IsReachable(ctx) {
		return fmt.Errorf("dispatcher not reachable at %s", c.global.APIURL)
	}
	id, err := submit(ctx, cl)
	if err != nil {
		return err
	}
	c.printf("Submitted job %s\n", id)
	j, err := cl.WaitJob(ctx, id, time.Second)
	if err != nil {
		return err
	}
	if j.Phase == client.PhaseFailed {
		return errors.New(j.Error)
	}
	c.printf("Job %s %s\n", id, strings.ToLower(j.Phase))
	return nil
}

func createInstallCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Clone, configure and set up the api, admin and public projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.global.APIURL != "" {
				return c.remote(cmd.Context(), func(ctx context.Context, cl *client.Client) (string, error) {
					return cl.Install(ctx)
				})
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return runJob(ctx, a, job.KindInstall, "", a.Install)
			})
		},
	}
}

func createDeployCommand(c command) *cobra.Command {
	flags := &DeployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy [api|admin|public|all]",
		Short: "Deploy one or all projects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := flags.Target
			if len(args) == 1 {
				target = args[0]
			}
			if c.global.APIURL != "" {
				return c.remote(cmd.Context(), func(ctx context.Context, cl *client.Client) (string, error) {
					return cl.Deploy(ctx, target)
				})
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return runJob(ctx, a, job.KindDeploy, target, func(ctx context.Context) error {
					return a.Deploy(ctx, target)
				})
			})
		},
	}
	cmd.Flags().StringVar(&flags.Target, "target", "all", "project to deploy")
	return cmd
}

func createDevCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "dev [api|admin|public]...",
		Short: "Run dev servers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := args
			if len(targets) == 0 {
				targets = process.Targets
			}
			for _, t := range targets {
				if err := process.ValidateTarget(t, process.Targets); err != nil {
					return err
				}
			}
			return c.withApp(func(ctx context.Context, a *app.App) error {
				var errs []error
				for _, t := range targets {
					if err := a.StartDev(t); err != nil {
						errs = append(errs, err)
					}
				}
				if err := errors.Join(errs...); err != nil {
					return err
				}
				c.printf("Dev servers running. Press Ctrl+C to stop.\n")
				<-ctx.Done()
				return nil
			})
		},
	}
}

func createAwsCommand(c command) *cobra.Command {
	aws := &cobra.Command{Use: "aws", Short: "Inspect and provision AWS resources"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Check every tracked AWS resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				var checks []cloud.Check
				err := runJob(ctx, a, job.KindAwsScan, "", func(ctx context.Context) error {
					checks = a.ScanAWS(ctx)
					return nil
				})
				if err != nil {
					return err
				}
				c.printf("\n")
				for _, ch := range checks {
					c.printf("%-12s %-22s %-26s %s\n", ch.Type, ch.Name, ch.Status, ch.ID)
					if ch.Status == cloud.StatusExists {
						continue
					}
					if deps := cloud.MissingDependencies(ch.Name, checks); len(deps) > 0 {
						c.printf("%-12s   requires: %s\n", "", strings.Join(deps, ", "))
					}
				}
				return nil
			})
		},
	}

	ensureFlags := &EnsureFlags{}
	ensure := &cobra.Command{
		Use:   "ensure bucket|role|certificate|distribution",
		Short: "Create a resource when it does not exist",
		Long: `Create a resource when it does not exist.

--name selects the bucket, role or certificate domain; it defaults to the
configured one. For distributions --name is the project (api, admin, public).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return runJob(ctx, a, job.KindEnsure, kind+":"+ensureFlags.Name, func(ctx context.Context) error {
					id, err := a.Ensure(ctx, kind, ensureFlags.Name)
					if err == nil && id != "" {
						c.printf("%s: %s\n", kind, id)
					}
					return err
				})
			})
		},
	}
	ensure.Flags().StringVar(&ensureFlags.Name, "name", "", "resource name or project")

	profiles := &cobra.Command{
		Use:   "profiles",
		Short: "List profiles in the AWS credentials file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := cloud.Profiles(cloud.DefaultCredentialsPath())
			if err != nil {
				return err
			}
			for _, n := range names {
				c.printf("%s\n", n)
			}
			return nil
		},
	}

	var profile string
	var save bool
	account := &cobra.Command{
		Use:   "account",
		Short: "Print the AWS account id of a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cloud.CLI{Runner: c.execRunner()}.AccountID(cmd.Context(), profile)
			if err != nil {
				return err
			}
			c.printf("%s\n", id)
			if !save {
				return nil
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return config.NewFileStore(c.global.ConfigPath, cfg).Update(func(ac *config.AppConfig) {
				ac.AWSProfile = profile
				ac.AWSAccountID = id
			})
		},
	}
	account.Flags().StringVar(&profile, "profile", "default", "AWS credentials profile")
	account.Flags().BoolVar(&save, "save", false, "store the profile and account id in the config file")

	aws.AddCommand(status, ensure, profiles, account)
	return aws
}

func createModulesCommand(c command) *cobra.Command {
	mods := &cobra.Command{Use: "modules", Short: "List and change installed modules"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog modules and the current selection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				selected := map[string]bool{}
				for _, id := range a.Config().Modules {
					selected[id] = true
				}
				for _, m := range a.Catalog.All() {
					mark := "[ ]"
					if selected[m.ID] {
						mark = "[x]"
					}
					req := ""
					if m.Required {
						req = " (required)"
					}
					c.printf("%s %-12s %s%s\n", mark, m.ID, m.Name, req)
				}
				return nil
			})
		},
	}

	sync := &cobra.Command{
		Use:   "sync <module>...",
		Short: "Install exactly the given modules plus required ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return c.syncModules(ctx, a, args)
			})
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle <module>",
		Short: "Add or remove one module together with its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				if !a.Catalog.Has(args[0]) {
					return fmt.Errorf("unknown module %q", args[0])
				}
				return c.syncModules(ctx, a, a.Catalog.Toggle(a.Config().Modules, args[0]))
			})
		},
	}

	mods.AddCommand(list, sync, toggle)
	return mods
}

func (c command) syncModules(ctx context.Context, a *app.App, desired []string) error {
	return runJob(ctx, a, job.KindModuleSync, "", func(ctx context.Context) error {
		res, err := a.SyncModules(ctx, desired)
		if err == nil {
			c.printf("added %d and removed %d manifest entries\n", res.ManifestAdds, res.ManifestRemoves)
		}
		return err
	})
}

func createMigrationCommand(c command) *cobra.Command {
	flags := &MigrationFlags{}
	mig := &cobra.Command{
		Use:   "migration",
		Short: "Inspect and apply api database migrations",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !migration.ValidEnv(flags.Env) {
				return fmt.Errorf("invalid --env %q: want local or prod", flags.Env)
			}
			return nil
		},
	}
	mig.PersistentFlags().StringVar(&flags.Env, "env", "local", "target environment: local or prod")

	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether the database is initialised",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				c.printJSON(a.Probe().GetStatus(ctx, flags.Env))
				return nil
			})
		},
	}
	run := func(action string) *cobra.Command {
		return &cobra.Command{
			Use:   action,
			Short: map[string]string{"sync": "Apply pending migrations", "setup": "Initialise the database"}[action],
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(func(ctx context.Context, a *app.App) error {
					probe := a.Probe()
					fn := probe.RunSync
					if action == "setup" {
						fn = probe.RunSetup
					}
					return runJob(ctx, a, job.KindMigration, action+":"+flags.Env, func(ctx context.Context) error {
						return fn(ctx, flags.Env)
					})
				})
			},
		}
	}
	mig.AddCommand(status, run("sync"), run("setup"))
	return mig
}

func createPrereqCommand(c command) *cobra.Command {
	prereq := &cobra.Command{
		Use:   "prereq",
		Short: "Check that the required local tools are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			missing := 0
			for _, st := range runner.CheckTools(cmd.Context(), c.execRunner(), runner.Prerequisites) {
				if st.Installed {
					c.printf("ok       %-8s %s\n", st.ID, st.Version)
					continue
				}
				missing++
				c.printf("missing  %-8s %s", st.ID, st.Description)
				if st.WingetID != "" {
					c.printf(" (atpinstall prereq install %s)", st.ID)
				}
				c.printf("\n")
			}
			if missing > 0 {
				return fmt.Errorf("%d required tool(s) missing", missing)
			}
			return nil
		},
	}
	prereq.AddCommand(&cobra.Command{
		Use:   "install <tool>",
		Short: "Install a missing tool with winget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := runner.LookupTool(args[0])
			if err != nil {
				return err
			}
			c.printf("Installing %s (winget %s)...\n", t.Name, t.WingetID)
			if err := runner.InstallTool(cmd.Context(), c.execRunner(), t.ID); err != nil {
				var tm *runner.ToolMissingError
				if errors.As(err, &tm) {
					return fmt.Errorf("%s is required to install tools: %w", tm.Tool, err)
				}
				return err
			}
			c.printf("%s installed\n", t.Name)
			return nil
		},
	})
	return prereq
}

func createConfigCommand(c command) *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Create and show the installer configuration"}

	flags := &ConfigInitFlags{}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.global.ConfigPath
			if path == "" {
				path = "atp.toml"
			}
			if _, err := os.Stat(path); err == nil && !flags.Force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg, err := config.Default()
			if err != nil {
				return err
			}
			cfg.ProjectName = flags.ProjectName
			cfg.Destination = flags.Destination
			if cfg.DBLocal.Name == "" {
				cfg.DBLocal.Name = flags.ProjectName
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			c.printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&flags.ProjectName, "project", "", "project name")
	initCmd.Flags().StringVar(&flags.Destination, "destination", ".", "directory the project is created in")
	initCmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			c.printJSON(masked(*cfg))
			return nil
		},
	}
	cfgCmd.AddCommand(initCmd, show)
	return cfgCmd
}

var secretKeys = []string{"SECRET", "SALT", "KEY", "PASSWORD", "TOKEN"}

func masked(cfg config.AppConfig) config.AppConfig {
	cfg = cfg.Clone()
	if cfg.DBLocal.Pass != "" {
		cfg.DBLocal.Pass = "***"
	}
	if cfg.DBProd.Pass != "" {
		cfg.DBProd.Pass = "***"
	}
	for k, v := range cfg.Advanced {
		if v == "" {
			continue
		}
		for _, s := range secretKeys {
			if strings.Contains(strings.ToUpper(k), s) {
				cfg.Advanced[k] = "***"
				break
			}
		}
	}
	return cfg
}

func createDBCommand(c command) *cobra.Command {
	db := &cobra.Command{Use: "db", Short: "Manage local and production databases"}
	flags := &DBFlags{}
	db.PersistentFlags().BoolVar(&flags.Prod, "prod", false, "target the production database")

	target := func(cfg *config.AppConfig) config.DatabaseConfig {
		if flags.Prod {
			return cfg.DBProd
		}
		return cfg.DBLocal
	}

	ping := &cobra.Command{
		Use:   "ping",
		Short: "Test the database connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if err := database.Ping(cmd.Context(), target(cfg)); err != nil {
				return err
			}
			c.printf("connection ok\n")
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List user databases on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			names, err := database.ListDatabases(cmd.Context(), target(cfg))
			if err != nil {
				return err
			}
			for _, n := range names {
				c.printf("%s\n", n)
			}
			return nil
		},
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the configured database when missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			var created bool
			if flags.Prod && cfg.SelectedClusterID != "" {
				client, cerr := cockroach(cfg)
				if cerr != nil {
					return cerr
				}
				created, err = client.EnsureDatabase(cmd.Context(), cfg.SelectedClusterID, cfg.DBProd.Name)
			} else {
				created, err = database.EnsureDatabase(cmd.Context(), target(cfg))
			}
			if err != nil {
				return err
			}
			if created {
				c.printf("created %s\n", target(cfg).Name)
			} else {
				c.printf("%s already exists\n", target(cfg).Name)
			}
			return nil
		},
	}

	empty := &cobra.Command{
		Use:   "empty",
		Short: "Report whether the database has no tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ok, err := database.IsEmpty(cmd.Context(), target(cfg))
			if err != nil {
				return err
			}
			c.printf("%t\n", ok)
			return nil
		},
	}

	wipe := &cobra.Command{
		Use:   "wipe",
		Short: "Drop and recreate the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.Yes {
				return errors.New("wipe destroys all data; pass --yes to confirm")
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return database.Wipe(cmd.Context(), target(cfg))
		},
	}
	wipe.Flags().BoolVar(&flags.Yes, "yes", false, "confirm")

	db.AddCommand(ping, list, ensure, empty, wipe)
	db.AddCommand(createClusterCommands(c)...)
	return db
}

func cockroach(cfg *config.AppConfig) (*database.CockroachClient, error) {
	key := cfg.Adv("COCKROACH_API_KEY")
	if key == "" {
		return nil, errors.New("advanced.COCKROACH_API_KEY is not set")
	}
	return database.NewCockroachClient(key), nil
}

func createClusterCommands(c command) []*cobra.Command {
	clusters := &cobra.Command{
		Use:   "clusters",
		Short: "List CockroachDB Cloud clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			client, err := cockroach(cfg)
			if err != nil {
				return err
			}
			list, err := client.ListClusters(cmd.Context())
			if err != nil {
				return err
			}
			for _, cl := range list {
				c.printf("%-38s %-20s %-10s %s\n", cl.ID, cl.Name, cl.State, database.ClusterHost(cl))
			}
			return nil
		},
	}

	flags := &ClusterFlags{}
	create := &cobra.Command{
		Use:   "create-cluster <name>",
		Short: "Create a serverless CockroachDB Cloud cluster and select it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			client, err := cockroach(cfg)
			if err != nil {
				return err
			}
			cl, err := client.CreateCluster(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c.printf("created cluster %s (%s)\n", cl.ID, cl.State)
			if flags.Wait {
				if cl, err = client.WaitForCluster(cmd.Context(), cl.ID, flags.Interval, flags.MaxAttempts); err != nil {
					return err
				}
				c.printf("cluster %s is %s\n", cl.ID, cl.State)
			}
			return config.NewFileStore(c.global.ConfigPath, cfg).Update(func(ac *config.AppConfig) {
				ac.SelectedClusterID = cl.ID
				if host := database.ClusterHost(cl); host != "" {
					ac.DBProd.Host = host
				}
			})
		},
	}
	create.Flags().BoolVar(&flags.Wait, "wait", true, "wait until the cluster leaves provisioning")
	create.Flags().DurationVar(&flags.Interval, "interval", 10*time.Second, "poll interval while waiting")
	create.Flags().IntVar(&flags.MaxAttempts, "max-attempts", 30, "maximum status polls")

	user := &cobra.Command{
		Use:   "create-user <name>",
		Short: "Create a SQL user on the selected cluster and store it as the production user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userName := args[0]
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.SelectedClusterID == "" {
				return errors.New("no cluster selected (selectedClusterId)")
			}
			client, err := cockroach(cfg)
			if err != nil {
				return err
			}
			pass, err := client.CreateUser(cmd.Context(), cfg.SelectedClusterID, userName, "")
			if err != nil {
				return err
			}
			c.printf("created user %s\n", userName)
			return config.NewFileStore(c.global.ConfigPath, cfg).Update(func(ac *config.AppConfig) {
				ac.DBProd.User = userName
				ac.DBProd.Pass = pass
			})
		},
	}
	return []*cobra.Command{clusters, create, user}
}
