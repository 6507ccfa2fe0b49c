package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/atpinstall/internal/logger"
	"github.com/loykin/atpinstall/pkg/client"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c command) *cobra.Command {
	global := &GlobalFlags{}
	c.global = global
	root := createRootCommand(global)
	root.AddCommand(
		createServeCommand(c),
		createInstallCommand(c),
		createDeployCommand(c),
		createDevCommand(c),
		createAwsCommand(c),
		createModulesCommand(c),
		createMigrationCommand(c),
		createDBCommand(c),
		createPrereqCommand(c),
		createConfigCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "atpinstall",
		Short: "Installer and administration tool for ATP projects",
		Long: `atpinstall clones and configures the ATP api, admin and public projects,
provisions their databases and AWS resources, and supervises local dev servers.

Examples:
  atpinstall config init --project acme --destination ~/dev
  atpinstall install --config atp.toml
  atpinstall dev                         # run all dev servers until interrupted
  atpinstall aws status
  atpinstall serve                       # HTTP dispatcher with event stream`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logger.New(logger.Config{Level: flags.LogLevel, JSON: flags.LogJSON}, os.Stderr))
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", defaultConfigPath(), "path to the installer config file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "diagnostic log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flags.LogJSON, "log-json", false, "write diagnostic logs as JSON")
	root.PersistentFlags().StringVar(&flags.APIURL, "api-url", "", "submit install and deploy to a running dispatcher, e.g. "+client.DefaultBaseURL)
	return root
}

// defaultConfigPath is atp.toml in the working directory when present.
func defaultConfigPath() string {
	if _, err := os.Stat("atp.toml"); err == nil {
		return "atp.toml"
	}
	return ""
}
