package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/holomush/botmanager/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the botmanager CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "botmanager",
		Short: "botmanager - host uploaded bot apps behind one HTTP front",
		Long: `botmanager accepts zipped bot apps, installs their dependencies, runs
each one as an isolated plugin and routes /<id>/... to it.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/botmanager/config.yaml)")
	addConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHashPasswordCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}

// addConfigFlags registers the flags that override configuration keys. Only
// flags set on the command line take effect.
func addConfigFlags(fs *pflag.FlagSet) {
	def := config.Default()
	fs.String("addr", def.Server.Addr, "HTTP listen address")
	fs.String("metrics-addr", def.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", def.Log.Format, "log format (json or text)")
	fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	fs.String("data-dir", "", "data directory (default: XDG_DATA_HOME/botmanager)")
	fs.String("registry", def.Registry.Driver, "registry driver (file or postgres)")
	fs.String("database-url", "", "PostgreSQL URL for the postgres registry (default: $DATABASE_URL)")
	fs.String("on-conflict", def.Upload.OnConflict, "upload id collision policy (replace or reject)")
	fs.String("provision", "", "dependency provisioning script run for plugins with a manifest")
	fs.StringSlice("python", def.Runtimes.Script.Command, "interpreter command for script plugins")
	fs.Duration("install-limit", def.Installer.Timeout, "time limit for one dependency install")
}

// loadConfig reads the configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
