package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mindflow/mindflow/internal/app/bootstrap"
	"github.com/mindflow/mindflow/internal/infrastructure/config"
	"github.com/mindflow/mindflow/internal/infrastructure/logging"
)

// options are the persistent flags shared by every command
type options struct {
	configFile string
	envFile    string
	driver     string
	path       string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "mindflow",
		Short: "MindFlow - flow graph editor backend",
		Long: `MindFlow stores node-and-connection flow graphs with optimistic
versioning on a pluggable storage medium.

Storage, serialization and server settings come from mindflow.yaml, a .env
file and MINDFLOW_* environment variables; --driver and --path override the
storage settings for one invocation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: ./mindflow.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&opts.driver, "driver", "", "storage driver (memory|bolt|sqlite|postgres|redis|dynamodb)")
	root.PersistentFlags().StringVar(&opts.path, "path", "", "database file for the bolt and sqlite drivers")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of warnings only")

	_ = root.RegisterFlagCompletionFunc("driver", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{
			config.DriverMemory, config.DriverBolt, config.DriverSQLite,
			config.DriverPostgres, config.DriverRedis, config.DriverDynamoDB,
		}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newFlowCmd(opts))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "MindFlow %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
		},
	}
}

// loadConfig applies the flag overrides on top of the loaded configuration
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile, o.envFile)
	if err != nil {
		return nil, err
	}
	if o.driver != "" {
		cfg.Storage.Driver = o.driver
	}
	if o.path != "" {
		cfg.Storage.Path = o.path
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) logger(cfg *config.Config, quiet bool) (*zap.Logger, error) {
	level := cfg.Log.Level
	if quiet && !o.verbose {
		level = "warn"
	}
	return logging.New(level, cfg.Environment)
}

// withApp wires the configured storage for one command and closes it after
func (o *options) withApp(cmd *cobra.Command, fn func(app *bootstrap.App) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	logger, err := o.logger(cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := bootstrap.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
