package main

import (
	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/isodb/internal/config"
	"github.com/KilimcininKorOglu/isodb/internal/engine"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "isodb",
		Short: "isodb - a transactional key-value store for exploring isolation levels",
		Long: `isodb is an in-memory multi-version key-value store with four isolation
levels. Its scenario catalogue replays classic concurrency anomalies
against every level and reports which ones each level lets through.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newScenariosCmd(),
		newRunCmd(flags),
		newConfigCmd(),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig returns the configuration named by --config, or the defaults
// when none is given. Without a config file engine logs are limited to
// warnings so they do not interleave with reports.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "warn"
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(f.configFile); err != nil {
			return nil, err
		}
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, nil
}

func (f *globalFlags) engineOptions() (engine.Options, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return engine.Options{}, err
	}
	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		return engine.Options{}, errs[0]
	}
	return engine.FromConfig(cfg)
}
