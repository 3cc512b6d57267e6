package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/isodb/internal/scenario"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// errUnexpected is returned when a level behaved differently from its
// documented expectation.
var errUnexpected = errors.New("unexpected isolation behaviour")

type runFlags struct {
	all         bool
	level       string
	lockTimeout time.Duration
	verbose     bool
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run a scenario at one or every isolation level",
		Long: `Run replays a scenario on a fresh engine and reports whether the
anomaly happened. Without --level it runs at every level; with --all it
runs the whole catalogue.`,
		Example: `  isodb run lost-update
  isodb run write-skew --level serializable
  isodb run --all --lock-timeout 200ms`,
		Args: func(cmd *cobra.Command, args []string) error {
			if flags.all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, global, flags, args)
		},
	}

	cmd.Flags().BoolVarP(&flags.all, "all", "a", false, "Run every scenario")
	cmd.Flags().StringVarP(&flags.level, "level", "l", "", "Isolation level (default: every level)")
	cmd.Flags().DurationVar(&flags.lockTimeout, "lock-timeout", 0, "Override the configured lock wait timeout")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Print statement errors of each run")
	return cmd
}

func runScenarios(cmd *cobra.Command, global *globalFlags, flags *runFlags, args []string) error {
	opts, err := global.engineOptions()
	if err != nil {
		return err
	}
	defer opts.Logger.Close()
	if flags.lockTimeout > 0 {
		opts.LockTimeout = flags.lockTimeout
	}

	levels := storage.Levels()
	if flags.level != "" {
		level, err := storage.ParseIsolationLevel(flags.level)
		if err != nil {
			return err
		}
		levels = []storage.IsolationLevel{level}
	}

	scenarios := scenario.Catalogue()
	if !flags.all {
		sc, err := scenario.Lookup(args[0])
		if err != nil {
			return err
		}
		scenarios = []scenario.Scenario{sc}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := cmd.OutOrStdout()
	unexpected := 0
	for _, sc := range scenarios {
		for _, level := range levels {
			rep, err := scenario.Run(ctx, sc, level, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, rep.String())
			if flags.verbose {
				for _, e := range rep.Errors {
					fmt.Fprintf(out, "    %s\n", e)
				}
			}
			if !rep.OK() {
				unexpected++
			}
		}
	}

	if unexpected > 0 {
		return errors.Wrapf(errUnexpected, "%d run(s)", unexpected)
	}
	return nil
}
