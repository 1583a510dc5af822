package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// withRuntime builds the runtime for one command invocation and closes it
// afterwards.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the run store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s store migrated\n", cfg.DB.Driver)
		return nil
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run one trigger detection pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			created, err := rt.engine.DetectAndEnroll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"created": created})
		})
	},
}

var advanceLimit int

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Execute the steps that are due now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit := advanceLimit
		if limit <= 0 {
			limit = cfg.Poll.BatchLimit
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			executed, failed, err := rt.engine.AdvancePendingRuns(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"executed": executed, "errors": failed})
		})
	},
}

func init() {
	advanceCmd.Flags().IntVar(&advanceLimit, "limit", 0, "maximum runs to advance (default poll.batch_limit)")
	rootCmd.AddCommand(migrateCmd, detectCmd, advanceCmd)
}
