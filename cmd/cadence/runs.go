package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

var startCmd = &cobra.Command{
	Use:   "start <definition> <kind:id>",
	Short: "Enroll a subject into a definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := schema.ParseSubjectRef(args[1])
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			run, err := rt.engine.StartManualRun(ctx, args[0], subject)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause an active run",
	Args:  cobra.ExactArgs(1),
	RunE: lifecycleCmd(func(ctx context.Context, rt *runtime, id string) (*store.Run, error) {
		return rt.engine.Pause(ctx, id)
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE: lifecycleCmd(func(ctx context.Context, rt *runtime, id string) (*store.Run, error) {
		return rt.engine.Resume(ctx, id)
	}),
}

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an active or paused run",
	Args:  cobra.ExactArgs(1),
	RunE: lifecycleCmd(func(ctx context.Context, rt *runtime, id string) (*store.Run, error) {
		return rt.engine.Cancel(ctx, id, cancelReason)
	}),
}

func lifecycleCmd(op func(ctx context.Context, rt *runtime, id string) (*store.Run, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			run, err := op(ctx, rt, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		})
	}
}

var runsOpts struct {
	subject    string
	status     string
	definition string
	limit      int
	offset     int
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := store.RunFilter{
			DefinitionCode: runsOpts.definition,
			Status:         schema.RunStatus(runsOpts.status),
			Limit:          runsOpts.limit,
			Offset:         runsOpts.offset,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", runsOpts.status)
		}
		if runsOpts.subject != "" {
			subject, err := schema.ParseSubjectRef(runsOpts.subject)
			if err != nil {
				return err
			}
			filter.Subject = &subject
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			runs, err := rt.engine.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []*store.Run{}
			}
			return printJSON(cmd.OutOrStdout(), runs)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run with its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			run, err := rt.engine.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			hist, err := rt.engine.History(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"run": run, "history": hist})
		})
	},
}

var replyChannel string

var replyCmd = &cobra.Command{
	Use:   "reply <kind:id>",
	Short: "Record an inbound reply; stop-on-reply runs of the subject are cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, err := schema.ParseSubjectRef(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			cancelled, err := rt.engine.HandleInboundReply(ctx, schema.InboundReply{
				Subject:    subject,
				Channel:    schema.Channel(replyChannel),
				ReceivedAt: time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			if cancelled == nil {
				cancelled = []*store.Run{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"cancelled": cancelled})
		})
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason (default: user)")
	replyCmd.Flags().StringVar(&replyChannel, "channel", "", "channel the reply arrived on: whatsapp, sms or email")

	f := runsCmd.Flags()
	f.StringVar(&runsOpts.subject, "subject", "", "only runs of this subject (kind:id)")
	f.StringVar(&runsOpts.status, "status", "", "only runs in this status")
	f.StringVar(&runsOpts.definition, "definition", "", "only runs of this definition")
	f.IntVar(&runsOpts.limit, "limit", 50, "maximum number of runs")
	f.IntVar(&runsOpts.offset, "offset", 0, "runs to skip")

	rootCmd.AddCommand(startCmd, pauseCmd, resumeCmd, cancelCmd, runsCmd, statusCmd, replyCmd)
}
