package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/cadence/internal/logging"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

// Pause suspends an active run. Its next due time is kept.
func (e *Engine) Pause(ctx context.Context, runID string) (*store.Run, error) {
	return e.transition(ctx, runID, schema.RunStatusPaused, "")
}

// Resume reactivates a paused run. A due time already in the past becomes
// now, so the step runs on the next advance pass.
func (e *Engine) Resume(ctx context.Context, runID string) (*store.Run, error) {
	return e.transition(ctx, runID, schema.RunStatusActive, "")
}

// Cancel stops an active or paused run for good. An empty reason records
// a user cancellation.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*store.Run, error) {
	if reason == "" {
		reason = schema.CancelReasonUser
	}
	return e.transition(ctx, runID, schema.RunStatusCancelled, reason)
}

func (e *Engine) transition(ctx context.Context, runID string, to schema.RunStatus, reason string) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, run.ID, run.DefinitionCode, run.Subject.String())
	if err := e.fsm.Before(ctx, run, run.Status, to); err != nil {
		return nil, err
	}

	updated, err := e.store.TransitionRun(ctx, store.Transition{
		RunID:        run.ID,
		From:         Sources(to),
		To:           to,
		CancelReason: reason,
		Now:          e.now(),
	})
	if schema.IsCode(err, schema.ErrCodeConflict) {
		// The status moved between the read and the write.
		current, getErr := e.store.GetRun(ctx, runID)
		if getErr != nil {
			return nil, getErr
		}
		if checkErr := e.fsm.Check(runID, current.Status, to); checkErr != nil {
			return nil, checkErr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := e.fsm.After(ctx, updated, run.Status, to); err != nil {
		e.logger.WarnContext(ctx, "record run transition", slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "run transitioned",
		slog.String("from", string(run.Status)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	return updated, nil
}

// HandleInboundReply cancels every open run of the replying subject whose
// next pending step is marked stop-on-reply, and returns the cancelled runs.
func (e *Engine) HandleInboundReply(ctx context.Context, reply schema.InboundReply) ([]*store.Run, error) {
	if !reply.Subject.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid subject %q", reply.Subject.String())
	}
	runs, err := e.store.ListRuns(ctx, store.RunFilter{Subject: &reply.Subject})
	if err != nil {
		return nil, err
	}

	var cancelled []*store.Run
	for _, run := range runs {
		if !run.Status.Open() {
			continue
		}
		def, ok := e.catalog.Definition(run.DefinitionCode)
		if !ok {
			continue
		}
		step, ok := def.StepAt(run.CurrentStep)
		if !ok || !step.StopOnReply {
			continue
		}

		updated, err := e.Cancel(ctx, run.ID, schema.CancelReasonSubjectReplied)
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, updated)
	}

	e.logger.InfoContext(ctx, "inbound reply handled",
		slog.String("subject", reply.Subject.String()),
		slog.String("channel", string(reply.Channel)),
		slog.Int("cancelled", len(cancelled)))
	return cancelled, nil
}

// ListRunsForSubject returns every run of subject, newest first.
func (e *Engine) ListRunsForSubject(ctx context.Context, subject schema.SubjectRef) ([]*store.Run, error) {
	if !subject.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid subject %q", subject.String())
	}
	return e.store.ListRuns(ctx, store.RunFilter{Subject: &subject})
}

// ListRuns returns runs matching filter, newest first.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return e.store.ListRuns(ctx, filter)
}
