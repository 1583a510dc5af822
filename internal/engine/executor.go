package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/cadence/internal/logging"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/internal/telemetry"
	"github.com/rendis/cadence/pkg/schema"
)

// CancelReasonDefinitionMissing is recorded on runs whose definition is no
// longer in the catalog.
const CancelReasonDefinitionMissing = "definition_missing"

// AdvancePendingRuns executes the pending step of up to batchLimit due runs.
// executed counts dispatched steps and errors the subset that failed. A
// lost claim is skipped silently. A store failure stops the batch and is
// returned; runs advanced before it stay advanced and runs in flight are
// allowed to finish.
func (e *Engine) AdvancePendingRuns(ctx context.Context, batchLimit int) (executed, errors int, err error) {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	ctx, span := e.tel.Start(ctx, "cadence.advance", attribute.Int("cadence.batch_limit", batchLimit))
	defer func() {
		span.SetAttributes(attribute.Int("cadence.executed", executed), attribute.Int("cadence.errors", errors))
		telemetry.End(span, err)
	}()

	due, err := e.store.ListDueRuns(ctx, e.now(), batchLimit)
	if err != nil {
		return 0, 0, err
	}
	if len(due) == 0 {
		return 0, 0, nil
	}

	b := newBatch(ctx, e.concurrency)
	b.onPanic = func(run *store.Run, v any) {
		e.logger.ErrorContext(ctx, "run processing panicked", slog.String("run_id", run.ID), slog.Any("panic", v))
	}
	b.run(ctx, due, e.advanceRun)

	started, executed, errors, fatal := b.result()
	if fatal != nil {
		e.logger.ErrorContext(ctx, "advance batch aborted",
			slog.Int("due", len(due)), slog.Int("started", started),
			slog.Int("executed", executed), slog.String("error", fatal.Error()))
		return executed, errors, fatal
	}
	e.logger.InfoContext(ctx, "advance batch",
		slog.Int("due", len(due)), slog.Int("started", started),
		slog.Int("executed", executed), slog.Int("errors", errors))
	return executed, errors, nil
}

// advanceRun claims run, dispatches its pending step and records the
// result. The returned error is non-nil only for store failures.
func (e *Engine) advanceRun(ctx context.Context, run *store.Run) (stepOutcome, error) {
	ctx = logging.WithRun(ctx, run.ID, run.DefinitionCode, run.Subject.String())

	def, ok := e.catalog.Definition(run.DefinitionCode)
	if !ok {
		e.logger.ErrorContext(ctx, "run references unknown definition")
		return outcomeSkipped, e.finish(ctx, run, schema.RunStatusCancelled, CancelReasonDefinitionMissing)
	}
	if run.CurrentStep >= len(def.Steps) {
		// Every step already ran; nothing left but to close the run.
		return outcomeSkipped, e.finish(ctx, run, schema.RunStatusCompleted, "")
	}
	step := def.Steps[run.CurrentStep]
	ctx = logging.WithStep(ctx, step.Ordinal)

	now := e.now()
	token := uuid.New().String()
	if err := e.store.ClaimRun(ctx, store.Claim{
		RunID:      run.ID,
		ExpectStep: run.CurrentStep,
		Token:      token,
		Until:      now.Add(e.lease),
		Now:        now,
	}); err != nil {
		return outcomeSkipped, e.conflictOrFatal(ctx, "claim", err)
	}

	ctx, span := e.tel.Start(ctx, "cadence.step",
		attribute.String("cadence.run_id", run.ID),
		attribute.String("cadence.definition", run.DefinitionCode),
		attribute.Int("cadence.step", step.Ordinal))
	res, dispatchErr := e.dispatcher.Execute(ctx, step, run.Subject)
	telemetry.End(span, dispatchErr)
	if dispatchErr != nil && res.Outcome == "" {
		res.Outcome = schema.OutcomeError
		res.Code = schema.CodeOf(dispatchErr)
		res.Detail = dispatchErr.Error()
	}
	if res.Outcome == schema.OutcomeError && res.Code == "" {
		res.Code = schema.ErrCodeDispatch
	}

	executedAt := e.now()
	result := res.StepResult(step, executedAt)
	next := run.CurrentStep + 1
	complete := next >= len(def.Steps)
	nextAt := executedAt
	if !complete {
		nextAt = def.NextDue(next, run.StartedAt, executedAt)
	}

	updated, err := e.store.AdvanceRun(ctx, store.Advance{
		RunID:      run.ID,
		Token:      token,
		ExpectStep: run.CurrentStep,
		Result:     result,
		NextStepAt: nextAt,
		Complete:   complete,
		Now:        executedAt,
	})
	if err != nil {
		return outcomeSkipped, e.conflictOrFatal(ctx, "advance", err)
	}

	outcome := outcomeExecuted
	eventType := schema.EventStepExecuted
	attrs := []attribute.KeyValue{
		attribute.String("cadence.action", string(step.ActionType())),
		attribute.String("cadence.outcome", string(result.Outcome)),
	}
	telemetry.Inc(ctx, e.tel.StepsExecuted, attrs...)
	if result.Outcome == schema.OutcomeError {
		outcome = outcomeFailed
		eventType = schema.EventStepFailed
		telemetry.Inc(ctx, e.tel.StepsFailed, attrs...)
	}
	if _, err := e.recorder.Record(ctx, run.ID, eventType, step.Ordinal, result); err != nil {
		e.logger.WarnContext(ctx, "record step event", slog.String("error", err.Error()))
	}

	if updated.Status == schema.RunStatusCompleted {
		if err := e.fsm.After(ctx, updated, schema.RunStatusActive, schema.RunStatusCompleted); err != nil {
			e.logger.WarnContext(ctx, "record run completion", slog.String("error", err.Error()))
		}
	}

	e.logger.InfoContext(ctx, "step executed",
		slog.String("action", string(step.ActionType())),
		slog.String("outcome", string(result.Outcome)),
		slog.String("status", string(updated.Status)),
		slog.Int("current_step", updated.CurrentStep))
	return outcome, nil
}

// finish moves an active run to a terminal status outside of a step.
func (e *Engine) finish(ctx context.Context, run *store.Run, to schema.RunStatus, reason string) error {
	if err := e.fsm.Before(ctx, run, run.Status, to); err != nil {
		e.logger.WarnContext(ctx, "terminal transition rejected", slog.String("error", err.Error()))
		return nil
	}
	updated, err := e.store.TransitionRun(ctx, store.Transition{
		RunID:        run.ID,
		From:         []schema.RunStatus{schema.RunStatusActive},
		To:           to,
		CancelReason: reason,
		Now:          e.now(),
	})
	if err != nil {
		return e.conflictOrFatal(ctx, fmt.Sprintf("transition to %s", to), err)
	}
	if err := e.fsm.After(ctx, updated, run.Status, to); err != nil {
		e.logger.WarnContext(ctx, "record run transition", slog.String("error", err.Error()))
	}
	return nil
}

// conflictOrFatal swallows lost races and passes everything else through.
func (e *Engine) conflictOrFatal(ctx context.Context, op string, err error) error {
	if schema.IsCode(err, schema.ErrCodeConflict) {
		telemetry.Inc(ctx, e.tel.ClaimsConflicted, attribute.String("cadence.op", op))
		e.logger.DebugContext(ctx, "run taken by another poller", slog.String("op", op))
		return nil
	}
	return err
}
