package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/cadence/internal/expressions"
	"github.com/rendis/cadence/internal/logging"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/internal/telemetry"
	"github.com/rendis/cadence/pkg/schema"
)

// DetectAndEnroll runs one trigger detection pass and returns how many runs
// it created. A signal enrolls a subject only if it occurred after the
// start of the subject's latest run of that definition. Feed and filter
// failures are logged per trigger and never abort the pass; store failures
// do.
func (e *Engine) DetectAndEnroll(ctx context.Context) (created int, err error) {
	ctx, span := e.tel.Start(ctx, "cadence.detect")
	defer func() {
		span.SetAttributes(attribute.Int("cadence.created", created))
		telemetry.End(span, err)
	}()

	now := e.now()
	var triggers []schema.Trigger
	for _, t := range e.catalog.Triggers() {
		if t.Condition.Kind != schema.ConditionManual {
			triggers = append(triggers, t)
		}
	}
	snap := e.feeds.Collect(ctx, triggers, now, e.window)

	var feedErrors, skipped int
	for _, t := range triggers {
		def, ok := e.catalog.Definition(t.Definition)
		if !ok || !def.Active {
			continue
		}

		candidates, err := snap.Match(t)
		if err != nil {
			feedErrors++
			e.logger.WarnContext(ctx, "trigger feed failed",
				slog.String("definition", t.Definition),
				slog.String("condition", t.Condition.String()),
				slog.String("error", err.Error()))
			continue
		}

		for _, sig := range candidates {
			ok, err := e.admit(ctx, def, t, sig)
			if err != nil {
				feedErrors++
				e.logger.WarnContext(ctx, "trigger filter failed",
					slog.String("definition", t.Definition),
					slog.String("subject", sig.Subject.String()),
					slog.String("error", err.Error()))
				continue
			}
			if !ok {
				skipped++
				continue
			}

			// Cheap skip before the conditional insert. A closed run
			// still consumes every signal up to its start.
			latest, err := e.store.LatestRun(ctx, def.Code, sig.Subject)
			if err != nil {
				return created, err
			}
			if latest != nil && (latest.Status.Open() || !sig.OccurredAt.After(latest.StartedAt)) {
				skipped++
				continue
			}

			tenant := sig.Tenant
			if tenant == "" {
				tenant = def.Tenant
			}
			_, inserted, err := e.enroll(ctx, def, sig.Subject, tenant, t.Condition.String(), now)
			if err != nil {
				return created, err
			}
			if inserted {
				created++
			} else {
				skipped++
			}
		}
	}

	e.logger.InfoContext(ctx, "trigger detection pass",
		slog.Int("triggers", len(triggers)),
		slog.Int("created", created),
		slog.Int("skipped", skipped),
		slog.Int("feed_errors", feedErrors))
	return created, nil
}

// admit applies tenant scoping and the trigger's CEL filter to a candidate.
func (e *Engine) admit(ctx context.Context, def *schema.WorkflowDefinition, t schema.Trigger, sig schema.Signal) (bool, error) {
	if def.Tenant != "" && sig.Tenant != "" && def.Tenant != sig.Tenant {
		return false, nil
	}
	if t.Filter == "" {
		return true, nil
	}
	if e.subjects == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "trigger filter needs a subject resolver")
	}
	subj, err := e.subjects.Lookup(ctx, sig.Subject)
	if err != nil {
		return false, err
	}
	if subj == nil {
		return false, nil
	}
	return expressions.EvalBool(ctx, e.filters, t.Filter, map[string]any{
		"subject": subj.Profile(),
		"signal": map[string]any{
			"kind":        string(sig.Subject.Kind),
			"id":          sig.Subject.ID,
			"tenant":      sig.Tenant,
			"occurred_at": sig.OccurredAt.UTC().Format(time.RFC3339),
			"attributes":  sig.Attributes,
		},
		"trigger": map[string]any{
			"definition":   t.Definition,
			"condition":    t.Condition.String(),
			"subject_kind": string(t.SubjectKind),
			"pipeline":     t.Pipeline,
		},
	})
}

// StartManualRun enrolls subject into the definition on explicit request.
// Every templated step must be deliverable; an open run for the same pair
// fails with CONFLICT.
func (e *Engine) StartManualRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*store.Run, error) {
	if !subject.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid subject %q", subject.String())
	}
	def, err := e.definition(definitionCode)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %q is inactive", def.Code).
			WithDetails(map[string]any{"definition": def.Code})
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %q has no steps", def.Code)
	}
	if err := e.catalog.ValidateDeliverable(def); err != nil {
		return nil, err
	}

	tenant := def.Tenant
	if e.subjects != nil {
		if subj, err := e.subjects.Lookup(ctx, subject); err == nil && subj != nil && subj.Tenant != "" {
			tenant = subj.Tenant
		}
	}

	run, inserted, err := e.enroll(ctx, def, subject, tenant, string(schema.ConditionManual), e.now())
	if err != nil {
		return nil, err
	}
	if !inserted {
		details := map[string]any{"definition": def.Code, "subject": subject.String()}
		if open, _ := e.store.FindOpenRun(ctx, def.Code, subject); open != nil {
			details["run_id"] = open.ID
			details["status"] = string(open.Status)
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"an open run of %s already exists for %s", def.Code, subject).WithDetails(details)
	}
	return run, nil
}

// enroll conditionally inserts a new active run and records its start.
func (e *Engine) enroll(ctx context.Context, def *schema.WorkflowDefinition, subject schema.SubjectRef, tenant, trigger string, now time.Time) (*store.Run, bool, error) {
	next := def.FirstDue(now)
	run := &store.Run{
		ID:             uuid.New().String(),
		DefinitionCode: def.Code,
		Family:         def.Family,
		Subject:        subject,
		Tenant:         tenant,
		Status:         schema.RunStatusActive,
		CurrentStep:    0,
		StepResults:    []schema.StepResult{},
		NextStepAt:     &next,
		StartedAt:      now,
		Trigger:        trigger,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	inserted, err := e.store.InsertRunIfAbsent(ctx, run)
	if err != nil || !inserted {
		return nil, false, err
	}

	ctx = logging.WithRun(ctx, run.ID, def.Code, subject.String())
	telemetry.Inc(ctx, e.tel.RunsEnrolled, attribute.String("cadence.definition", def.Code))
	if err := e.fsm.Started(ctx, run); err != nil {
		// The run exists; a lost audit event does not undo it.
		e.logger.WarnContext(ctx, "record run start", slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "run enrolled", slog.String("trigger", trigger), slog.Time("next_step_at", next))
	return run, true, nil
}
