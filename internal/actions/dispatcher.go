// Package actions performs the external side effect of one workflow step.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/cadence/internal/catalog"
	"github.com/rendis/cadence/internal/expressions"
	"github.com/rendis/cadence/internal/logging"
	"github.com/rendis/cadence/internal/subjects"
	"github.com/rendis/cadence/internal/telemetry"
	"github.com/rendis/cadence/pkg/schema"
)

const defaultDispatchTimeout = 30 * time.Second

// RecipientOwner routes a notify step to the subject's owner.
const RecipientOwner = "owner"

// Result is the outcome of one dispatch.
type Result struct {
	Outcome    schema.Outcome
	Code       string // error code, or the reason for a noop
	Detail     string
	ExternalID string
}

// StepResult converts r into the run's step log entry.
func (r Result) StepResult(step schema.StepDefinition, at time.Time) schema.StepResult {
	return schema.StepResult{
		Ordinal:     step.Ordinal,
		ActionType:  step.ActionType(),
		Outcome:     r.Outcome,
		ErrorCode:   r.Code,
		ErrorDetail: r.Detail,
		ExternalID:  r.ExternalID,
		ExecutedAt:  at,
	}
}

func ok(externalID string) Result {
	return Result{Outcome: schema.OutcomeOK, ExternalID: externalID}
}

func noop(code, detail string) Result {
	return Result{Outcome: schema.OutcomeNoop, Code: code, Detail: detail}
}

func failed(err error) Result {
	r := Result{Outcome: schema.OutcomeError, Code: schema.CodeOf(err), Detail: err.Error()}
	var ce *schema.CadenceError
	if errors.As(err, &ce) {
		r.Detail = ce.Message
	}
	return r
}

// Collaborators are the external systems steps act on. Any of them may be
// nil; a step that needs a missing collaborator fails with DISPATCH_ERROR.
type Collaborators struct {
	Templates     TemplateRenderer
	Messaging     MessagingGateway
	Email         EmailGateway
	Notifications NotificationSink
	Surveys       SurveyIssuer
	Scores        ScoreRecalculator
	Records       RecordFactory
	Roles         RoleDirectory
	Subjects      subjects.Resolver
}

// Config tunes the dispatcher.
type Config struct {
	// Timeout bounds every external call. Zero uses 30s.
	Timeout   time.Duration
	Breaker   BreakerConfig
	Logger    *slog.Logger
	Telemetry *telemetry.Instruments
}

// Dispatcher executes steps. It is safe for concurrent use.
type Dispatcher struct {
	c          Collaborators
	jq         *expressions.GoJQEngine
	predicates expressions.Engine
	interp     *expressions.Interpolator
	breakers   *Breakers
	timeout    time.Duration
	logger     *slog.Logger
	tel        *telemetry.Instruments
}

// NewDispatcher creates a Dispatcher over the given collaborators.
func NewDispatcher(c Collaborators, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultDispatchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop()
	}
	return &Dispatcher{
		c:          c,
		jq:         expressions.NewGoJQEngine(),
		predicates: expressions.NewExprEngine(),
		interp:     expressions.NewInterpolator(),
		breakers:   NewBreakers(cfg.Breaker),
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
		tel:        cfg.Telemetry,
	}
}

// Breakers exposes the per-action circuit breakers.
func (d *Dispatcher) Breakers() *Breakers { return d.breakers }

// Execute performs step for subject. A returned error is always a dispatch
// failure that the caller records and moves past; the Result mirrors it.
func (d *Dispatcher) Execute(ctx context.Context, step schema.StepDefinition, subject schema.SubjectRef) (Result, error) {
	kind := step.ActionType()
	ctx, span := d.tel.Start(ctx, "cadence.dispatch",
		attribute.String("cadence.action", string(kind)),
		attribute.String("cadence.subject", subject.String()),
		attribute.Int("cadence.step", step.Ordinal))

	res, err := d.execute(ctx, step, subject)
	span.SetAttributes(attribute.String("cadence.outcome", string(res.Outcome)))
	telemetry.End(span, err)

	if err != nil {
		d.logger.WarnContext(ctx, "step dispatch failed",
			slog.String("action", string(kind)),
			slog.String("code", res.Code),
			slog.String("error", res.Detail))
	} else if res.Outcome == schema.OutcomeNoop {
		d.logger.InfoContext(ctx, "step skipped",
			slog.String("action", string(kind)),
			slog.String("reason", res.Detail))
	}
	return res, err
}

func (d *Dispatcher) execute(ctx context.Context, step schema.StepDefinition, subject schema.SubjectRef) (Result, error) {
	kind := step.ActionType()
	if err := d.breakers.Allow(kind); err != nil {
		return failed(err), err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.callWithTimeout(callCtx, step, subject)
	if err != nil {
		err = d.classify(callCtx, step, err)
		switch schema.CodeOf(err) {
		case schema.ErrCodeDispatch, schema.ErrCodeTimeout:
			if d.breakers.Failure(kind) == CircuitOpen {
				d.logger.WarnContext(ctx, "circuit opened", slog.String("action", string(kind)))
			}
		default:
			d.breakers.Release(kind)
		}
		return failed(err), err
	}
	if res.Outcome == schema.OutcomeOK {
		d.breakers.Success(kind)
	} else {
		d.breakers.Release(kind)
	}
	return res, nil
}

type dispatchReturn struct {
	res Result
	err error
}

// callWithTimeout runs the step on its own goroutine so a collaborator that
// ignores ctx still cannot hold the caller past the deadline.
func (d *Dispatcher) callWithTimeout(ctx context.Context, step schema.StepDefinition, subject schema.SubjectRef) (Result, error) {
	done := make(chan dispatchReturn, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- dispatchReturn{err: schema.NewErrorf(schema.ErrCodeDispatch, "%s panicked: %v", step.ActionType(), p)}
			}
		}()
		res, err := d.dispatch(ctx, step, subject)
		done <- dispatchReturn{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// classify maps raw collaborator errors onto dispatch error codes.
func (d *Dispatcher) classify(ctx context.Context, step schema.StepDefinition, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s timed out after %s", step.ActionType(), d.timeout).WithCause(err)
	}
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeDispatch, "%s: %s", step.ActionType(), err.Error()).WithCause(err)
}

// dispatch is exhaustive over the action variants.
func (d *Dispatcher) dispatch(ctx context.Context, step schema.StepDefinition, ref schema.SubjectRef) (Result, error) {
	if step.Action == nil {
		return Result{}, schema.NewErrorf(schema.ErrCodeDispatch, "step %d has no action", step.Ordinal)
	}
	if d.c.Subjects == nil {
		return Result{}, missing("subject resolver")
	}
	subj, err := d.c.Subjects.Lookup(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if subj == nil {
		return Result{}, schema.NewErrorf(schema.ErrCodeNotFound, "subject %s not found", ref)
	}

	switch a := step.Action.(type) {
	case schema.NotifyAction:
		return d.notify(ctx, step, a, subj)
	case schema.SendMessageAction:
		return d.sendMessage(ctx, step, a, subj)
	case schema.SendEmailAction:
		return d.sendEmail(ctx, step, a, subj)
	case schema.RequestSurveyAction:
		return d.requestSurvey(ctx, a, subj)
	case schema.RecomputeScoreAction:
		return d.recomputeScore(ctx, subj)
	case schema.CreateFollowupAction:
		return d.createFollowup(ctx, step, a, subj)
	default:
		return Result{}, schema.NewErrorf(schema.ErrCodeDispatch, "unsupported action %T", a)
	}
}

func (d *Dispatcher) notify(ctx context.Context, step schema.StepDefinition, a schema.NotifyAction, subj *subjects.Subject) (Result, error) {
	if d.c.Notifications == nil {
		return Result{}, missing("notification sink")
	}
	recipient := a.Recipient
	if recipient == "" || recipient == RecipientOwner {
		recipient = subj.OwnerID
	}
	if recipient == "" {
		return noop(schema.ErrCodeNoAddress, fmt.Sprintf("subject %s has no owner to notify", subj.Ref)), nil
	}

	message := a.Message
	if message == "" {
		message = "Step ${{run.step}} of ${{run.definition}} is due for ${{subject.name}}"
	}
	body, err := d.interp.Render(message, d.scope(ctx, step, subj, nil))
	if err != nil {
		return Result{}, err
	}
	if err := d.c.Notifications.Raise(ctx, recipient, Notification{
		Kind:       NotificationStep,
		Message:    body,
		Subject:    subj.Ref,
		RunID:      logging.RunID(ctx),
		Definition: logging.Definition(ctx),
	}); err != nil {
		return Result{}, err
	}
	return ok(""), nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, step schema.StepDefinition, a schema.SendMessageAction, subj *subjects.Subject) (Result, error) {
	address := subj.Address(step.Channel)
	if address == "" {
		return noop(schema.ErrCodeNoAddress, fmt.Sprintf("subject %s has no %s address", subj.Ref, step.Channel)), nil
	}
	if d.c.Messaging == nil {
		return Result{}, missing("messaging gateway")
	}
	content, err := d.render(ctx, step, a.Template, a.Vars, subj)
	if err != nil {
		return Result{}, err
	}
	id, err := d.c.Messaging.Send(ctx, OutboundMessage{
		Channel:  step.Channel,
		To:       address,
		Body:     content.Body,
		Template: a.Template,
		Subject:  subj.Ref,
	})
	if err != nil {
		return Result{}, err
	}
	return ok(id), nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, step schema.StepDefinition, a schema.SendEmailAction, subj *subjects.Subject) (Result, error) {
	address := subj.Address(schema.ChannelEmail)
	if address == "" {
		return noop(schema.ErrCodeNoAddress, fmt.Sprintf("subject %s has no email address", subj.Ref)), nil
	}
	if d.c.Email == nil {
		return Result{}, missing("email gateway")
	}
	content, err := d.render(ctx, step, a.Template, a.Vars, subj)
	if err != nil {
		return Result{}, err
	}
	if err := d.c.Email.Send(ctx, OutboundEmail{
		To:       address,
		Subject:  content.Subject,
		Body:     content.Body,
		Template: a.Template,
		Ref:      subj.Ref,
	}); err != nil {
		return Result{}, err
	}
	return ok(""), nil
}

func (d *Dispatcher) requestSurvey(ctx context.Context, a schema.RequestSurveyAction, subj *subjects.Subject) (Result, error) {
	if d.c.Surveys == nil {
		return Result{}, missing("survey issuer")
	}
	if err := d.c.Surveys.Request(ctx, subj.Ref, a.Kind); err != nil {
		return Result{}, err
	}
	return ok(""), nil
}

// invalidator is implemented by caching resolvers.
type invalidator interface {
	Invalidate(ref schema.SubjectRef)
}

func (d *Dispatcher) recomputeScore(ctx context.Context, subj *subjects.Subject) (Result, error) {
	if d.c.Scores == nil {
		return Result{}, missing("score recalculator")
	}
	if err := d.c.Scores.Recompute(ctx, subj.Ref); err != nil {
		return Result{}, err
	}
	// Later steps in the same run must see the fresh score.
	if inv, ok := d.c.Subjects.(invalidator); ok {
		inv.Invalidate(subj.Ref)
	}
	return ok(""), nil
}

func (d *Dispatcher) createFollowup(ctx context.Context, step schema.StepDefinition, a schema.CreateFollowupAction, subj *subjects.Subject) (Result, error) {
	if a.Pipeline == "" {
		return Result{}, schema.NewError(schema.ErrCodeNoDestination, "no destination pipeline configured").
			WithDetails(map[string]any{"subject": subj.Ref.String()})
	}
	if d.c.Records == nil {
		return Result{}, missing("record factory")
	}

	title := a.Title
	if title == "" {
		title = "Follow up: ${{subject.name}}"
	}
	title, err := d.interp.Render(title, d.scope(ctx, step, subj, nil))
	if err != nil {
		return Result{}, err
	}

	recordID, err := d.c.Records.CreateFollowup(ctx, FollowupRequest{
		Subject:  subj.Ref,
		Tenant:   subj.Tenant,
		OwnerID:  subj.OwnerID,
		Pipeline: a.Pipeline,
		Stage:    a.Stage,
		Title:    title,
	})
	if err != nil {
		return Result{}, err
	}

	res := ok(recordID)
	if err := d.escalate(ctx, a, subj, recordID); err != nil {
		// The record exists; a failed escalation is noted, not fatal.
		res.Detail = "escalation: " + err.Error()
		d.logger.WarnContext(ctx, "escalation failed", slog.String("record_id", recordID), slog.String("error", err.Error()))
	}
	return res, nil
}

// escalate notifies every holder of the escalation role when the subject's
// health satisfies the escalation predicate.
func (d *Dispatcher) escalate(ctx context.Context, a schema.CreateFollowupAction, subj *subjects.Subject, recordID string) error {
	predicate := a.EscalateWhen
	if predicate == "" {
		predicate = schema.DefaultEscalateWhen
	}
	poor, err := expressions.EvalBool(ctx, d.predicates, predicate, map[string]any{"subject": subj.Profile()})
	if err != nil || !poor {
		return err
	}
	if d.c.Roles == nil || d.c.Notifications == nil {
		return missing("role directory or notification sink")
	}

	role := a.EscalateRole
	if role == "" {
		role = schema.DefaultEscalateRole
	}
	users, err := d.c.Roles.UsersWithRole(ctx, subj.Tenant, role)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("%s needs attention (health %s, score %.0f)", subj.Name, subj.Health, subj.Score)
	var errs []error
	for _, u := range users {
		errs = append(errs, d.c.Notifications.Raise(ctx, u, Notification{
			Kind:       NotificationEscalation,
			Message:    msg,
			Subject:    subj.Ref,
			RunID:      logging.RunID(ctx),
			Definition: logging.Definition(ctx),
			RecordID:   recordID,
		}))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) render(ctx context.Context, step schema.StepDefinition, ref string, vars map[string]string, subj *subjects.Subject) (catalog.Content, error) {
	if d.c.Templates == nil {
		return catalog.Content{}, missing("template catalog")
	}
	extracted, err := d.jq.ExtractVars(ctx, vars, subj.Profile())
	if err != nil {
		return catalog.Content{}, err
	}
	return d.c.Templates.Render(ctx, ref, step.Channel, d.scope(ctx, step, subj, extracted))
}

func (d *Dispatcher) scope(ctx context.Context, step schema.StepDefinition, subj *subjects.Subject, vars map[string]any) *expressions.Scope {
	if vars == nil {
		vars = map[string]any{}
	}
	return &expressions.Scope{
		Subject: subj.Profile(),
		Vars:    vars,
		Run: map[string]any{
			"id":         logging.RunID(ctx),
			"definition": logging.Definition(ctx),
			"step":       step.Ordinal,
		},
	}
}

func missing(what string) *schema.CadenceError {
	return schema.NewErrorf(schema.ErrCodeDispatch, "no %s configured", what)
}
