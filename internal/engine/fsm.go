package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

// TransitionHook is called before or after a run status transition.
type TransitionHook func(ctx context.Context, run *store.Run, from, to schema.RunStatus) error

// EventRecorder appends run audit events. *store.EventLog satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, runID, eventType string, ordinal int, payload any) (*store.Event, error)
}

// ValidRunTransitions is the run lifecycle. Completed and cancelled runs
// never move again.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusActive:    {schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusCancelled},
	schema.RunStatusPaused:    {schema.RunStatusActive, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusCancelled: {},
}

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run status transitions and emits their events. The
// store's compare-and-set write is the caller's job; RunFSM decides what
// may be written and records what was.
type RunFSM struct {
	mu     sync.Mutex
	events EventRecorder
	before map[runHookKey][]TransitionHook
	after  map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that records events through events.
func NewRunFSM(events EventRecorder) *RunFSM {
	return &RunFSM{
		events: events,
		before: make(map[runHookKey][]TransitionHook),
		after:  make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook run before a transition is written. A hook
// error vetoes the transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook run after a transition is written.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Check returns INVALID_TRANSITION unless from -> to is allowed.
func (f *RunFSM) Check(runID string, from, to schema.RunStatus) error {
	if slices.Contains(ValidRunTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithRun(runID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// Sources lists every status that may move to to, in table order.
func Sources(to schema.RunStatus) []schema.RunStatus {
	var out []schema.RunStatus
	for _, from := range []schema.RunStatus{
		schema.RunStatusActive, schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusCancelled,
	} {
		if slices.Contains(ValidRunTransitions[from], to) {
			out = append(out, from)
		}
	}
	return out
}

// Before validates from -> to and runs the before hooks.
func (f *RunFSM) Before(ctx context.Context, run *store.Run, from, to schema.RunStatus) error {
	if err := f.Check(run.ID, from, to); err != nil {
		return err
	}
	for _, hook := range f.hooks(f.before, from, to) {
		if err := hook(ctx, run, from, to); err != nil {
			return err
		}
	}
	return nil
}

// After records the event for a written transition and runs the after
// hooks. run is the row as persisted.
func (f *RunFSM) After(ctx context.Context, run *store.Run, from, to schema.RunStatus) error {
	if eventType := runEventType(from, to); eventType != "" {
		var payload map[string]any
		if run.CancelReason != "" && to == schema.RunStatusCancelled {
			payload = map[string]any{"reason": run.CancelReason}
		}
		if _, err := f.events.Record(ctx, run.ID, eventType, 0, payload); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).
				WithRun(run.ID).WithCause(err)
		}
	}
	for _, hook := range f.hooks(f.after, from, to) {
		if err := hook(ctx, run, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Started records the creation of run.
func (f *RunFSM) Started(ctx context.Context, run *store.Run) error {
	payload := map[string]any{"definition": run.DefinitionCode, "subject": run.Subject.String()}
	if run.Trigger != "" {
		payload["trigger"] = run.Trigger
	}
	if _, err := f.events.Record(ctx, run.ID, schema.EventRunStarted, 0, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).
			WithRun(run.ID).WithCause(err)
	}
	return nil
}

func (f *RunFSM) hooks(m map[runHookKey][]TransitionHook, from, to schema.RunStatus) []TransitionHook {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(m[runHookKey{from, to}])
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		if from == schema.RunStatusPaused {
			return schema.EventRunResumed
		}
		return schema.EventRunStarted
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}
