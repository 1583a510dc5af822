// Package engine runs workflow definitions against CRM subjects: it enrolls
// subjects when triggers fire, advances due runs one step at a time, and
// applies lifecycle changes.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/cadence/internal/actions"
	"github.com/rendis/cadence/internal/expressions"
	"github.com/rendis/cadence/internal/signals"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/internal/streaming"
	"github.com/rendis/cadence/internal/subjects"
	"github.com/rendis/cadence/internal/telemetry"
	"github.com/rendis/cadence/pkg/schema"
)

// Defaults applied by New.
const (
	DefaultConcurrency = 8
	DefaultLease       = 5 * time.Minute
	DefaultBatchLimit  = 100
)

// Catalog is the read-only view of definitions and triggers the engine
// needs. *catalog.Catalog implements it.
type Catalog interface {
	Definition(code string) (*schema.WorkflowDefinition, bool)
	Triggers() []schema.Trigger
	ValidateDeliverable(def *schema.WorkflowDefinition) error
}

// Dispatcher performs one step. *actions.Dispatcher implements it.
type Dispatcher interface {
	Execute(ctx context.Context, step schema.StepDefinition, subject schema.SubjectRef) (actions.Result, error)
}

// Config wires an Engine.
type Config struct {
	Store      store.Store
	Catalog    Catalog
	Dispatcher Dispatcher
	Feeds      signals.Feeds
	// Subjects resolves profiles for trigger filters. Triggers with a
	// filter are skipped when it is nil.
	Subjects subjects.Resolver
	// Hub, when set, receives every audit event as it is recorded.
	Hub streaming.EventHub

	Logger    *slog.Logger
	Telemetry *telemetry.Instruments

	// Concurrency bounds how many runs of a batch dispatch at once.
	Concurrency int
	// Lease is how long a claim protects a run from other pollers.
	Lease time.Duration
	// Window is how far back trigger detection looks.
	Window time.Duration
	// Clock returns the current time. Defaults to time.Now in UTC.
	Clock func() time.Time
}

// Engine is the in-process entry point to detection, execution and
// lifecycle control. It holds no run state of its own; every call works
// from the store, so any number of engines may share one.
type Engine struct {
	store      store.Store
	catalog    Catalog
	dispatcher Dispatcher
	feeds      signals.Feeds
	subjects   subjects.Resolver
	events     *store.EventLog
	recorder   EventRecorder
	fsm        *RunFSM
	filters    *expressions.CELEngine

	logger *slog.Logger
	tel    *telemetry.Instruments

	concurrency int
	lease       time.Duration
	window      time.Duration
	now         func() time.Time
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Catalog == nil || cfg.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine needs a store, a catalog and a dispatcher")
	}
	filters, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Window <= 0 {
		cfg.Window = signals.DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	events := store.NewEventLog(cfg.Store)
	var recorder EventRecorder = events
	if cfg.Hub != nil {
		recorder = &publishingRecorder{log: events, hub: cfg.Hub, logger: cfg.Logger}
	}
	return &Engine{
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		dispatcher:  cfg.Dispatcher,
		feeds:       cfg.Feeds,
		subjects:    cfg.Subjects,
		events:      events,
		recorder:    recorder,
		fsm:         NewRunFSM(recorder),
		filters:     filters,
		logger:      cfg.Logger,
		tel:         cfg.Telemetry,
		concurrency: cfg.Concurrency,
		lease:       cfg.Lease,
		window:      cfg.Window,
		now:         cfg.Clock,
	}, nil
}

// FSM exposes the run state machine so callers can register hooks.
func (e *Engine) FSM() *RunFSM { return e.fsm }

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// History returns a run's audit trail.
func (e *Engine) History(ctx context.Context, runID string) (*store.History, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.events.Replay(ctx, runID)
}

func (e *Engine) definition(code string) (*schema.WorkflowDefinition, error) {
	def, ok := e.catalog.Definition(code)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", code).
			WithDetails(map[string]any{"definition": code})
	}
	return def, nil
}
