package store

import (
	"context"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// Store is the persistence interface for runs and their audit events.
//
// Every state-changing run operation is a conditional write. A write whose
// condition no longer holds changes nothing and fails with
// schema.ErrCodeConflict; callers treat that as "someone else got there first".
type Store interface {
	// InsertRunIfAbsent inserts run unless an open (active or paused) run of
	// the same definition already exists for the same subject. It reports
	// whether the row was created.
	InsertRunIfAbsent(ctx context.Context, run *Run) (bool, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	// FindOpenRun returns the open run for (definition, subject), or nil.
	FindOpenRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error)
	// LatestRun returns the most recently started run for (definition,
	// subject) in any status, or nil.
	LatestRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*Run, error)
	// ListRuns returns matching runs, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	// ListDueRuns returns active, unclaimed runs whose next step is due at
	// now, oldest due first.
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error)

	ClaimRun(ctx context.Context, c Claim) error
	// AdvanceRun records the claimed step's result and moves the run to its
	// next step. A run cancelled while the step was in flight keeps the
	// result but not the step increment.
	AdvanceRun(ctx context.Context, a Advance) (*Run, error)
	TransitionRun(ctx context.Context, t Transition) (*Run, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*LibSQLStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
