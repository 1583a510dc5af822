package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/cadence/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// The connection pool holds a single connection, so the sequence read and
	// the insert cannot interleave with another writer.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin event tx", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return storeErr("next event sequence", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, event_type, step_ordinal, payload, created_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Type, nullOrdinal(event.StepOrdinal), nullRaw(event.Payload), toMillis(event.Timestamp), seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	event.Sequence = seq
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, step_ordinal, payload, created_at, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var ordinal sql.NullInt64
		var payload sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &ordinal, &payload, &ts, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.StepOrdinal = int(ordinal.Int64)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.Timestamp = fromMillis(ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get events", err)
	}
	return events, nil
}

// EventLog records and replays run audit events on any Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Record appends an event, marshalling payload to JSON when it is not nil.
func (el *EventLog) Record(ctx context.Context, runID, eventType string, ordinal int, payload any) (*Event, error) {
	e := &Event{RunID: runID, Type: eventType, StepOrdinal: ordinal, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Payload = raw
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Events returns the events of a run after the given sequence.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// History is a run's audit trail folded into a summary.
type History struct {
	RunID     string           `json:"run_id"`
	Status    schema.RunStatus `json:"status,omitempty"`
	Executed  int              `json:"steps_executed"`
	Failed    int              `json:"steps_failed"`
	LastEvent time.Time        `json:"last_event,omitempty"`
	Events    []*Event         `json:"events"`
}

// Replay folds every event of a run into a History. It fails when the
// sequence has gaps.
func (el *EventLog) Replay(ctx context.Context, runID string) (*History, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	h := &History{RunID: runID, Events: events}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence).WithRun(runID)
		}
		h.LastEvent = e.Timestamp

		switch e.Type {
		case schema.EventRunStarted, schema.EventRunResumed:
			h.Status = schema.RunStatusActive
		case schema.EventRunPaused:
			h.Status = schema.RunStatusPaused
		case schema.EventRunCompleted:
			h.Status = schema.RunStatusCompleted
		case schema.EventRunCancelled:
			h.Status = schema.RunStatusCancelled
		case schema.EventStepExecuted:
			h.Executed++
		case schema.EventStepFailed:
			h.Executed++
			h.Failed++
		}
	}
	return h, nil
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func nullOrdinal(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}
