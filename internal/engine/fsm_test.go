package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

type recordedEvent struct {
	runID     string
	eventType string
	payload   any
}

type eventSpy struct {
	events []recordedEvent
	err    error
}

func (s *eventSpy) Record(_ context.Context, runID, eventType string, _ int, payload any) (*store.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.events = append(s.events, recordedEvent{runID, eventType, payload})
	return &store.Event{RunID: runID, Type: eventType}, nil
}

func TestRunFSM_Check(t *testing.T) {
	f := NewRunFSM(&eventSpy{})
	tests := []struct {
		from, to schema.RunStatus
		ok       bool
	}{
		{schema.RunStatusActive, schema.RunStatusPaused, true},
		{schema.RunStatusActive, schema.RunStatusCompleted, true},
		{schema.RunStatusActive, schema.RunStatusCancelled, true},
		{schema.RunStatusPaused, schema.RunStatusActive, true},
		{schema.RunStatusPaused, schema.RunStatusCancelled, true},
		{schema.RunStatusPaused, schema.RunStatusCompleted, false},
		{schema.RunStatusActive, schema.RunStatusActive, false},
		{schema.RunStatusCompleted, schema.RunStatusActive, false},
		{schema.RunStatusCompleted, schema.RunStatusCancelled, false},
		{schema.RunStatusCancelled, schema.RunStatusActive, false},
		{schema.RunStatusCancelled, schema.RunStatusPaused, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := f.Check("r1", tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
			var ce *schema.CadenceError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "r1", ce.RunID)
		})
	}
}

func TestSources(t *testing.T) {
	assert.Equal(t, []schema.RunStatus{schema.RunStatusActive}, Sources(schema.RunStatusPaused))
	assert.Equal(t, []schema.RunStatus{schema.RunStatusPaused}, Sources(schema.RunStatusActive))
	assert.Equal(t, []schema.RunStatus{schema.RunStatusActive, schema.RunStatusPaused}, Sources(schema.RunStatusCancelled))
	assert.Equal(t, []schema.RunStatus{schema.RunStatusActive}, Sources(schema.RunStatusCompleted))
}

func TestRunFSM_HooksAndEvents(t *testing.T) {
	ctx := context.Background()
	spy := &eventSpy{}
	f := NewRunFSM(spy)
	run := &store.Run{ID: "r1", CancelReason: "subject_replied"}

	var order []string
	f.OnBefore(schema.RunStatusPaused, schema.RunStatusCancelled, func(context.Context, *store.Run, schema.RunStatus, schema.RunStatus) error {
		order = append(order, "before")
		return nil
	})
	f.OnAfter(schema.RunStatusPaused, schema.RunStatusCancelled, func(context.Context, *store.Run, schema.RunStatus, schema.RunStatus) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, f.Before(ctx, run, schema.RunStatusPaused, schema.RunStatusCancelled))
	require.NoError(t, f.After(ctx, run, schema.RunStatusPaused, schema.RunStatusCancelled))
	assert.Equal(t, []string{"before", "after"}, order)

	require.Len(t, spy.events, 1)
	assert.Equal(t, schema.EventRunCancelled, spy.events[0].eventType)
	assert.Equal(t, map[string]any{"reason": "subject_replied"}, spy.events[0].payload)

	// Hooks are keyed by the exact pair.
	require.NoError(t, f.Before(ctx, run, schema.RunStatusActive, schema.RunStatusCancelled))
	assert.Len(t, order, 2)
}

func TestRunFSM_BeforeRejectsInvalidWithoutHooks(t *testing.T) {
	f := NewRunFSM(&eventSpy{})
	called := false
	f.OnBefore(schema.RunStatusCompleted, schema.RunStatusActive, func(context.Context, *store.Run, schema.RunStatus, schema.RunStatus) error {
		called = true
		return nil
	})
	err := f.Before(context.Background(), &store.Run{ID: "r1"}, schema.RunStatusCompleted, schema.RunStatusActive)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.False(t, called)
}

func TestRunFSM_EventTypes(t *testing.T) {
	ctx := context.Background()
	spy := &eventSpy{}
	f := NewRunFSM(spy)
	run := &store.Run{ID: "r1", DefinitionCode: "onboarding", Subject: deal("d1"), Trigger: "MANUAL"}

	require.NoError(t, f.Started(ctx, run))
	require.NoError(t, f.After(ctx, run, schema.RunStatusActive, schema.RunStatusPaused))
	require.NoError(t, f.After(ctx, run, schema.RunStatusPaused, schema.RunStatusActive))
	require.NoError(t, f.After(ctx, run, schema.RunStatusActive, schema.RunStatusCompleted))

	var types []string
	for _, e := range spy.events {
		types = append(types, e.eventType)
	}
	assert.Equal(t, []string{
		schema.EventRunStarted, schema.EventRunPaused, schema.EventRunResumed, schema.EventRunCompleted,
	}, types)
	assert.Equal(t, map[string]any{"definition": "onboarding", "subject": "deal:d1", "trigger": "MANUAL"}, spy.events[0].payload)
}

func TestRunFSM_RecordFailureIsStoreError(t *testing.T) {
	f := NewRunFSM(&eventSpy{err: errors.New("db locked")})
	err := f.After(context.Background(), &store.Run{ID: "r1"}, schema.RunStatusActive, schema.RunStatusPaused)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
