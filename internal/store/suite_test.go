package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadence/pkg/schema"
)

// runStoreSuite exercises the Store contract. Both backends run it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertDedup", func(t *testing.T) { testInsertDedup(t, newStore(t)) })
	t.Run("GetAndFind", func(t *testing.T) { testGetAndFind(t, newStore(t)) })
	t.Run("LatestRun", func(t *testing.T) { testLatestRun(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("ListDueRuns", func(t *testing.T) { testListDueRuns(t, newStore(t)) })
	t.Run("Claim", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("Advance", func(t *testing.T) { testAdvance(t, newStore(t)) })
	t.Run("AdvanceAfterLifecycleChange", func(t *testing.T) { testAdvanceAfterLifecycleChange(t, newStore(t)) })
	t.Run("Transition", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
}

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestRun(def string, subject schema.SubjectRef, next time.Time) *Run {
	return &Run{
		ID:             uuid.New().String(),
		DefinitionCode: def,
		Family:         schema.FamilyCadence,
		Subject:        subject,
		Tenant:         "acme",
		Status:         schema.RunStatusActive,
		CurrentStep:    0,
		NextStepAt:     &next,
		StartedAt:      testEpoch,
		Trigger:        "STAGE_ENTER(proposal)",
		CreatedAt:      testEpoch,
		UpdatedAt:      testEpoch,
	}
}

func insertRun(t *testing.T, s Store, run *Run) *Run {
	t.Helper()
	created, err := s.InsertRunIfAbsent(context.Background(), run)
	require.NoError(t, err)
	require.True(t, created, "run %s should be created", run.ID)
	return run
}

func claim(t *testing.T, s Store, run *Run, now time.Time) string {
	t.Helper()
	token := uuid.New().String()
	require.NoError(t, s.ClaimRun(context.Background(), Claim{
		RunID: run.ID, ExpectStep: run.CurrentStep, Token: token, Until: now.Add(5 * time.Minute), Now: now,
	}))
	return token
}

func testInsertDedup(t *testing.T, s Store) {
	ctx := context.Background()
	deal := schema.SubjectRef{Kind: schema.SubjectDeal, ID: "D-1"}

	first := insertRun(t, s, newTestRun("proposal-followup", deal, testEpoch))

	created, err := s.InsertRunIfAbsent(ctx, newTestRun("proposal-followup", deal, testEpoch))
	require.NoError(t, err)
	assert.False(t, created, "second open run for the same pair must be refused")

	// Another definition may enroll the same subject.
	insertRun(t, s, newTestRun("deal-nurture", deal, testEpoch))

	// A paused run still holds the slot.
	_, err = s.TransitionRun(ctx, Transition{RunID: first.ID, From: []schema.RunStatus{schema.RunStatusActive}, To: schema.RunStatusPaused, Now: testEpoch})
	require.NoError(t, err)
	created, err = s.InsertRunIfAbsent(ctx, newTestRun("proposal-followup", deal, testEpoch))
	require.NoError(t, err)
	assert.False(t, created)

	// A terminal run releases it.
	_, err = s.TransitionRun(ctx, Transition{RunID: first.ID, From: []schema.RunStatus{schema.RunStatusPaused}, To: schema.RunStatusCancelled, CancelReason: schema.CancelReasonUser, Now: testEpoch})
	require.NoError(t, err)
	insertRun(t, s, newTestRun("proposal-followup", deal, testEpoch))
}

func testLatestRun(t *testing.T, s Store) {
	ctx := context.Background()
	deal := schema.SubjectRef{Kind: schema.SubjectDeal, ID: "D-9"}

	latest, err := s.LatestRun(ctx, "proposal-followup", deal)
	require.NoError(t, err)
	assert.Nil(t, latest)

	first := insertRun(t, s, newTestRun("proposal-followup", deal, testEpoch))
	_, err = s.TransitionRun(ctx, Transition{RunID: first.ID, From: []schema.RunStatus{schema.RunStatusActive}, To: schema.RunStatusCancelled, CancelReason: schema.CancelReasonSubjectReplied, Now: testEpoch})
	require.NoError(t, err)

	latest, err = s.LatestRun(ctx, "proposal-followup", deal)
	require.NoError(t, err)
	require.NotNil(t, latest, "closed runs count")
	assert.Equal(t, first.ID, latest.ID)
	assert.Equal(t, schema.RunStatusCancelled, latest.Status)

	second := newTestRun("proposal-followup", deal, testEpoch.Add(2*time.Hour))
	second.StartedAt = testEpoch.Add(time.Hour)
	second.CreatedAt = second.StartedAt
	insertRun(t, s, second)
	insertRun(t, s, newTestRun("other-cadence", deal, testEpoch.Add(3*time.Hour)))

	latest, err = s.LatestRun(ctx, "proposal-followup", deal)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.True(t, latest.StartedAt.Equal(testEpoch.Add(time.Hour)))
}

func testGetAndFind(t *testing.T, s Store) {
	ctx := context.Background()
	deal := schema.SubjectRef{Kind: schema.SubjectDeal, ID: "D-2"}

	_, err := s.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	open, err := s.FindOpenRun(ctx, "proposal-followup", deal)
	require.NoError(t, err)
	assert.Nil(t, open)

	run := insertRun(t, s, newTestRun("proposal-followup", deal, testEpoch.Add(time.Hour)))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.DefinitionCode, got.DefinitionCode)
	assert.Equal(t, deal, got.Subject)
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, schema.RunStatusActive, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Empty(t, got.StepResults)
	require.NotNil(t, got.NextStepAt)
	assert.True(t, got.NextStepAt.Equal(testEpoch.Add(time.Hour)))
	assert.True(t, got.StartedAt.Equal(testEpoch))
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "STAGE_ENTER(proposal)", got.Trigger)

	open, err = s.FindOpenRun(ctx, "proposal-followup", deal)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, run.ID, open.ID)
}

func testListRuns(t *testing.T, s Store) {
	ctx := context.Background()
	lead := schema.SubjectRef{Kind: schema.SubjectLead, ID: "L-1"}

	older := newTestRun("lead-intro", lead, testEpoch)
	newer := newTestRun("lead-nurture", lead, testEpoch)
	newer.CreatedAt = testEpoch.Add(time.Minute)
	insertRun(t, s, older)
	insertRun(t, s, newer)
	insertRun(t, s, newTestRun("lead-intro", schema.SubjectRef{Kind: schema.SubjectLead, ID: "L-2"}, testEpoch))

	runs, err := s.ListRuns(ctx, RunFilter{Subject: &lead})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID, "newest first")
	assert.Equal(t, older.ID, runs[1].ID)

	runs, err = s.ListRuns(ctx, RunFilter{DefinitionCode: "lead-intro"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testListDueRuns(t *testing.T, s Store) {
	ctx := context.Background()
	now := testEpoch.Add(time.Hour)

	due := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "due"}, now.Add(-time.Minute)))
	dueEarlier := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "due-earlier"}, now.Add(-time.Hour)))
	insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "future"}, now.Add(time.Minute)))
	paused := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "paused"}, now.Add(-time.Minute)))
	claimed := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "claimed"}, now.Add(-time.Minute)))

	_, err := s.TransitionRun(ctx, Transition{RunID: paused.ID, From: []schema.RunStatus{schema.RunStatusActive}, To: schema.RunStatusPaused, Now: now})
	require.NoError(t, err)
	claim(t, s, claimed, now)

	runs, err := s.ListDueRuns(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, dueEarlier.ID, runs[0].ID)
	assert.Equal(t, due.ID, runs[1].ID)

	runs, err = s.ListDueRuns(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// The claim lease expires and the future run comes due.
	runs, err = s.ListDueRuns(ctx, now.Add(6*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}

func testClaim(t *testing.T, s Store) {
	ctx := context.Background()
	now := testEpoch.Add(time.Hour)
	run := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "claim"}, testEpoch))

	claim(t, s, run, now)

	err := s.ClaimRun(ctx, Claim{RunID: run.ID, ExpectStep: 0, Token: "other", Until: now.Add(5 * time.Minute), Now: now})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	err = s.ClaimRun(ctx, Claim{RunID: run.ID, ExpectStep: 1, Token: "other", Until: now.Add(10 * time.Minute), Now: now.Add(6 * time.Minute)})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "wrong step")

	// Expired lease can be taken over.
	later := now.Add(6 * time.Minute)
	require.NoError(t, s.ClaimRun(ctx, Claim{RunID: run.ID, ExpectStep: 0, Token: "late", Until: later.Add(5 * time.Minute), Now: later}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "late", got.ClaimToken)
	require.NotNil(t, got.ClaimedUntil)

	notDue := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "not-due"}, now.Add(time.Hour)))
	err = s.ClaimRun(ctx, Claim{RunID: notDue.ID, ExpectStep: 0, Token: "x", Until: now.Add(time.Minute), Now: now})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "not due yet")
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	now := testEpoch.Add(time.Hour)
	run := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "race"}, testEpoch))

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ClaimRun(ctx, Claim{RunID: run.ID, ExpectStep: 0, Token: uuid.New().String(), Until: now.Add(5 * time.Minute), Now: now})
			switch {
			case err == nil:
				wins.Add(1)
			case schema.IsCode(err, schema.ErrCodeConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func testAdvance(t *testing.T, s Store) {
	ctx := context.Background()
	now := testEpoch.Add(time.Hour)
	run := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "advance"}, testEpoch))
	token := claim(t, s, run, now)

	_, err := s.AdvanceRun(ctx, Advance{RunID: run.ID, Token: "stale", ExpectStep: 0, Now: now})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	next := now.Add(24 * time.Hour)
	got, err := s.AdvanceRun(ctx, Advance{
		RunID: run.ID, Token: token, ExpectStep: 0, NextStepAt: next, Now: now,
		Result: schema.StepResult{Ordinal: 1, ActionType: schema.ActionSendMessage, Outcome: schema.OutcomeOK, ExternalID: "wamid.1", ExecutedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, schema.RunStatusActive, got.Status)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, "wamid.1", got.StepResults[0].ExternalID)
	require.NotNil(t, got.NextStepAt)
	assert.True(t, got.NextStepAt.Equal(next))
	assert.Empty(t, got.ClaimToken)
	assert.Nil(t, got.ClaimedUntil)

	// The same claim cannot advance twice.
	_, err = s.AdvanceRun(ctx, Advance{RunID: run.ID, Token: token, ExpectStep: 0, Now: now})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	token = claim(t, s, got, next)
	done, err := s.AdvanceRun(ctx, Advance{
		RunID: run.ID, Token: token, ExpectStep: 1, Complete: true, Now: next,
		Result: schema.StepResult{Ordinal: 2, ActionType: schema.ActionNotify, Outcome: schema.OutcomeNoop, ExecutedAt: next},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, done.Status)
	assert.Equal(t, 2, done.CurrentStep)
	assert.Nil(t, done.NextStepAt)
	require.NotNil(t, done.CompletedAt)
	require.Len(t, done.StepResults, 2)
	assert.Equal(t, schema.OutcomeNoop, done.StepResults[1].Outcome)
}

func testAdvanceAfterLifecycleChange(t *testing.T, s Store) {
	ctx := context.Background()
	now := testEpoch.Add(time.Hour)

	paused := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "paused-mid"}, testEpoch))
	token := claim(t, s, paused, now)
	_, err := s.TransitionRun(ctx, Transition{RunID: paused.ID, From: []schema.RunStatus{schema.RunStatusActive}, To: schema.RunStatusPaused, Now: now})
	require.NoError(t, err)

	got, err := s.AdvanceRun(ctx, Advance{
		RunID: paused.ID, Token: token, ExpectStep: 0, NextStepAt: now.Add(time.Hour), Now: now,
		Result: schema.StepResult{Ordinal: 1, ActionType: schema.ActionNotify, Outcome: schema.OutcomeOK, ExecutedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, got.Status, "pause is not overwritten")
	assert.Equal(t, 1, got.CurrentStep)
	assert.Len(t, got.StepResults, 1)

	cancelled := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "cancelled-mid"}, testEpoch))
	token = claim(t, s, cancelled, now)
	_, err = s.TransitionRun(ctx, Transition{RunID: cancelled.ID, From: []schema.RunStatus{schema.RunStatusActive}, To: schema.RunStatusCancelled, CancelReason: schema.CancelReasonUser, Now: now})
	require.NoError(t, err)

	got, err = s.AdvanceRun(ctx, Advance{
		RunID: cancelled.ID, Token: token, ExpectStep: 0, Complete: true, Now: now,
		Result: schema.StepResult{Ordinal: 1, ActionType: schema.ActionNotify, Outcome: schema.OutcomeOK, ExecutedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)
	assert.Nil(t, got.NextStepAt)
	assert.Nil(t, got.CompletedAt)
	assert.Len(t, got.StepResults, 1, "the sent step stays in the audit trail")
	assert.Equal(t, 0, got.CurrentStep, "a cancelled run does not move on")
}

func testTransition(t *testing.T, s Store) {
	ctx := context.Background()
	run := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectAccount, ID: "A-1"}, testEpoch.Add(time.Hour)))

	paused, err := s.TransitionRun(ctx, Transition{RunID: run.ID, From: []schema.RunStatus{schema.RunStatusActive}, To: schema.RunStatusPaused, Now: testEpoch})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, paused.Status)
	assert.True(t, paused.NextStepAt.Equal(testEpoch.Add(time.Hour)), "pause keeps the schedule")

	// Resuming after the step came due clamps it to now.
	resumeAt := testEpoch.Add(3 * time.Hour)
	resumed, err := s.TransitionRun(ctx, Transition{RunID: run.ID, From: []schema.RunStatus{schema.RunStatusPaused}, To: schema.RunStatusActive, Now: resumeAt})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusActive, resumed.Status)
	require.NotNil(t, resumed.NextStepAt)
	assert.True(t, resumed.NextStepAt.Equal(resumeAt))

	_, err = s.TransitionRun(ctx, Transition{RunID: run.ID, From: []schema.RunStatus{schema.RunStatusPaused}, To: schema.RunStatusActive, Now: resumeAt})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	cancelled, err := s.TransitionRun(ctx, Transition{
		RunID: run.ID, From: []schema.RunStatus{schema.RunStatusActive, schema.RunStatusPaused},
		To: schema.RunStatusCancelled, CancelReason: schema.CancelReasonSubjectReplied, Now: resumeAt,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, cancelled.Status)
	assert.Equal(t, schema.CancelReasonSubjectReplied, cancelled.CancelReason)
	assert.Nil(t, cancelled.NextStepAt)

	_, err = s.TransitionRun(ctx, Transition{RunID: run.ID, From: []schema.RunStatus{schema.RunStatusActive, schema.RunStatusPaused}, To: schema.RunStatusCancelled, Now: resumeAt})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "terminal runs do not move")

	_, err = s.TransitionRun(ctx, Transition{RunID: "missing", From: []schema.RunStatus{schema.RunStatusActive}, To: schema.RunStatusPaused, Now: resumeAt})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testEvents(t *testing.T, s Store) {
	ctx := context.Background()
	run := insertRun(t, s, newTestRun("c", schema.SubjectRef{Kind: schema.SubjectDeal, ID: "events"}, testEpoch))
	el := NewEventLog(s)

	types := []string{schema.EventRunStarted, schema.EventStepExecuted, schema.EventStepFailed, schema.EventRunPaused}
	for i, et := range types {
		ordinal := 0
		if et == schema.EventStepExecuted || et == schema.EventStepFailed {
			ordinal = i
		}
		e, err := el.Record(ctx, run.ID, et, ordinal, map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err := el.Events(ctx, run.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventStepFailed, events[0].Type)
	assert.Equal(t, 2, events[0].StepOrdinal)
	assert.JSONEq(t, `{"n":2}`, string(events[0].Payload))

	h, err := el.Replay(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPaused, h.Status)
	assert.Equal(t, 2, h.Executed)
	assert.Equal(t, 1, h.Failed)
	assert.Len(t, h.Events, 4)
}
