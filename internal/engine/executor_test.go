package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadence/internal/actions"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

func advance(t *testing.T, e *Engine) (executed, errs int) {
	t.Helper()
	executed, errs, err := e.AdvancePendingRuns(context.Background(), 50)
	require.NoError(t, err)
	return executed, errs
}

func TestAdvancePendingRuns_ThreeStepCadence(t *testing.T) {
	h := newHarness(t, proposalCadence())
	run := h.start(t, "proposal_followup", deal("d1"))

	executed, errs := advance(t, h.eng)
	assert.Equal(t, 1, executed)
	assert.Zero(t, errs)

	got := h.run(t, run.ID)
	assert.Equal(t, 1, got.CurrentStep)
	require.NotNil(t, got.NextStepAt)
	assert.True(t, got.NextStepAt.Equal(t0.Add(60*time.Minute)), "cadence offsets count from enrollment")
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, 1, got.StepResults[0].Ordinal)
	assert.Equal(t, schema.ActionSendMessage, got.StepResults[0].ActionType)
	assert.Equal(t, "ext-1", got.StepResults[0].ExternalID)

	// Not yet due.
	h.clock.Advance(30 * time.Minute)
	executed, _ = advance(t, h.eng)
	assert.Zero(t, executed)

	h.clock.Set(t0.Add(60 * time.Minute))
	executed, _ = advance(t, h.eng)
	assert.Equal(t, 1, executed)
	got = h.run(t, run.ID)
	assert.Equal(t, 2, got.CurrentStep)
	assert.True(t, got.NextStepAt.Equal(t0.Add(1440*time.Minute)))

	h.clock.Set(t0.Add(1440 * time.Minute))
	executed, _ = advance(t, h.eng)
	assert.Equal(t, 1, executed)
	got = h.run(t, run.ID)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStep)
	assert.Nil(t, got.NextStepAt)
	require.NotNil(t, got.CompletedAt)
	assert.Len(t, got.StepResults, 3)

	// Completed runs are never picked up again.
	h.clock.Advance(72 * time.Hour)
	executed, _ = advance(t, h.eng)
	assert.Zero(t, executed)
	assert.Len(t, h.dispatch.Calls(), 3)

	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventStepExecuted,
		schema.EventStepExecuted,
		schema.EventStepExecuted,
		schema.EventRunCompleted,
	}, h.eventTypes(t, run.ID))
}

func TestAdvancePendingRuns_PlaybookAnchorsOnPreviousStep(t *testing.T) {
	h := newHarness(t, renewalPlaybook())
	run := h.start(t, "renewal_prep", schema.SubjectRef{Kind: schema.SubjectAccount, ID: "a1"})

	// The poller runs late; the next offset counts from execution.
	h.clock.Advance(2 * time.Hour)
	advance(t, h.eng)
	got := h.run(t, run.ID)
	assert.True(t, got.NextStepAt.Equal(t0.Add(2*time.Hour+48*time.Hour)))
}

func TestAdvancePendingRuns_NoopStepCompletesRun(t *testing.T) {
	def := proposalCadence()
	def.Steps = def.Steps[:1]
	h := newHarness(t, def)
	h.dispatch.respond = func(context.Context, schema.StepDefinition, schema.SubjectRef) (actions.Result, error) {
		return actions.Result{Outcome: schema.OutcomeNoop, Code: schema.ErrCodeNoAddress, Detail: "subject has no whatsapp address"}, nil
	}
	run := h.start(t, def.Code, deal("no-phone"))

	executed, errs := advance(t, h.eng)
	assert.Equal(t, 1, executed)
	assert.Zero(t, errs, "a noop is not a failure")

	got := h.run(t, run.ID)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, schema.OutcomeNoop, got.StepResults[0].Outcome)
	assert.Equal(t, schema.ErrCodeNoAddress, got.StepResults[0].ErrorCode)
}

func TestAdvancePendingRuns_FailedStepStillAdvances(t *testing.T) {
	h := newHarness(t, renewalPlaybook())
	h.dispatch.respond = func(_ context.Context, step schema.StepDefinition, _ schema.SubjectRef) (actions.Result, error) {
		if step.ActionType() == schema.ActionCreateFollowup {
			return actions.Result{Outcome: schema.OutcomeError, Code: schema.ErrCodeNoDestination, Detail: "pipeline renewals not found"}, nil
		}
		return actions.Result{Outcome: schema.OutcomeOK}, nil
	}
	run := h.start(t, "renewal_prep", schema.SubjectRef{Kind: schema.SubjectAccount, ID: "a1"})

	advance(t, h.eng)
	h.clock.Advance(48 * time.Hour)
	executed, errs := advance(t, h.eng)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, errs)

	got := h.run(t, run.ID)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	require.Len(t, got.StepResults, 2)
	assert.Equal(t, schema.OutcomeError, got.StepResults[1].Outcome)
	assert.Equal(t, schema.ErrCodeNoDestination, got.StepResults[1].ErrorCode)

	hist, err := h.eng.History(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, hist.Executed)
	assert.Equal(t, 1, hist.Failed)
}

func TestAdvancePendingRuns_DispatchErrorIsRecorded(t *testing.T) {
	h := newHarness(t, proposalCadence())
	h.dispatch.respond = func(context.Context, schema.StepDefinition, schema.SubjectRef) (actions.Result, error) {
		return actions.Result{}, schema.NewError(schema.ErrCodeTimeout, "gateway timed out")
	}
	run := h.start(t, "proposal_followup", deal("d1"))

	_, errs := advance(t, h.eng)
	assert.Equal(t, 1, errs)
	got := h.run(t, run.ID)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, schema.ErrCodeTimeout, got.StepResults[0].ErrorCode)
}

func TestAdvancePendingRuns_ConcurrentPollersExecuteEachStepOnce(t *testing.T) {
	h := newHarness(t, proposalCadence())
	const runs = 30
	for i := range runs {
		h.start(t, "proposal_followup", deal(fmt.Sprintf("d%d", i)))
	}
	pollers := []*Engine{h.eng, h.newEngine(t), h.newEngine(t)}

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := p.AdvancePendingRuns(context.Background(), runs)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[schema.SubjectRef]int)
	for _, c := range h.dispatch.Calls() {
		seen[c.Subject]++
	}
	assert.Len(t, seen, runs)
	for ref, n := range seen {
		assert.Equal(t, 1, n, "step 1 of %s dispatched %d times", ref, n)
	}

	all, err := h.eng.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	for _, r := range all {
		assert.Equal(t, 1, r.CurrentStep)
		assert.Len(t, r.StepResults, 1)
	}
}

func TestAdvancePendingRuns_PauseDuringDispatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, proposalCadence())
	started := make(chan struct{})
	release := make(chan struct{})
	h.dispatch.respond = func(context.Context, schema.StepDefinition, schema.SubjectRef) (actions.Result, error) {
		close(started)
		<-release
		return actions.Result{Outcome: schema.OutcomeOK}, nil
	}
	run := h.start(t, "proposal_followup", deal("d1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		advance(t, h.eng)
	}()
	<-started
	_, err := h.eng.Pause(ctx, run.ID)
	require.NoError(t, err)
	close(release)
	<-done

	got := h.run(t, run.ID)
	assert.Equal(t, schema.RunStatusPaused, got.Status, "the pause wins over the step")
	assert.Equal(t, 1, got.CurrentStep, "the dispatched step is still recorded")
	assert.True(t, got.NextStepAt.Equal(t0.Add(60*time.Minute)))

	h.dispatch.respond = nil
	h.clock.Set(t0.Add(2 * time.Hour))
	executed, _ := advance(t, h.eng)
	assert.Zero(t, executed, "paused runs are not advanced")

	_, err = h.eng.Resume(ctx, run.ID)
	require.NoError(t, err)
	executed, _ = advance(t, h.eng)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 2, h.run(t, run.ID).CurrentStep)
}

func TestAdvancePendingRuns_CancelDuringDispatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, proposalCadence())
	started := make(chan struct{})
	release := make(chan struct{})
	h.dispatch.respond = func(context.Context, schema.StepDefinition, schema.SubjectRef) (actions.Result, error) {
		close(started)
		<-release
		return actions.Result{Outcome: schema.OutcomeOK}, nil
	}
	run := h.start(t, "proposal_followup", deal("d1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		advance(t, h.eng)
	}()
	<-started
	_, err := h.eng.Cancel(ctx, run.ID, "")
	require.NoError(t, err)
	close(release)
	<-done

	got := h.run(t, run.ID)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, schema.OutcomeOK, got.StepResults[0].Outcome)
	assert.Nil(t, got.NextStepAt)
	assert.Equal(t, schema.CancelReasonUser, got.CancelReason)
}

func TestAdvancePendingRuns_MissingDefinitionCancelsRun(t *testing.T) {
	h := newHarness(t, proposalCadence())
	run := h.start(t, "proposal_followup", deal("d1"))
	h.catalog.remove("proposal_followup")

	executed, _ := advance(t, h.eng)
	assert.Zero(t, executed)
	got := h.run(t, run.ID)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)
	assert.Equal(t, CancelReasonDefinitionMissing, got.CancelReason)
	assert.Empty(t, h.dispatch.Calls())
}

func TestAdvancePendingRuns_ClosesExhaustedRun(t *testing.T) {
	h := newHarness(t, proposalCadence())
	next := t0
	run := &store.Run{
		ID:             "exhausted",
		DefinitionCode: "proposal_followup",
		Family:         schema.FamilyCadence,
		Subject:        deal("d1"),
		Status:         schema.RunStatusActive,
		CurrentStep:    3,
		NextStepAt:     &next,
		StartedAt:      t0,
	}
	_, err := h.store.InsertRunIfAbsent(context.Background(), run)
	require.NoError(t, err)

	executed, _ := advance(t, h.eng)
	assert.Zero(t, executed)
	assert.Equal(t, schema.RunStatusCompleted, h.run(t, run.ID).Status)
	assert.Empty(t, h.dispatch.Calls())
}

// brokenStore fails every step write.
type brokenStore struct {
	store.Store
}

func (brokenStore) AdvanceRun(context.Context, store.Advance) (*store.Run, error) {
	return nil, schema.NewError(schema.ErrCodeStore, "disk full")
}

func TestAdvancePendingRuns_StoreFailureAbortsBatch(t *testing.T) {
	h := newHarness(t, proposalCadence())
	h.start(t, "proposal_followup", deal("d1"))
	eng, err := New(Config{
		Store:       brokenStore{h.store},
		Catalog:     h.catalog,
		Dispatcher:  h.dispatch,
		Clock:       h.clock.Now,
		Concurrency: 1,
	})
	require.NoError(t, err)

	_, _, err = eng.AdvancePendingRuns(context.Background(), 10)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

// failOneStore fails the step write of a single run.
type failOneStore struct {
	store.Store
	runID string
}

func (s failOneStore) AdvanceRun(ctx context.Context, a store.Advance) (*store.Run, error) {
	if a.RunID == s.runID {
		return nil, schema.NewError(schema.ErrCodeStore, "disk full")
	}
	return s.Store.AdvanceRun(ctx, a)
}

func TestAdvancePendingRuns_StoreFailureLetsInFlightDispatchFinish(t *testing.T) {
	h := newHarness(t, proposalCadence())
	broken := h.start(t, "proposal_followup", deal("d1"))
	slow := h.start(t, "proposal_followup", deal("d2"))

	slowStarted := make(chan struct{})
	h.dispatch.respond = func(ctx context.Context, _ schema.StepDefinition, subject schema.SubjectRef) (actions.Result, error) {
		if subject != deal("d2") {
			// Fail only once the other send is under way.
			<-slowStarted
			return actions.Result{Outcome: schema.OutcomeOK}, nil
		}
		close(slowStarted)
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return actions.Result{}, ctx.Err()
		}
		return actions.Result{Outcome: schema.OutcomeOK}, nil
	}
	eng, err := New(Config{
		Store:       failOneStore{Store: h.store, runID: broken.ID},
		Catalog:     h.catalog,
		Dispatcher:  h.dispatch,
		Clock:       h.clock.Now,
		Concurrency: 2,
	})
	require.NoError(t, err)

	_, _, err = eng.AdvancePendingRuns(context.Background(), 10)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))

	got := h.run(t, slow.ID)
	assert.Equal(t, 1, got.CurrentStep)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, schema.OutcomeOK, got.StepResults[0].Outcome)
	assert.Empty(t, got.StepResults[0].ErrorCode)
}

func TestAdvancePendingRuns_UncodedDispatchErrorIsRecordedAsDispatchError(t *testing.T) {
	h := newHarness(t, proposalCadence())
	run := h.start(t, "proposal_followup", deal("d1"))
	h.dispatch.respond = func(context.Context, schema.StepDefinition, schema.SubjectRef) (actions.Result, error) {
		return actions.Result{}, fmt.Errorf("connection reset")
	}

	executed, failed := advance(t, h.eng)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, failed)

	got := h.run(t, run.ID)
	require.Len(t, got.StepResults, 1)
	assert.Equal(t, schema.OutcomeError, got.StepResults[0].Outcome)
	assert.Equal(t, schema.ErrCodeDispatch, got.StepResults[0].ErrorCode)
	assert.Equal(t, "connection reset", got.StepResults[0].ErrorDetail)
}

func TestAdvancePendingRuns_RespectsBatchLimit(t *testing.T) {
	h := newHarness(t, proposalCadence())
	for i := range 5 {
		h.start(t, "proposal_followup", deal(fmt.Sprintf("d%d", i)))
	}
	executed, _, err := h.eng.AdvancePendingRuns(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, executed)
}
