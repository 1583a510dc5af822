package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/cadence/internal/store"
)

// stepOutcome is what processing one due run produced.
type stepOutcome int

const (
	outcomeSkipped stepOutcome = iota // claim lost or nothing to dispatch
	outcomeExecuted
	outcomeFailed // dispatched, step recorded as error
)

// batch processes the due runs of one AdvancePendingRuns pass on a bounded
// number of goroutines and tallies what they produced.
//
// The first store failure stops the batch: runs that have not started are
// left for the next pass. Runs already started keep going on a context
// detached from the caller's cancellation, so a claimed step is dispatched
// and its result written instead of being cut off halfway.
type batch struct {
	g    errgroup.Group
	work context.Context

	// onPanic, when set, is told about a run whose processing panicked.
	// The run keeps its claim until the lease expires.
	onPanic func(run *store.Run, v any)

	mu       sync.Mutex
	stopped  bool
	started  int
	executed int
	failed   int
	fatal    error
}

func newBatch(ctx context.Context, limit int) *batch {
	if limit <= 0 {
		limit = 1
	}
	b := &batch{work: context.WithoutCancel(ctx)}
	b.g.SetLimit(limit)
	return b
}

// run feeds runs to fn and waits for every started one. It stops handing
// out runs once ctx is cancelled or fn reports a store failure.
func (b *batch) run(ctx context.Context, runs []*store.Run, fn func(context.Context, *store.Run) (stepOutcome, error)) {
	for _, r := range runs {
		if b.halted(ctx) {
			break
		}
		// Go blocks while the batch is at its limit.
		b.g.Go(func() error {
			if !b.begin(ctx) {
				return nil
			}
			defer func() {
				if v := recover(); v != nil && b.onPanic != nil {
					b.onPanic(r, v)
				}
			}()
			outcome, err := fn(b.work, r)
			b.record(outcome, err)
			return nil
		})
	}
	_ = b.g.Wait()
}

func (b *batch) halted(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped || ctx.Err() != nil
}

// begin reports whether a queued run may still start.
func (b *batch) begin(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || ctx.Err() != nil {
		return false
	}
	b.started++
	return true
}

func (b *batch) record(outcome stepOutcome, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch outcome {
	case outcomeExecuted:
		b.executed++
	case outcomeFailed:
		b.executed++
		b.failed++
	}
	if err != nil && b.fatal == nil {
		b.fatal = err
		b.stopped = true
	}
}

// result returns the tallies and the store failure that stopped the batch.
func (b *batch) result() (started, executed, failed int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started, b.executed, b.failed, b.fatal
}
