package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/cadence/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	id     uint64
	ch     chan RunEvent
	types  []string
	closed bool
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// MemoryHub is an in-process EventHub. Subscribers scoped to a run are
// indexed by run ID and their channel is closed once that run publishes
// its terminal event. Unscoped subscribers see every run and stay open
// until cancelled.
type MemoryHub struct {
	mu      sync.RWMutex
	byRun   map[string]map[uint64]*subscriber
	all     map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	buffer  int
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		byRun:  make(map[string]map[uint64]*subscriber),
		all:    make(map[uint64]*subscriber),
		buffer: defaultChannelBuffer,
	}
}

// Subscribers returns the number of open subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.all)
	for _, subs := range h.byRun {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full. Late subscribers catch up from the stored history.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Publish delivers event without blocking. A terminal run event ends every
// subscription scoped to that run after it is delivered.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	for _, sub := range h.byRun[event.RunID] {
		h.deliver(sub, event)
	}
	for _, sub := range h.all {
		h.deliver(sub, event)
	}
	h.mu.RUnlock()

	if isTerminal(event.EventType) {
		h.closeRun(event.RunID)
	}
	return nil
}

func (h *MemoryHub) deliver(sub *subscriber, event RunEvent) {
	// The terminal event is always delivered so the reader sees why the
	// channel closed.
	if !sub.wants(event.EventType) && !isTerminal(event.EventType) {
		return
	}
	select {
	case sub.ch <- event:
	default:
		h.dropped.Add(1)
	}
}

func (h *MemoryHub) closeRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.byRun[runID] {
		sub.closed = true
		close(sub.ch)
	}
	delete(h.byRun, runID)
}

// Subscribe registers a subscriber. With filter.RunID set the channel is
// closed when that run completes or is cancelled; cancel is idempotent and
// safe to call after that.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		id:    h.seq.Add(1),
		ch:    make(chan RunEvent, h.buffer),
		types: slices.Clone(filter.EventTypes),
	}

	h.mu.Lock()
	if filter.RunID == "" {
		h.all[sub.id] = sub
	} else {
		subs, ok := h.byRun[filter.RunID]
		if !ok {
			subs = make(map[uint64]*subscriber)
			h.byRun[filter.RunID] = subs
		}
		subs[sub.id] = sub
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		if filter.RunID == "" {
			delete(h.all, sub.id)
			return
		}
		if subs := h.byRun[filter.RunID]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(h.byRun, filter.RunID)
			}
		}
	}

	return sub.ch, cancel, nil
}

func isTerminal(eventType string) bool {
	return eventType == schema.EventRunCompleted || eventType == schema.EventRunCancelled
}
