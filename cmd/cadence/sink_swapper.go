package main

import (
	"context"
	"sync"

	"github.com/rendis/cadence/internal/actions"
)

// sinkSwapper is a NotificationSink whose target can be replaced while
// running. serve builds the engine before the MCP server exists, then
// swaps in the MCP notifier once it does.
type sinkSwapper struct {
	mu   sync.RWMutex
	sink actions.NotificationSink
}

func newSinkSwapper(s actions.NotificationSink) *sinkSwapper {
	return &sinkSwapper{sink: s}
}

func (s *sinkSwapper) Raise(ctx context.Context, userID string, n actions.Notification) error {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	return sink.Raise(ctx, userID, n)
}

// Swap replaces the underlying sink atomically.
func (s *sinkSwapper) Swap(sink actions.NotificationSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Current returns the sink notifications are routed to.
func (s *sinkSwapper) Current() actions.NotificationSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}
