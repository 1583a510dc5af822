// Package streaming fans run audit events out to live subscribers.
package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// RunEvent is an audit event published as it is recorded.
type RunEvent struct {
	RunID       string          `json:"run_id"`
	EventType   string          `json:"event_type"`
	StepOrdinal int             `json:"step_ordinal,omitempty"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run events within one process.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
