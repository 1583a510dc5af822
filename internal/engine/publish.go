package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/internal/streaming"
)

// publishingRecorder records through the event log and then publishes the
// stored event. A publish failure never fails the step or the transition.
type publishingRecorder struct {
	log    *store.EventLog
	hub    streaming.EventHub
	logger *slog.Logger
}

func (p *publishingRecorder) Record(ctx context.Context, runID, eventType string, ordinal int, payload any) (*store.Event, error) {
	ev, err := p.log.Record(ctx, runID, eventType, ordinal, payload)
	if err != nil {
		return nil, err
	}
	if err := p.hub.Publish(ctx, ToRunEvent(ev)); err != nil {
		p.logger.Debug("publish run event", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
	return ev, nil
}

// ToRunEvent converts a stored audit event to its streamed form.
func ToRunEvent(ev *store.Event) streaming.RunEvent {
	return streaming.RunEvent{
		RunID:       ev.RunID,
		EventType:   ev.Type,
		StepOrdinal: ev.StepOrdinal,
		Sequence:    ev.Sequence,
		Payload:     ev.Payload,
		Timestamp:   ev.Timestamp,
	}
}
