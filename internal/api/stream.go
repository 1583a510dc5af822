package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/cadence/internal/engine"
	"github.com/rendis/cadence/internal/streaming"
	"github.com/rendis/cadence/pkg/schema"
)

const streamKeepAlive = 15 * time.Second

// StreamRun streams a run's audit events as Server-Sent Events. Stored
// events after ?since (or Last-Event-ID) are replayed first, then live
// events follow until the run ends or the client goes away.
// (GET /api/v1/runs/:id/stream)
func (s *Server) StreamRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	since, err := streamCursor(c)
	if err != nil {
		return err
	}
	run, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	// Subscribe before replaying so nothing falls between the two.
	var live <-chan streaming.RunEvent
	if s.hub != nil && !run.Status.Terminal() {
		ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
		if err != nil {
			return err
		}
		defer cancel()
		live = ch
	}

	hist, err := s.engine.History(ctx, runID)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := since
	for _, ev := range hist.Events {
		if ev.Sequence <= last {
			continue
		}
		if err := writeEvent(w, engine.ToRunEvent(ev)); err != nil {
			return nil
		}
		last = ev.Sequence
	}
	w.Flush()
	if live == nil || hist.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if ev.Sequence <= last {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("stream closed", slog.String("run_id", runID), slog.String("error", err.Error()))
				return nil
			}
			w.Flush()
			last = ev.Sequence
			if ev.EventType == schema.EventRunCompleted || ev.EventType == schema.EventRunCancelled {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, ev streaming.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.EventType, data)
	return err
}

// streamCursor reads the replay cursor from ?since or Last-Event-ID.
func streamCursor(c echo.Context) (int64, error) {
	raw := c.QueryParam("since")
	if raw == "" {
		raw = c.Request().Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "since must be a non-negative sequence, got %q", raw)
	}
	return n, nil
}
