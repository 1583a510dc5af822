package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadence/internal/streaming"
	"github.com/rendis/cadence/pkg/schema"
)

func TestStreamRun_ReplayOnly(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, "deal:42")

	rec := env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/stream", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: run_started\n")
	assert.Contains(t, body, `"run_id":"`+run.ID+`"`)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/stream?since=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "run_started")
}

func TestStreamRun_Errors(t *testing.T) {
	env := newTestEnv(t)
	run := env.start(t, "deal:42")

	rec := env.do(t, http.MethodGet, "/api/v1/runs/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/stream?since=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamRun_Live(t *testing.T) {
	hub := streaming.NewMemoryHub()
	env := newTestEnvWithHub(t, hub)
	run := env.start(t, "deal:42")

	srv := httptest.NewServer(env.echo)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/runs/"+run.ID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan string, 8)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	next := func() string {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return ""
	}

	assert.Equal(t, schema.EventRunStarted, next())
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	_, err = env.eng.Pause(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EventRunPaused, next())

	_, err = env.eng.Cancel(context.Background(), run.ID, "lost")
	require.NoError(t, err)
	assert.Equal(t, schema.EventRunCancelled, next())

	// The stream ends with the run.
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("stream did not close after cancellation")
	}
}
