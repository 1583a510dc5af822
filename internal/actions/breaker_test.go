package actions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadence/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*Breakers, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	b.now = clock.now
	return b, clock
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3, time.Minute)

	assert.Equal(t, CircuitClosed, b.Failure(schema.ActionSendEmail))
	assert.Equal(t, CircuitClosed, b.Failure(schema.ActionSendEmail))
	assert.Equal(t, CircuitOpen, b.Failure(schema.ActionSendEmail))

	err := b.Allow(schema.ActionSendEmail)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
}

func TestBreakers_IsolatedPerKind(t *testing.T) {
	b, _ := newTestBreakers(1, time.Minute)

	b.Failure(schema.ActionSendEmail)
	assert.Error(t, b.Allow(schema.ActionSendEmail))
	assert.NoError(t, b.Allow(schema.ActionSendMessage))
	assert.Equal(t, CircuitClosed, b.State(schema.ActionNotify))
}

func TestBreakers_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreakers(2, time.Minute)

	b.Failure(schema.ActionNotify)
	b.Success(schema.ActionNotify)
	assert.Equal(t, CircuitClosed, b.Failure(schema.ActionNotify))
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreakers(1, 30*time.Second)

	b.Failure(schema.ActionCreateFollowup)
	require.Error(t, b.Allow(schema.ActionCreateFollowup))

	clock.advance(31 * time.Second)
	require.NoError(t, b.Allow(schema.ActionCreateFollowup), "first call after cooldown probes")
	assert.Equal(t, CircuitHalfOpen, b.State(schema.ActionCreateFollowup))
	assert.Error(t, b.Allow(schema.ActionCreateFollowup), "only one probe in flight")

	b.Success(schema.ActionCreateFollowup)
	assert.Equal(t, CircuitClosed, b.State(schema.ActionCreateFollowup))
	assert.NoError(t, b.Allow(schema.ActionCreateFollowup))
}

func TestBreakers_ReleaseReturnsHalfOpenSlot(t *testing.T) {
	b, clock := newTestBreakers(1, 30*time.Second)

	b.Failure(schema.ActionSendMessage)
	clock.advance(31 * time.Second)
	require.NoError(t, b.Allow(schema.ActionSendMessage))
	require.Error(t, b.Allow(schema.ActionSendMessage))

	b.Release(schema.ActionSendMessage)
	assert.Equal(t, CircuitHalfOpen, b.State(schema.ActionSendMessage))
	require.NoError(t, b.Allow(schema.ActionSendMessage), "released slot allows the next trial call")

	b.Success(schema.ActionSendMessage)
	assert.Equal(t, CircuitClosed, b.State(schema.ActionSendMessage))
}

func TestBreakers_ReleaseWhileClosedIsNoop(t *testing.T) {
	b, _ := newTestBreakers(2, time.Minute)

	b.Failure(schema.ActionNotify)
	b.Release(schema.ActionNotify)
	assert.Equal(t, CircuitClosed, b.State(schema.ActionNotify))
	assert.Equal(t, CircuitOpen, b.Failure(schema.ActionNotify))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreakers(3, 10*time.Second)

	for range 3 {
		b.Failure(schema.ActionSendMessage)
	}
	clock.advance(11 * time.Second)
	require.NoError(t, b.Allow(schema.ActionSendMessage))

	assert.Equal(t, CircuitOpen, b.Failure(schema.ActionSendMessage))
	assert.Error(t, b.Allow(schema.ActionSendMessage))
}

func TestBreakers_Disabled(t *testing.T) {
	b := NewBreakers(BreakerConfig{})
	for range 100 {
		b.Failure(schema.ActionSendEmail)
	}
	assert.NoError(t, b.Allow(schema.ActionSendEmail))

	var nilBreakers *Breakers
	assert.NoError(t, nilBreakers.Allow(schema.ActionSendEmail))
	assert.Equal(t, CircuitClosed, nilBreakers.Failure(schema.ActionSendEmail))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
