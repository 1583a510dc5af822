package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew(t *testing.T) {
	in, err := New()
	require.NoError(t, err)
	require.NotNil(t, in.Tracer)
	assert.NotNil(t, in.RunsEnrolled)
	assert.NotNil(t, in.ClaimsConflicted)
}

func TestNoop_Records(t *testing.T) {
	in := Noop()
	ctx, span := in.Start(context.Background(), "cadence.test", attribute.String("definition", "d"))
	Inc(ctx, in.StepsExecuted, attribute.String("action", "notify"))
	Inc(ctx, in.StepsFailed)
	End(span, errors.New("boom"))
	assert.False(t, span.IsRecording())
}
