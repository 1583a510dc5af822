package subjects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/cadence/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingResolver(calls *int, fail bool) Resolver {
	return ResolverFunc(func(_ context.Context, ref schema.SubjectRef) (*Subject, error) {
		*calls++
		if fail {
			return nil, errors.New("crm down")
		}
		return &Subject{Ref: ref, Name: "Ana", Tenant: "acme"}, nil
	})
}

func TestCachedResolver_Hits(t *testing.T) {
	var calls int
	r := NewCachedResolver(countingResolver(&calls, false), time.Minute)
	ref := schema.SubjectRef{Kind: schema.SubjectDeal, ID: "1"}

	for i := 0; i < 3; i++ {
		s, err := r.Lookup(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, "Ana", s.Name)
	}
	assert.Equal(t, 1, calls)

	r.Invalidate(ref)
	_, err := r.Lookup(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCachedResolver_ErrorsNotCached(t *testing.T) {
	var calls int
	r := NewCachedResolver(countingResolver(&calls, true), time.Minute)
	ref := schema.SubjectRef{Kind: schema.SubjectAccount, ID: "9"}

	_, err := r.Lookup(context.Background(), ref)
	require.Error(t, err)
	_, err = r.Lookup(context.Background(), ref)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestCachedResolver_Disabled(t *testing.T) {
	var calls int
	r := NewCachedResolver(countingResolver(&calls, false), 0)
	ref := schema.SubjectRef{Kind: schema.SubjectLead, ID: "3"}

	_, _ = r.Lookup(context.Background(), ref)
	_, _ = r.Lookup(context.Background(), ref)
	r.Invalidate(ref)
	assert.Equal(t, 2, calls)
}

func TestSubject_AddressAndProfile(t *testing.T) {
	s := &Subject{
		Ref:        schema.SubjectRef{Kind: schema.SubjectDeal, ID: "7"},
		Name:       "Ana",
		Phone:      "+5511999",
		Email:      "ana@example.com",
		Score:      61,
		Attributes: map[string]any{"plan": "pro"},
	}
	assert.Equal(t, "+5511999", s.Address(schema.ChannelWhatsApp))
	assert.Equal(t, "+5511999", s.Address(schema.ChannelSMS))
	assert.Equal(t, "ana@example.com", s.Address(schema.ChannelEmail))
	assert.Equal(t, "", s.Address(schema.ChannelNotification))

	p := s.Profile()
	assert.Equal(t, "deal", p["kind"])
	assert.Equal(t, 61.0, p["score"])
	p["attributes"].(map[string]any)["plan"] = "free"
	assert.Equal(t, "pro", s.Attributes["plan"])
}
