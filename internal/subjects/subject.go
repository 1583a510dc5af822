// Package subjects resolves the business entity a run is bound to.
package subjects

import (
	"context"

	"github.com/rendis/cadence/pkg/schema"
)

// Health levels reported for accounts.
const (
	HealthHealthy  = "healthy"
	HealthAtRisk   = "at_risk"
	HealthCritical = "critical"
)

// Subject is the resolved view of a deal, lead or account.
type Subject struct {
	Ref     schema.SubjectRef `json:"ref"`
	Name    string            `json:"name"`
	Tenant  string            `json:"tenant"`
	OwnerID string            `json:"owner_id,omitempty"`
	Phone   string            `json:"phone,omitempty"`
	Email   string            `json:"email,omitempty"`
	Score   float64           `json:"score"`
	Health  string            `json:"health,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// Address returns the subject's reachable address on channel, or "".
func (s *Subject) Address(ch schema.Channel) string {
	switch {
	case ch == schema.ChannelEmail:
		return s.Email
	case ch.Messaging():
		return s.Phone
	}
	return ""
}

// Profile flattens the subject into the map seen by filters, predicates
// and templates.
func (s *Subject) Profile() map[string]any {
	attrs := make(map[string]any, len(s.Attributes))
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"kind":       string(s.Ref.Kind),
		"id":         s.Ref.ID,
		"name":       s.Name,
		"tenant":     s.Tenant,
		"owner_id":   s.OwnerID,
		"phone":      s.Phone,
		"email":      s.Email,
		"score":      s.Score,
		"health":     s.Health,
		"attributes": attrs,
	}
}

// Resolver looks up a subject by reference.
type Resolver interface {
	Lookup(ctx context.Context, ref schema.SubjectRef) (*Subject, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref schema.SubjectRef) (*Subject, error)

func (f ResolverFunc) Lookup(ctx context.Context, ref schema.SubjectRef) (*Subject, error) {
	return f(ctx, ref)
}
