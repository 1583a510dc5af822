package schema

import (
	"fmt"
	"strings"
	"time"
)

// SubjectKind tags the entity a run is bound to.
type SubjectKind string

const (
	SubjectDeal    SubjectKind = "deal"
	SubjectLead    SubjectKind = "lead"
	SubjectAccount SubjectKind = "account"
)

// SubjectRef identifies a subject polymorphically.
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

func (s SubjectRef) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Valid reports whether both kind and id are set.
func (s SubjectRef) Valid() bool {
	return s.Kind != "" && s.ID != ""
}

// ParseSubjectRef parses the "kind:id" form produced by String.
func ParseSubjectRef(v string) (SubjectRef, error) {
	kind, id, ok := strings.Cut(v, ":")
	if !ok || kind == "" || id == "" {
		return SubjectRef{}, NewErrorf(ErrCodeValidation, "invalid subject %q, want kind:id", v)
	}
	switch SubjectKind(kind) {
	case SubjectDeal, SubjectLead, SubjectAccount:
	default:
		return SubjectRef{}, NewErrorf(ErrCodeValidation, "unknown subject kind %q", kind)
	}
	return SubjectRef{Kind: SubjectKind(kind), ID: id}, nil
}

// Signal is one qualifying fact returned by a signal feed: the subject it is
// about, when it happened, and the raw attributes used by trigger filters.
type Signal struct {
	Subject    SubjectRef     `json:"subject"`
	Tenant     string         `json:"tenant,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// InboundReply reports that a subject answered on some channel.
type InboundReply struct {
	Subject    SubjectRef `json:"subject"`
	Channel    Channel    `json:"channel,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
}

func (r InboundReply) String() string {
	return fmt.Sprintf("reply from %s via %s", r.Subject, r.Channel)
}
