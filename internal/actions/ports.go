package actions

import (
	"context"

	"github.com/rendis/cadence/internal/catalog"
	"github.com/rendis/cadence/internal/expressions"
	"github.com/rendis/cadence/pkg/schema"
)

// TemplateRenderer renders a catalog template for a channel. It must fail
// with TEMPLATE_UNAPPROVED when the template cannot be sent there.
// *catalog.Catalog implements it.
type TemplateRenderer interface {
	Render(ctx context.Context, ref string, channel schema.Channel, scope *expressions.Scope) (catalog.Content, error)
}

// OutboundMessage is a rendered WhatsApp or SMS message.
type OutboundMessage struct {
	Channel  schema.Channel
	To       string
	Body     string
	Template string
	Subject  schema.SubjectRef
}

// MessagingGateway delivers messages on messaging channels and returns the
// provider's message id.
type MessagingGateway interface {
	Send(ctx context.Context, msg OutboundMessage) (string, error)
}

// OutboundEmail is a rendered email.
type OutboundEmail struct {
	To       string
	Subject  string
	Body     string
	Template string
	Ref      schema.SubjectRef
}

// EmailGateway delivers email.
type EmailGateway interface {
	Send(ctx context.Context, email OutboundEmail) error
}

// Notification kinds.
const (
	NotificationStep       = "step"
	NotificationEscalation = "escalation"
)

// Notification is an in-app notification payload.
type Notification struct {
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Subject    schema.SubjectRef `json:"subject"`
	RunID      string            `json:"run_id,omitempty"`
	Definition string            `json:"definition,omitempty"`
	RecordID   string            `json:"record_id,omitempty"`
}

// NotificationSink raises in-app notifications for a user.
type NotificationSink interface {
	Raise(ctx context.Context, userID string, n Notification) error
}

// SurveyIssuer sends a survey of the given kind to a subject.
type SurveyIssuer interface {
	Request(ctx context.Context, subject schema.SubjectRef, kind string) error
}

// ScoreRecalculator refreshes a subject's derived score and health.
type ScoreRecalculator interface {
	Recompute(ctx context.Context, subject schema.SubjectRef) error
}

// FollowupRequest describes the record create_followup_record asks for.
// An empty Stage means the first open stage of Pipeline.
type FollowupRequest struct {
	Subject  schema.SubjectRef
	Tenant   string
	OwnerID  string
	Pipeline string
	Stage    string
	Title    string
}

// RecordFactory creates follow-up business records and returns the new
// record id. It returns NO_DESTINATION when the pipeline or stage cannot
// be resolved.
type RecordFactory interface {
	CreateFollowup(ctx context.Context, req FollowupRequest) (string, error)
}

// RoleDirectory lists the users holding a role within a tenant.
type RoleDirectory interface {
	UsersWithRole(ctx context.Context, tenant, role string) ([]string, error)
}
