package crm

import (
	"context"
	"net/url"

	"github.com/rendis/cadence/internal/actions"
	"github.com/rendis/cadence/internal/subjects"
	"github.com/rendis/cadence/pkg/schema"
)

var (
	_ actions.MessagingGateway  = (*Messaging)(nil)
	_ actions.EmailGateway      = (*Email)(nil)
	_ actions.NotificationSink  = (*Client)(nil)
	_ actions.SurveyIssuer      = (*Client)(nil)
	_ actions.ScoreRecalculator = (*Client)(nil)
	_ actions.RecordFactory     = (*Client)(nil)
	_ actions.RoleDirectory     = (*Client)(nil)
	_ subjects.Resolver         = (*Client)(nil)
)

// idResponse is returned by every create endpoint.
type idResponse struct {
	ID string `json:"id"`
}

type subjectBody struct {
	Kind schema.SubjectKind `json:"kind"`
	ID   string             `json:"id"`
}

func bodyOf(ref schema.SubjectRef) subjectBody {
	return subjectBody{Kind: ref.Kind, ID: ref.ID}
}

// Lookup fetches a subject profile.
func (c *Client) Lookup(ctx context.Context, ref schema.SubjectRef) (*subjects.Subject, error) {
	var s subjects.Subject
	if err := c.do(ctx, "GET", subjectPath(ref), nil, nil, &s); err != nil {
		return nil, err
	}
	if !s.Ref.Valid() {
		s.Ref = ref
	}
	return &s, nil
}

// Messaging is the messaging gateway view of a Client. Its Send differs
// from the email one, so it gets its own type.
type Messaging struct{ c *Client }

// Messaging returns the WhatsApp and SMS gateway.
func (c *Client) Messaging() *Messaging { return &Messaging{c: c} }

// Send posts a rendered message and returns the provider message id.
func (m *Messaging) Send(ctx context.Context, msg actions.OutboundMessage) (string, error) {
	var out idResponse
	err := m.c.do(ctx, "POST", "/messages", nil, map[string]any{
		"channel":  msg.Channel,
		"to":       msg.To,
		"body":     msg.Body,
		"template": msg.Template,
		"subject":  bodyOf(msg.Subject),
	}, &out)
	return out.ID, err
}

// Email is the email gateway view of a Client.
type Email struct{ c *Client }

// Email returns the email gateway.
func (c *Client) Email() *Email { return &Email{c: c} }

// Send posts a rendered email.
func (e *Email) Send(ctx context.Context, email actions.OutboundEmail) error {
	return e.c.do(ctx, "POST", "/emails", nil, map[string]any{
		"to":       email.To,
		"subject":  email.Subject,
		"body":     email.Body,
		"template": email.Template,
		"ref":      bodyOf(email.Ref),
	}, nil)
}

// Raise creates an in-app notification for userID.
func (c *Client) Raise(ctx context.Context, userID string, n actions.Notification) error {
	return c.do(ctx, "POST", "/users/"+url.PathEscape(userID)+"/notifications", nil, n, nil)
}

// Request issues a survey of kind to subject.
func (c *Client) Request(ctx context.Context, subject schema.SubjectRef, kind string) error {
	return c.do(ctx, "POST", subjectPath(subject)+"/surveys", nil, map[string]string{"kind": kind}, nil)
}

// Recompute asks the CRM to refresh subject's score and health.
func (c *Client) Recompute(ctx context.Context, subject schema.SubjectRef) error {
	return c.do(ctx, "POST", subjectPath(subject)+"/score/recompute", nil, nil, nil)
}

// CreateFollowup creates a follow-up record and returns its id.
func (c *Client) CreateFollowup(ctx context.Context, req actions.FollowupRequest) (string, error) {
	var out idResponse
	err := c.do(ctx, "POST", "/records", nil, map[string]any{
		"subject":  bodyOf(req.Subject),
		"tenant":   req.Tenant,
		"owner_id": req.OwnerID,
		"pipeline": req.Pipeline,
		"stage":    req.Stage,
		"title":    req.Title,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", schema.NewError(schema.ErrCodeDispatch, "crm created a record without an id")
	}
	return out.ID, nil
}

// UsersWithRole lists the users holding role in tenant.
func (c *Client) UsersWithRole(ctx context.Context, tenant, role string) ([]string, error) {
	var out struct {
		Users []string `json:"users"`
	}
	path := "/tenants/" + url.PathEscape(tenant) + "/roles/" + url.PathEscape(role) + "/users"
	if err := c.do(ctx, "GET", path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Collaborators returns the dispatcher collaborators backed by c. Templates
// are rendered locally, so the renderer is passed in.
func (c *Client) Collaborators(templates actions.TemplateRenderer, resolver subjects.Resolver) actions.Collaborators {
	if resolver == nil {
		resolver = c
	}
	return actions.Collaborators{
		Templates:     templates,
		Messaging:     c.Messaging(),
		Email:         c.Email(),
		Notifications: c,
		Surveys:       c,
		Scores:        c,
		Records:       c,
		Roles:         c,
		Subjects:      resolver,
	}
}
