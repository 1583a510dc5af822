package actions

import (
	"context"
	"sync"

	"github.com/rendis/cadence/internal/catalog"
	"github.com/rendis/cadence/internal/expressions"
	"github.com/rendis/cadence/internal/subjects"
	"github.com/rendis/cadence/pkg/schema"
)

// recorder collects every outbound call made by the dispatcher under test.
type recorder struct {
	mu sync.Mutex

	messages      []OutboundMessage
	emails        []OutboundEmail
	notifications map[string][]Notification
	surveys       []string
	recomputed    []schema.SubjectRef
	followups     []FollowupRequest
	invalidated   []schema.SubjectRef

	sendErr  error
	block    chan struct{} // when set, Send waits on it
	panicMsg string
	roles    map[string][]string
}

func newRecorder() *recorder {
	return &recorder{
		notifications: make(map[string][]Notification),
		roles:         map[string][]string{schema.DefaultEscalateRole: {"mgr-1", "mgr-2"}},
	}
}

func (r *recorder) collaborators(subject *subjects.Subject) Collaborators {
	return Collaborators{
		Templates:     templatesFunc(renderTemplate),
		Messaging:     messagingFunc(r.sendMessage),
		Email:         emailFunc(r.sendEmail),
		Notifications: r,
		Surveys:       r,
		Scores:        r,
		Records:       r,
		Roles:         r,
		Subjects:      &staticResolver{subject: subject, rec: r},
	}
}

func (r *recorder) sendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.block != nil {
		<-r.block
	}
	if r.sendErr != nil {
		return "", r.sendErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return "wamid-1", nil
}

func (r *recorder) sendEmail(_ context.Context, email OutboundEmail) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, email)
	return nil
}

func (r *recorder) Raise(_ context.Context, userID string, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[userID] = append(r.notifications[userID], n)
	return nil
}

func (r *recorder) Request(_ context.Context, _ schema.SubjectRef, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surveys = append(r.surveys, kind)
	return nil
}

func (r *recorder) Recompute(_ context.Context, subject schema.SubjectRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputed = append(r.recomputed, subject)
	return nil
}

func (r *recorder) CreateFollowup(_ context.Context, req FollowupRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.followups = append(r.followups, req)
	return "opp-42", nil
}

func (r *recorder) UsersWithRole(_ context.Context, _, role string) ([]string, error) {
	return r.roles[role], nil
}

type staticResolver struct {
	subject *subjects.Subject
	rec     *recorder
}

func (s *staticResolver) Lookup(_ context.Context, ref schema.SubjectRef) (*subjects.Subject, error) {
	if s.subject == nil || s.subject.Ref != ref {
		return nil, nil
	}
	return s.subject, nil
}

func (s *staticResolver) Invalidate(ref schema.SubjectRef) {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	s.rec.invalidated = append(s.rec.invalidated, ref)
}

type templatesFunc func(ctx context.Context, ref string, channel schema.Channel, scope *expressions.Scope) (catalog.Content, error)

func (f templatesFunc) Render(ctx context.Context, ref string, channel schema.Channel, scope *expressions.Scope) (catalog.Content, error) {
	return f(ctx, ref, channel, scope)
}

type messagingFunc func(ctx context.Context, msg OutboundMessage) (string, error)

func (f messagingFunc) Send(ctx context.Context, msg OutboundMessage) (string, error) { return f(ctx, msg) }

type emailFunc func(ctx context.Context, email OutboundEmail) error

func (f emailFunc) Send(ctx context.Context, email OutboundEmail) error { return f(ctx, email) }

var testTemplates = map[string]struct {
	channel  schema.Channel
	approved bool
	subject  string
	body     string
}{
	"welcome":   {schema.ChannelWhatsApp, true, "", "Hi ${{subject.name}}, plan ${{vars.plan}}"},
	"checkin":   {schema.ChannelEmail, true, "Checking in, ${{subject.name}}", "Step ${{run.step}} of ${{run.definition}}"},
	"draft_msg": {schema.ChannelWhatsApp, false, "", "not yet"},
}

func renderTemplate(_ context.Context, ref string, channel schema.Channel, scope *expressions.Scope) (catalog.Content, error) {
	t, ok := testTemplates[ref]
	if !ok || t.channel != channel || !t.approved {
		return catalog.Content{}, schema.NewErrorf(schema.ErrCodeTemplateUnapproved, "template %q not deliverable", ref)
	}
	interp := expressions.NewInterpolator()
	subject, err := interp.Render(t.subject, scope)
	if err != nil {
		return catalog.Content{}, err
	}
	body, err := interp.Render(t.body, scope)
	if err != nil {
		return catalog.Content{}, err
	}
	return catalog.Content{Subject: subject, Body: body}, nil
}
