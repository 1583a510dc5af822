package crm

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/cadence/internal/actions"
	"github.com/rendis/cadence/internal/subjects"
	"github.com/rendis/cadence/pkg/schema"
)

// DryRun logs every outbound action instead of performing it. It lets the
// runner be exercised against a catalog with no CRM attached.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun creates a DryRun that logs through logger.
func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger}
}

type dryMessaging struct{ d *DryRun }

func (m dryMessaging) Send(ctx context.Context, msg actions.OutboundMessage) (string, error) {
	id := "dry-" + uuid.NewString()
	m.d.logger.InfoContext(ctx, "dry run: message",
		slog.String("channel", string(msg.Channel)),
		slog.String("to", msg.To),
		slog.String("template", msg.Template),
		slog.String("subject", msg.Subject.String()),
		slog.String("message_id", id),
	)
	return id, nil
}

type dryEmail struct{ d *DryRun }

func (e dryEmail) Send(ctx context.Context, email actions.OutboundEmail) error {
	e.d.logger.InfoContext(ctx, "dry run: email",
		slog.String("to", email.To),
		slog.String("email_subject", email.Subject),
		slog.String("template", email.Template),
		slog.String("subject", email.Ref.String()),
	)
	return nil
}

// Raise implements actions.NotificationSink.
func (d *DryRun) Raise(ctx context.Context, userID string, n actions.Notification) error {
	d.logger.InfoContext(ctx, "dry run: notification",
		slog.String("user_id", userID),
		slog.String("kind", n.Kind),
		slog.String("message", n.Message),
		slog.String("subject", n.Subject.String()),
	)
	return nil
}

// Request implements actions.SurveyIssuer.
func (d *DryRun) Request(ctx context.Context, subject schema.SubjectRef, kind string) error {
	d.logger.InfoContext(ctx, "dry run: survey", slog.String("subject", subject.String()), slog.String("kind", kind))
	return nil
}

// Recompute implements actions.ScoreRecalculator.
func (d *DryRun) Recompute(ctx context.Context, subject schema.SubjectRef) error {
	d.logger.InfoContext(ctx, "dry run: recompute score", slog.String("subject", subject.String()))
	return nil
}

// CreateFollowup implements actions.RecordFactory.
func (d *DryRun) CreateFollowup(ctx context.Context, req actions.FollowupRequest) (string, error) {
	id := "dry-" + uuid.NewString()
	d.logger.InfoContext(ctx, "dry run: followup record",
		slog.String("subject", req.Subject.String()),
		slog.String("pipeline", req.Pipeline),
		slog.String("stage", req.Stage),
		slog.String("record_id", id),
	)
	return id, nil
}

// UsersWithRole implements actions.RoleDirectory. Nobody holds a role.
func (d *DryRun) UsersWithRole(context.Context, string, string) ([]string, error) {
	return nil, nil
}

// Lookup implements subjects.Resolver with a synthetic profile that is
// reachable on every channel.
func (d *DryRun) Lookup(_ context.Context, ref schema.SubjectRef) (*subjects.Subject, error) {
	return &subjects.Subject{
		Ref:     ref,
		Name:    string(ref.Kind) + " " + ref.ID,
		OwnerID: "owner-" + ref.ID,
		Phone:   "+10000000000",
		Email:   ref.ID + "@example.invalid",
	}, nil
}

// Collaborators returns dispatcher collaborators that only log.
func (d *DryRun) Collaborators(templates actions.TemplateRenderer, resolver subjects.Resolver) actions.Collaborators {
	if resolver == nil {
		resolver = d
	}
	return actions.Collaborators{
		Templates:     templates,
		Messaging:     dryMessaging{d},
		Email:         dryEmail{d},
		Notifications: d,
		Surveys:       d,
		Scores:        d,
		Records:       d,
		Roles:         d,
		Subjects:      resolver,
	}
}
