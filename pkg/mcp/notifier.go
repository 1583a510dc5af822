package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cadence/internal/actions"
)

// MCPNotifier raises in-app notifications by pushing them to the session of
// the target user.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	fallback  actions.NotificationSink
}

var _ actions.NotificationSink = (*MCPNotifier)(nil)

// NewMCPNotifier creates a notifier that pushes via MCP. When fallback is
// non-nil, notifications for users without a session go there instead.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, fallback actions.NotificationSink) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, fallback: fallback}
}

// Raise sends n to the user's session.
// Best-effort: returns nil if the user is not connected and there is no fallback.
func (n *MCPNotifier) Raise(ctx context.Context, userID string, note actions.Notification) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return n.fallbackRaise(ctx, userID, note)
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "cadence",
		"data":   notificationPayload(userID, note),
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return n.fallbackRaise(ctx, userID, note)
	}
	return err
}

func (n *MCPNotifier) fallbackRaise(ctx context.Context, userID string, note actions.Notification) error {
	if n.fallback == nil {
		return nil
	}
	return n.fallback.Raise(ctx, userID, note)
}

func notificationPayload(userID string, note actions.Notification) map[string]any {
	p := map[string]any{
		"user_id": userID,
		"kind":    note.Kind,
		"message": note.Message,
		"subject": note.Subject.String(),
	}
	if note.RunID != "" {
		p["run_id"] = note.RunID
	}
	if note.Definition != "" {
		p["definition"] = note.Definition
	}
	if note.RecordID != "" {
		p["record_id"] = note.RecordID
	}
	return p
}
