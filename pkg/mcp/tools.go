package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

const defaultRunsLimit = 50

// runStatus is the cadence.status payload.
type runStatus struct {
	Run     *store.Run     `json:"run"`
	History *store.History `json:"history"`
}

// handleStart enrolls a subject into a definition on user request.
func (s *CadenceServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	subject, res := requireSubject(req)
	if res != nil {
		return res, nil
	}
	s.captureSession(ctx, req.GetString("user_id", ""))

	run, err := s.engine.StartManualRun(ctx, code, subject)
	if err != nil {
		return toolError(err), nil
	}
	s.logger.Info("run started from tool", "run_id", run.ID, "definition", code, "subject", subject.String())
	return marshalResult(run)
}

func (s *CadenceServer) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.lifecycle(ctx, req, func(runID string) (*store.Run, error) {
		return s.engine.Pause(ctx, runID)
	})
}

func (s *CadenceServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.lifecycle(ctx, req, func(runID string) (*store.Run, error) {
		return s.engine.Resume(ctx, runID)
	})
}

func (s *CadenceServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")
	return s.lifecycle(ctx, req, func(runID string) (*store.Run, error) {
		return s.engine.Cancel(ctx, runID, reason)
	})
}

func (s *CadenceServer) lifecycle(ctx context.Context, req mcp.CallToolRequest, op func(runID string) (*store.Run, error)) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("user_id", ""))

	run, err := op(runID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(run)
}

// handleRuns lists runs. A bare subject filter goes through
// ListRunsForSubject, which is what the CRM shows on the record.
func (s *CadenceServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.captureSession(ctx, req.GetString("user_id", ""))

	filter := store.RunFilter{
		DefinitionCode: req.GetString("definition", ""),
		Status:         schema.RunStatus(req.GetString("status", "")),
		Limit:          extractInt(req.GetArguments(), "limit", defaultRunsLimit),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("%s: unknown status %q", schema.ErrCodeValidation, filter.Status)), nil
	}
	if raw := req.GetString("subject", ""); raw != "" {
		subject, err := schema.ParseSubjectRef(raw)
		if err != nil {
			return toolError(err), nil
		}
		filter.Subject = &subject
	}

	var runs []*store.Run
	var err error
	if filter.Subject != nil && filter.DefinitionCode == "" && filter.Status == "" {
		runs, err = s.engine.ListRunsForSubject(ctx, *filter.Subject)
		if len(runs) > filter.Limit && filter.Limit > 0 {
			runs = runs[:filter.Limit]
		}
	} else {
		runs, err = s.engine.ListRuns(ctx, filter)
	}
	if err != nil {
		return toolError(err), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(runs)
}

// handleStatus returns one run with its replayed audit trail.
func (s *CadenceServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("user_id", ""))

	run, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	hist, err := s.engine.History(ctx, runID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(runStatus{Run: run, History: hist})
}

// handleReply routes an inbound reply to the lifecycle controller and
// returns the runs it cancelled.
func (s *CadenceServer) handleReply(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subject, res := requireSubject(req)
	if res != nil {
		return res, nil
	}
	s.captureSession(ctx, req.GetString("user_id", ""))

	cancelled, err := s.engine.HandleInboundReply(ctx, schema.InboundReply{
		Subject:    subject,
		Channel:    schema.Channel(req.GetString("channel", "")),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return toolError(err), nil
	}
	if cancelled == nil {
		cancelled = []*store.Run{}
	}
	return marshalResult(map[string]any{"cancelled": cancelled})
}

func requireSubject(req mcp.CallToolRequest) (schema.SubjectRef, *mcp.CallToolResult) {
	raw, err := req.RequireString("subject")
	if err != nil {
		return schema.SubjectRef{}, mcp.NewToolResultError("subject is required")
	}
	subject, err := schema.ParseSubjectRef(raw)
	if err != nil {
		return schema.SubjectRef{}, toolError(err)
	}
	return subject, nil
}

// toolError renders err as "CODE: message" so agents can branch on the code.
func toolError(err error) *mcp.CallToolResult {
	var ce *schema.CadenceError
	if errors.As(err, &ce) {
		return mcp.NewToolResultError(ce.Code + ": " + ce.Message)
	}
	return mcp.NewToolResultError(err.Error())
}

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *CadenceServer) captureSession(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
