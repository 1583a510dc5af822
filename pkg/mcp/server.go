package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

// Service is the engine surface exposed as tools. Satisfied by
// *engine.Engine.
type Service interface {
	StartManualRun(ctx context.Context, definitionCode string, subject schema.SubjectRef) (*store.Run, error)
	Pause(ctx context.Context, runID string) (*store.Run, error)
	Resume(ctx context.Context, runID string) (*store.Run, error)
	Cancel(ctx context.Context, runID, reason string) (*store.Run, error)
	HandleInboundReply(ctx context.Context, reply schema.InboundReply) ([]*store.Run, error)
	ListRunsForSubject(ctx context.Context, subject schema.SubjectRef) ([]*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	History(ctx context.Context, runID string) (*store.History, error)
}

// CadenceServerDeps holds the dependencies for creating a CadenceServer.
type CadenceServerDeps struct {
	Engine   Service
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// CadenceServer wraps an MCP server with the run lifecycle tools.
type CadenceServer struct {
	engine    Service
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCadenceServer creates a new CadenceServer with all tools registered.
func NewCadenceServer(deps CadenceServerDeps) *CadenceServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &CadenceServer{
		engine:   deps.Engine,
		sessions: sessions,
		logger:   logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"cadence",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Cadence runs CRM cadences and customer-success playbooks. Use cadence.start to enroll a deal, lead or account into a workflow, cadence.runs to list a subject's runs, cadence.status for one run with its audit trail, cadence.pause, cadence.resume and cadence.cancel to control a run, and cadence.reply to report that a subject answered. Subjects are written kind:id, e.g. deal:42."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CadenceServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the SSE transport for mounting under basePath.
func (s *CadenceServer) HTTPHandler(basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CadenceServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user to session registry fed by tool calls.
func (s *CadenceServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *CadenceServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: replyTool(), Handler: s.handleReply},
	}
}

// --- Tool definitions ---

func userIDOption() mcp.ToolOption {
	return mcp.WithString("user_id", mcp.Description("CRM user acting through this session; in-app notifications for that user are pushed here"))
}

func startTool() mcp.Tool {
	return mcp.NewTool("cadence.start",
		mcp.WithDescription("Enroll a subject into a workflow definition"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Code of the cadence or playbook")),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Subject as kind:id, kind one of deal, lead, account")),
		userIDOption(),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("cadence.pause",
		mcp.WithDescription("Pause an active run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		userIDOption(),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("cadence.resume",
		mcp.WithDescription("Resume a paused run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		userIDOption(),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("cadence.cancel",
		mcp.WithDescription("Cancel an active or paused run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("reason", mcp.Description("Cancellation reason (default: user)")),
		userIDOption(),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("cadence.runs",
		mcp.WithDescription("List workflow runs, newest first"),
		mcp.WithString("subject", mcp.Description("Only runs of this subject (kind:id)")),
		mcp.WithString("definition", mcp.Description("Only runs of this definition")),
		mcp.WithString("status", mcp.Enum("active", "paused", "completed", "cancelled"), mcp.Description("Only runs in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 50)")),
		userIDOption(),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cadence.status",
		mcp.WithDescription("Get a run with its audit trail"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		userIDOption(),
	)
}

func replyTool() mcp.Tool {
	return mcp.NewTool("cadence.reply",
		mcp.WithDescription("Report an inbound reply from a subject; runs waiting on a stop-on-reply step are cancelled"),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Subject as kind:id")),
		mcp.WithString("channel", mcp.Enum("whatsapp", "sms", "email"), mcp.Description("Channel the reply arrived on")),
		userIDOption(),
	)
}
