// Package api contains the HTTP handlers for the run lifecycle.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/cadence/internal/scheduler"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/internal/streaming"
	"github.com/rendis/cadence/pkg/schema"
)

// Service is the engine surface the API serves. Satisfied by *engine.Engine.
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

// Definitions lists and looks up the loaded workflow definitions.
type Definitions interface {
	Definitions() []*schema.WorkflowDefinition
	Definition(code string) (*schema.WorkflowDefinition, bool)
}

// Schedule reports the scheduler's jobs.
type Schedule interface {
	Entries(now time.Time) []scheduler.Entry
}

// Deps holds the dependencies for creating a Server.
type Deps struct {
	Engine      Service
	Definitions Definitions
	Schedule    Schedule
	// Hub feeds live events to /runs/:id/stream. Without it the stream
	// replays the stored history and closes.
	Hub    streaming.EventHub
	Logger *slog.Logger
	Clock  func() time.Time
}

// Server holds the dependencies for the API server.
type Server struct {
	engine      Service
	definitions Definitions
	schedule    Schedule
	hub         streaming.EventHub
	logger      *slog.Logger
	now         func() time.Time
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	s := &Server{
		engine:      deps.Engine,
		definitions: deps.Definitions,
		schedule:    deps.Schedule,
		hub:         deps.Hub,
		logger:      deps.Logger,
		now:         deps.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// NewEcho builds an echo instance with middleware and the API mounted
// under /api/v1. Extra handlers such as the MCP transport can be added by
// the caller.
func (s *Server) NewEcho(serviceName string) *echo.Echo {
	if serviceName == "" {
		serviceName = "cadence"
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(s.requestLogger())

	e.GET("/healthz", s.Health)
	s.Register(e.Group("/api/v1"))
	return e
}

// Register mounts the API handlers on g.
func (s *Server) Register(g *echo.Group) {
	g.POST("/runs", s.StartRun)
	g.GET("/runs", s.ListRuns)
	g.GET("/runs/:id", s.GetRun)
	g.GET("/runs/:id/events", s.GetHistory)
	g.GET("/runs/:id/stream", s.StreamRun)
	g.POST("/runs/:id/pause", s.PauseRun)
	g.POST("/runs/:id/resume", s.ResumeRun)
	g.POST("/runs/:id/cancel", s.CancelRun)
	g.GET("/subjects/:subject/runs", s.SubjectRuns)
	g.POST("/replies", s.InboundReply)
	g.GET("/definitions", s.ListDefinitions)
	g.GET("/definitions/:code/diagram", s.DefinitionDiagram)
	g.GET("/scheduler", s.SchedulerEntries)
}

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request through slog.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			s.logger.LogAttrs(req.Context(), slog.LevelDebug, "http request",
				slog.String("method", req.Method),
				slog.String("path", c.Path()),
				slog.Int("status", c.Response().Status),
				slog.Duration("elapsed", time.Since(start)),
			)
			return nil
		}
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	RunID   string         `json:"run_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// errorHandler renders CadenceErrors with their code and echo errors with
// their status.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: err.Error()}

	var ce *schema.CadenceError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ce):
		status = StatusFor(ce.Code)
		body = errorBody{Code: ce.Code, Message: ce.Message, RunID: ce.RunID, Details: ce.Details}
	case errors.As(err, &he):
		status = he.Code
		body = errorBody{Code: http.StatusText(he.Code), Message: errorMessage(he)}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.Path()), slog.String("error", err.Error()))
	}
	if err := c.JSON(status, body); err != nil {
		s.logger.Warn("write error response", slog.String("error", err.Error()))
	}
}

func errorMessage(he *echo.HTTPError) string {
	if m, ok := he.Message.(string); ok {
		return m
	}
	return http.StatusText(he.Code)
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeTemplateUnapproved, schema.ErrCodeExpression:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
