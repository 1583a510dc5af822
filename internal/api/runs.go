package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	Definition string `json:"definition"`
	Subject    string `json:"subject"`
}

// CancelRunRequest is the optional body of POST /runs/:id/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason"`
}

// InboundReplyRequest is the body of POST /replies.
type InboundReplyRequest struct {
	Subject string         `json:"subject"`
	Channel schema.Channel `json:"channel"`
}

// RunsResponse wraps a run listing.
type RunsResponse struct {
	Runs []*store.Run `json:"runs"`
}

// StartRun enrolls a subject into a definition
// (POST /api/v1/runs)
func (s *Server) StartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Definition == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition is required")
	}
	subject, err := schema.ParseSubjectRef(req.Subject)
	if err != nil {
		return err
	}

	run, err := s.engine.StartManualRun(c.Request().Context(), req.Definition, subject)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, run)
}

// ListRuns returns runs, newest first
// (GET /api/v1/runs?subject=&definition=&status=&limit=&offset=)
func (s *Server) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	filter := store.RunFilter{
		DefinitionCode: c.QueryParam("definition"),
		Status:         schema.RunStatus(c.QueryParam("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", filter.Status)
	}
	if raw := c.QueryParam("subject"); raw != "" {
		subject, err := schema.ParseSubjectRef(raw)
		if err != nil {
			return err
		}
		filter.Subject = &subject
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit", defaultListLimit); err != nil {
		return err
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, err = queryInt(c, "offset", 0); err != nil {
		return err
	}

	runs, err := s.engine.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

// SubjectRuns returns every run of one subject
// (GET /api/v1/subjects/:subject/runs)
func (s *Server) SubjectRuns(c echo.Context) error {
	subject, err := schema.ParseSubjectRef(c.Param("subject"))
	if err != nil {
		return err
	}
	runs, err := s.engine.ListRunsForSubject(c.Request().Context(), subject)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

// GetRun returns one run
// (GET /api/v1/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.engine.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// GetHistory returns the audit trail of a run
// (GET /api/v1/runs/:id/events)
func (s *Server) GetHistory(c echo.Context) error {
	hist, err := s.engine.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hist)
}

// PauseRun pauses an active run
// (POST /api/v1/runs/:id/pause)
func (s *Server) PauseRun(c echo.Context) error {
	run, err := s.engine.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ResumeRun resumes a paused run
// (POST /api/v1/runs/:id/resume)
func (s *Server) ResumeRun(c echo.Context) error {
	run, err := s.engine.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels an open run
// (POST /api/v1/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	var req CancelRunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}
	run, err := s.engine.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// InboundReply reports that a subject answered
// (POST /api/v1/replies)
func (s *Server) InboundReply(c echo.Context) error {
	var req InboundReplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	subject, err := schema.ParseSubjectRef(req.Subject)
	if err != nil {
		return err
	}

	cancelled, err := s.engine.HandleInboundReply(c.Request().Context(), schema.InboundReply{
		Subject:    subject,
		Channel:    req.Channel,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return err
	}
	if cancelled == nil {
		cancelled = []*store.Run{}
	}
	return c.JSON(http.StatusOK, map[string]any{"cancelled": cancelled})
}

// ListDefinitions returns the loaded definitions
// (GET /api/v1/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	if s.definitions == nil {
		return c.JSON(http.StatusOK, []*schema.WorkflowDefinition{})
	}
	defs := s.definitions.Definitions()
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// SchedulerEntries returns the scheduler jobs with their next fire time
// (GET /api/v1/scheduler)
func (s *Server) SchedulerEntries(c echo.Context) error {
	if s.schedule == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scheduler not running")
	}
	return c.JSON(http.StatusOK, s.schedule.Entries(s.now()))
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a non-negative integer", name)
	}
	return n, nil
}
