package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/auth"
	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/ledger"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
	"github.com/computor-org/computor-fullstack-sub002/internal/secrets"
)

// ReconcileRequest is the request body for POST /api/v1/reconciliations.
type ReconcileRequest struct {
	NodePath string `json:"node_path"`
	Force    bool   `json:"force"`
}

// RenameRequest is the request body for PUT /api/v1/nodes/:node_path/title.
type RenameRequest struct {
	Title string `json:"title"`
}

// MoveRequest is the request body for POST /api/v1/nodes/:node_path/move.
type MoveRequest struct {
	NewParentPath string `json:"new_parent_path"`
}

// ReleaseRequest is the request body for POST /api/v1/courses/:course_id/releases.
type ReleaseRequest struct {
	CommitMessage string `json:"commit_message"`
}

// AssignRequest is the request body for PUT /api/v1/contents/:content_id/assignment.
type AssignRequest struct {
	ExampleID string `json:"example_id"`
	Version   string `json:"version"`
}

// SubmitResponse is returned for accepted submissions.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// ErrorResponse is the body of every error. RunID is set when a submission
// conflicts with an active run.
type ErrorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}

// HistoryResponse is the response body for GET /api/v1/deployments/:deployment_id/history.
type HistoryResponse struct {
	DeploymentID uuid.UUID      `json:"deployment_id"`
	Entries      []ledger.Entry `json:"entries"`
}

func (s *Server) handleSubmitReconciliation(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req ReconcileRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.NodePath == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "node_path field is required"})
	}

	runID, err := s.runs.SubmitReconciliation(c.Request().Context(), p, req.NodePath, req.Force)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: runID})
}

func (s *Server) handleSubmitRename(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req RenameRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Title == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "title field is required"})
	}

	runID, err := s.runs.SubmitRename(c.Request().Context(), p, c.Param("node_path"), req.Title)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: runID})
}

func (s *Server) handleSubmitReparent(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.fail(c, err)
	}
	var req MoveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.NewParentPath == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "new_parent_path field is required"})
	}

	runID, err := s.runs.SubmitReparent(c.Request().Context(), p, c.Param("node_path"), req.NewParentPath)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: runID})
}

func (s *Server) handleSubmitRelease(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.fail(c, err)
	}
	courseID, err := uuid.Parse(c.Param("course_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid course id"})
	}
	var req ReleaseRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		}
	}

	runID, err := s.runs.SubmitRelease(c.Request().Context(), p, courseID, req.CommitMessage)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: runID})
}

func (s *Server) handleGetRun(c echo.Context) error {
	status, err := s.runs.GetRunStatus(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// handleListRuns accepts kind, status, key, active and limit query parameters.
func (s *Server) handleListRuns(c echo.Context) error {
	f := runs.ListFilter{
		Kind:   runs.Kind(c.QueryParam("kind")),
		Status: runs.Status(c.QueryParam("status")),
		Key:    c.QueryParam("key"),
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid active parameter"})
		}
		f.Active = active
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit parameter"})
		}
		f.Limit = limit
	}

	list, err := s.runs.ListRuns(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.fail(c, err)
	}
	runID := c.Param("run_id")
	if err := s.runs.Cancel(c.Request().Context(), p, runID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: runID})
}

func (s *Server) handleAssign(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return s.fail(c, err)
	}
	contentID, err := uuid.Parse(c.Param("content_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid content id"})
	}
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.ExampleID == "" || req.Version == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "example_id and version fields are required"})
	}

	d, err := s.deployments.Assign(c.Request().Context(), p, contentID, req.ExampleID, req.Version)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleGetContentDeployment(c echo.Context) error {
	contentID, err := uuid.Parse(c.Param("content_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid content id"})
	}
	d, err := s.deployments.GetByContent(c.Request().Context(), contentID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleHistory(c echo.Context) error {
	deploymentID, err := uuid.Parse(c.Param("deployment_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid deployment id"})
	}
	ctx := c.Request().Context()
	if _, err := s.deployments.Get(ctx, deploymentID); err != nil {
		return s.fail(c, err)
	}
	entries, err := s.deployments.History(ctx, deploymentID)
	if err != nil {
		return s.fail(c, err)
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{DeploymentID: deploymentID, Entries: entries})
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.FromEcho(c)
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	return p, nil
}

// fail writes the response for err. Unexpected errors are logged and
// reported without detail.
func (s *Server) fail(c echo.Context, err error) error {
	if runID, ok := runs.ExistingRun(err); ok {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: secrets.Scrub(err.Error()), RunID: runID})
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("route", c.Path()),
			zap.Error(err),
		)
		return c.JSON(status, ErrorResponse{Error: "internal error"})
	}
	return c.JSON(status, ErrorResponse{Error: secrets.Scrub(err.Error())})
}

func statusFor(err error) int {
	var invalidPath *pathmap.InvalidPathError
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, runs.ErrNotFound),
		errors.Is(err, deployment.ErrNotFound),
		errors.Is(err, hierarchy.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalidPath):
		return http.StatusBadRequest
	case errors.Is(err, deployment.ErrNotSubmittable),
		errors.Is(err, hierarchy.ErrInvalidParent),
		errors.Is(err, hierarchy.ErrInvalidDirectory),
		errors.Is(err, hierarchy.ErrInvalidTitle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runs.ErrFinished),
		errors.Is(err, deployment.ErrStaleState),
		errors.Is(err, deployment.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
