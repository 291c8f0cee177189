package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/notify"
)

// eventSnapshot is the first SSE event of every stream.
const eventSnapshot = "snapshot"

// handleRunEvents streams the events of one run as server-sent events. The
// stream opens with the current status and ends after the run finishes.
func (s *Server) handleRunEvents(c echo.Context) error {
	if s.nc == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "run events are not available"})
	}
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	// Subscribe before reading the snapshot so no transition falls between them.
	w, err := notify.Subscribe(s.nc, s.config.SubjectPrefix, runID)
	if err != nil {
		return s.fail(c, err)
	}
	defer func() {
		_ = w.Close()
	}()

	status, err := s.runs.GetRunStatus(ctx, runID)
	if err != nil {
		return s.fail(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, eventSnapshot, status); err != nil {
		return nil
	}
	if status.Status.Terminal() {
		return nil
	}

	for {
		e, ok, err := w.Next(ctx, s.config.Heartbeat)
		if err != nil {
			// Client disconnected.
			return nil
		}
		if !ok {
			fmt.Fprint(res, ": heartbeat\n\n")
			res.Flush()
			continue
		}
		if err := writeEvent(res, e.Type, e); err != nil {
			s.logger.Debug(ctx, "run event stream closed", zap.String("run_id", runID), zap.Error(err))
			return nil
		}
		if e.Terminal() {
			return nil
		}
	}
}

func writeEvent(res *echo.Response, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
