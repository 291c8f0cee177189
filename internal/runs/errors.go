package runs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown run id.
	ErrNotFound = errors.New("run not found")

	// ErrFinished is returned when cancelling a run that already ended.
	ErrFinished = errors.New("run already finished")

	// ErrAlreadyStarted is returned by a Starter when the durable workflow id is taken.
	ErrAlreadyStarted = errors.New("workflow already started")
)

// DeploymentConflictError rejects a release submission while another release
// of the same course is active.
type DeploymentConflictError struct {
	CourseID      string
	ExistingRunID string
}

func (e *DeploymentConflictError) Error() string {
	return fmt.Sprintf("release of course %s already in flight as run %s", e.CourseID, e.ExistingRunID)
}

// RunInFlightError rejects a reconciliation, rename or move while another
// run on the same node path, or a move of a node above or below it, is active.
type RunInFlightError struct {
	NodePath      string
	ExistingRunID string
}

func (e *RunInFlightError) Error() string {
	return fmt.Sprintf("run on %q already in flight as run %s", e.NodePath, e.ExistingRunID)
}

// ExistingRun returns the id of the active run err reports, if any.
func ExistingRun(err error) (string, bool) {
	var dc *DeploymentConflictError
	if errors.As(err, &dc) {
		return dc.ExistingRunID, true
	}
	var rif *RunInFlightError
	if errors.As(err, &rif) {
		return rif.ExistingRunID, true
	}
	return "", false
}
