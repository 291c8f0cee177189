package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/computor-org/computor-fullstack-sub002/internal/auth"
	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	"github.com/computor-org/computor-fullstack-sub002/internal/examples"
	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/lease"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/reconcile"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
	"github.com/computor-org/computor-fullstack-sub002/internal/secrets"
)

// Error severity levels for workflow errors
type ErrorSeverity string

const (
	// ErrorSeverityCritical fails the run.
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh fails one item; the run continues.
	ErrorSeverityHigh ErrorSeverity = "high"
	// ErrorSeverityLow is logged only, e.g. a failed staging cleanup.
	ErrorSeverityLow ErrorSeverity = "low"
)

// WorkflowError represents a structured error in a workflow
type WorkflowError struct {
	Operation string        // The stage or step that failed (e.g. "stage_item", "commit")
	Severity  ErrorSeverity // How severe the error is
	Err       error         // The underlying error
	Context   string        // The node path or content directory involved
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s failed: %s (%s)", e.Operation, Message(e.Err), e.Context)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, Message(e.Err))
}

// Unwrap allows errors.Is and errors.As to work with WorkflowError
func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new workflow error with context
func NewWorkflowError(operation string, severity ErrorSeverity, err error, context string) *WorkflowError {
	return &WorkflowError{
		Operation: operation,
		Severity:  severity,
		Err:       err,
		Context:   context,
	}
}

// Application error types carried across the activity boundary.
const (
	TypePathConflict        = "PathConflictError"
	TypeInvalidPath         = "InvalidPathError"
	TypeInvalidInput        = "InvalidInputError"
	TypeParentNotReconciled = "ParentNotReconciledError"
	TypeManifestValidation  = "ManifestValidationError"
	TypeSecretsFound        = "SecretsFoundError"
	TypeStaleState          = "StaleStateError"
	TypeNotFound            = "NotFoundError"
	TypeForbidden           = "ForbiddenError"
	TypeLeaseNotHeld        = "LeaseNotHeldError"
	TypeRemoteRejected      = "RemoteRejectedError"
	TypeRunFinished         = "RunFinishedError"
	TypeRemoteUnavailable   = "RemoteUnavailableError"
	TypeRemoteRateLimited   = "RemoteRateLimitedError"
	TypeInternal            = "InternalError"
)

// NonRetryableErrorTypes lists the types the retry policy gives up on at once.
var NonRetryableErrorTypes = []string{
	TypePathConflict,
	TypeInvalidPath,
	TypeInvalidInput,
	TypeParentNotReconciled,
	TypeManifestValidation,
	TypeSecretsFound,
	TypeStaleState,
	TypeNotFound,
	TypeForbidden,
	TypeLeaseNotHeld,
	TypeRemoteRejected,
	TypeRunFinished,
}

// errorType maps err to its application error type and whether it is retryable.
func errorType(err error) (string, bool) {
	var (
		conflict *pathmap.PathConflictError
		invalid  *pathmap.InvalidPathError
		parent   *reconcile.ParentNotReconciledError
		manifest *examples.ManifestValidationError
		leaked   *deployment.SecretsFoundError
		rejected *remote.RejectedError
		limited  *remote.RemoteRateLimitedError
		unavail  *remote.RemoteUnavailableError
	)
	switch {
	case errors.As(err, &conflict), errors.Is(err, hierarchy.ErrAlreadyExists):
		return TypePathConflict, false
	case errors.As(err, &invalid):
		return TypeInvalidPath, false
	case errors.Is(err, hierarchy.ErrInvalidTitle), errors.Is(err, hierarchy.ErrInvalidDirectory):
		return TypeInvalidInput, false
	case errors.As(err, &parent):
		return TypeParentNotReconciled, false
	case errors.As(err, &manifest):
		return TypeManifestValidation, false
	case errors.As(err, &leaked):
		return TypeSecretsFound, false
	case errors.Is(err, deployment.ErrStaleState):
		return TypeStaleState, false
	case errors.Is(err, hierarchy.ErrNotFound), errors.Is(err, deployment.ErrNotFound),
		errors.Is(err, examples.ErrNotFound), errors.Is(err, remote.ErrNotFound),
		errors.Is(err, hierarchy.ErrInvalidParent), errors.Is(err, runs.ErrNotFound):
		return TypeNotFound, false
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrUnauthenticated):
		return TypeForbidden, false
	case errors.Is(err, runs.ErrFinished):
		return TypeRunFinished, false
	case errors.Is(err, lease.ErrNotHeld):
		return TypeLeaseNotHeld, false
	case errors.As(err, &rejected):
		return TypeRemoteRejected, false
	case errors.As(err, &limited):
		return TypeRemoteRateLimited, true
	case errors.As(err, &unavail), errors.Is(err, context.DeadlineExceeded):
		return TypeRemoteUnavailable, true
	}
	return TypeInternal, true
}

// toApplicationError converts an activity error to a Temporal application
// error whose message is scrubbed of credentials.
func toApplicationError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return err
	}

	typ, retryable := errorType(err)
	msg := secrets.Scrub(fmt.Sprintf("%s: %v", operation, err))
	activityErrorCounter.Add(context.Background(), 1, typeAttr(typ))
	if retryable {
		return temporal.NewApplicationErrorWithCause(msg, typ, err)
	}
	return temporal.NewNonRetryableApplicationError(msg, typ, err)
}

// Message returns the human readable message of a workflow-side error: the
// application error message when one is present, never a stack trace.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message()
	}
	return secrets.Scrub(err.Error())
}

// ErrorType returns the application error type carried by err, or "".
func ErrorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}
