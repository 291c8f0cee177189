package reconcile

import "fmt"

// ParentNotReconciledError is returned when a node's parent has no remote
// binding yet. Reconciliation never cascades upward on its own; the caller
// reconciles the parent first.
type ParentNotReconciledError struct {
	Path       string
	ParentPath string
}

func (e *ParentNotReconciledError) Error() string {
	return fmt.Sprintf("parent %q of %q is not reconciled", e.ParentPath, e.Path)
}
