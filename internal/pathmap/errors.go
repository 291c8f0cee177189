package pathmap

import (
	"fmt"
	"strings"
)

// InvalidPathError reports a path that violates the internal or remote grammar.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

// PathConflictError reports distinct internal paths (or nodes) competing for one remote path.
// It is never retried.
type PathConflictError struct {
	RemotePath    string
	InternalPaths []string
	Detail        string
}

func (e *PathConflictError) Error() string {
	msg := fmt.Sprintf("path conflict on remote path %q", e.RemotePath)
	if len(e.InternalPaths) > 0 {
		msg += " between " + strings.Join(e.InternalPaths, " and ")
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
