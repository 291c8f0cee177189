package hierarchy

import "errors"

var (
	// ErrNotFound is returned when a node or content does not exist.
	ErrNotFound = errors.New("hierarchy: not found")
	// ErrAlreadyExists is returned when a path is already taken.
	ErrAlreadyExists = errors.New("hierarchy: already exists")
	// ErrInvalidParent is returned when a parent is missing or of the wrong kind.
	ErrInvalidParent = errors.New("hierarchy: invalid parent")
	// ErrInvalidDirectory is returned for a deployment directory outside the repository tree.
	ErrInvalidDirectory = errors.New("hierarchy: invalid directory")
	// ErrInvalidTitle is returned for an empty node title.
	ErrInvalidTitle = errors.New("hierarchy: invalid title")
)
