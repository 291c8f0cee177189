package deployment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/computor-org/computor-fullstack-sub002/internal/secrets"
)

var (
	// ErrNotFound is returned when a deployment does not exist.
	ErrNotFound = errors.New("deployment not found")

	// ErrNotSubmittable is returned when an example is assigned to content that cannot own a deployment.
	ErrNotSubmittable = errors.New("content is not submittable")

	// ErrStaleState is returned when a deployment changed between read and write.
	ErrStaleState = errors.New("deployment changed concurrently")
)

// SecretsFoundError rejects an item whose staged files contain credentials.
type SecretsFoundError struct {
	Directory string
	Findings  []secrets.Finding
}

func (e *SecretsFoundError) Error() string {
	parts := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("secrets detected in %s: %s", e.Directory, strings.Join(parts, ", "))
}
