// Package lease models the idempotency-key lease a run holds while it mutates
// remote state. A lease is issued by the run table and passed explicitly to every
// mutating call so ownership is visible at the call site.
package lease

import (
	"errors"
	"fmt"

	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
)

// ErrNotHeld is returned when a mutating call is made without a covering lease.
var ErrNotHeld = errors.New("lease not held")

// Lease is held by a run for its idempotency key: a node path for
// reconciliation, a course id for release.
type Lease struct {
	Key   string
	RunID string
}

// New returns a lease for key owned by runID.
func New(key, runID string) Lease {
	return Lease{Key: key, RunID: runID}
}

// Covers reports whether the lease authorizes mutating path. A reconciliation
// of a node also reconciles its ancestors, so the lease covers the key itself
// and every ancestor of it.
func (l Lease) Covers(path string) bool {
	if l.Key == "" || path == "" {
		return false
	}
	return l.Key == path || pathmap.IsAncestor(path, l.Key)
}

// Check returns ErrNotHeld wrapped with detail when the lease does not cover path.
func (l Lease) Check(path string) error {
	if !l.Covers(path) {
		return fmt.Errorf("%w: lease %q (run %s) does not cover %q", ErrNotHeld, l.Key, l.RunID, path)
	}
	return nil
}

// CheckKey requires an exact key match, used for course-scoped release leases.
func (l Lease) CheckKey(key string) error {
	if l.Key == "" || l.Key != key {
		return fmt.Errorf("%w: lease %q (run %s) is not for %q", ErrNotHeld, l.Key, l.RunID, key)
	}
	return nil
}

func (l Lease) String() string {
	return fmt.Sprintf("%s@%s", l.Key, l.RunID)
}
