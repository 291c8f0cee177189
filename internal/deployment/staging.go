package deployment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotStaged is returned when a staged file cannot be found.
var ErrNotStaged = errors.New("file not staged")

// Staging holds the files of a release run between staging and commit. Paths
// are repository paths, <directory>/<file>.
type Staging interface {
	Put(ctx context.Context, runID, path string, data []byte) error
	Get(ctx context.Context, runID, path string) ([]byte, error)
	// Clear drops everything staged by runID.
	Clear(ctx context.Context, runID string) error
}

// MemoryStaging is a process-local Staging.
type MemoryStaging struct {
	mu   sync.RWMutex
	runs map[string]map[string][]byte
}

var _ Staging = (*MemoryStaging)(nil)

func NewMemoryStaging() *MemoryStaging {
	return &MemoryStaging{runs: make(map[string]map[string][]byte)}
}

func (s *MemoryStaging) Put(_ context.Context, runID, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = make(map[string][]byte)
		s.runs[runID] = run
	}
	run[path] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStaging) Get(_ context.Context, runID, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.runs[runID][path]
	if !ok {
		return nil, fmt.Errorf("%w: %s in run %s", ErrNotStaged, path, runID)
	}
	return data, nil
}

func (s *MemoryStaging) Clear(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// Paths lists the staged paths of a run.
func (s *MemoryStaging) Paths(runID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.runs[runID]))
	for p := range s.runs[runID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func stagingKey(runID, path string) string {
	return "runs/" + runID + "/" + strings.TrimPrefix(path, "/")
}
