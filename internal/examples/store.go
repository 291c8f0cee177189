package examples

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when an example version does not exist.
var ErrNotFound = errors.New("example not found")

// Store reads example versions.
type Store interface {
	GetManifest(ctx context.Context, exampleID, version string) (*Manifest, error)
	// DownloadFiles returns the contents of files keyed by file path. A declared
	// file that is missing yields a *ManifestValidationError.
	DownloadFiles(ctx context.Context, exampleID, version string, files []string) (map[string][]byte, error)
}

// objectKey is the storage key of a file inside an example version.
func objectKey(exampleID, version, file string) string {
	return exampleID + "/" + version + "/" + file
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	reads   map[string]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), reads: make(map[string]int)}
}

// Put stores one example version. manifest is the raw meta.yaml.
func (s *MemoryStore) Put(exampleID, version string, manifest []byte, files map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(exampleID, version, ManifestFile)] = manifest
	for name, data := range files {
		s.objects[objectKey(exampleID, version, name)] = data
	}
}

// Reads returns how often a file of an example version was downloaded.
func (s *MemoryStore) Reads(exampleID, version, file string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads[objectKey(exampleID, version, file)]
}

// Keys returns every stored key, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) GetManifest(ctx context.Context, exampleID, version string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[objectKey(exampleID, version, ManifestFile)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, exampleID, version)
	}
	return ParseManifest(exampleID, version, data)
}

func (s *MemoryStore) DownloadFiles(ctx context.Context, exampleID, version string, files []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := objectKey(exampleID, version, f)
		data, ok := s.objects[key]
		if !ok {
			return nil, &ManifestValidationError{ExampleID: exampleID, Version: version, Reason: fmt.Sprintf("declared file %q is missing", f)}
		}
		s.reads[key]++
		out[f] = append([]byte(nil), data...)
	}
	return out, nil
}
