// Package pathmap translates between internal hierarchical label paths and
// remote (GitLab) namespace paths.
//
// Internal paths are dot-separated labels whose segments match [a-z0-9_]+,
// e.g. "acme_university.cs101_family.cs101_2025". Remote paths are
// slash-separated, e.g. "acme-university/cs101-family/cs101-2025".
//
// Segment translation:
//
//   - Interior underscores become hyphens. A leading or trailing underscore is
//     kept, since remote paths may not begin or end with a hyphen. In translated
//     output '_' can only appear at the edges and '-' only in the interior, so
//     the mapping is injective.
//   - A translated segment of MaxSegmentLen characters or more is truncated to
//     MaxSegmentLen-13 characters and suffixed with "-" plus the first 12 hex
//     characters of sha256(label). Truncated segments are therefore exactly
//     MaxSegmentLen long while untruncated ones are always shorter, so the two
//     classes never collide.
//
// The mapper is pure and has no side effects.
package pathmap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultMaxSegmentLen is GitLab's path length limit.
	DefaultMaxSegmentLen = 255

	// InternalSeparator joins internal label segments.
	InternalSeparator = "."
	// RemoteSeparator joins remote namespace segments.
	RemoteSeparator = "/"

	hashLen = 12
	// minSegmentLen leaves room for at least a few prefix characters before the hash.
	minSegmentLen = hashLen + 4
)

var (
	labelPattern  = regexp.MustCompile(`^[a-z0-9_]+$`)
	remotePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// Mapper translates paths using a fixed maximum remote segment length.
type Mapper struct {
	maxSegmentLen int
}

// New returns a Mapper. maxSegmentLen <= 0 selects DefaultMaxSegmentLen.
func New(maxSegmentLen int) (*Mapper, error) {
	if maxSegmentLen <= 0 {
		maxSegmentLen = DefaultMaxSegmentLen
	}
	if maxSegmentLen < minSegmentLen {
		return nil, fmt.Errorf("max segment length %d is below minimum %d", maxSegmentLen, minSegmentLen)
	}
	return &Mapper{maxSegmentLen: maxSegmentLen}, nil
}

// Default is a Mapper with DefaultMaxSegmentLen.
var Default = &Mapper{maxSegmentLen: DefaultMaxSegmentLen}

// MaxSegmentLen returns the configured limit.
func (m *Mapper) MaxSegmentLen() int {
	return m.maxSegmentLen
}

// ValidateLabel checks a single internal segment.
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) {
		return &InvalidPathError{Path: label, Reason: "segment must match [a-z0-9_]+"}
	}
	return nil
}

// Validate checks an internal path.
func Validate(path string) error {
	if path == "" {
		return &InvalidPathError{Path: path, Reason: "path is empty"}
	}
	for _, seg := range strings.Split(path, InternalSeparator) {
		if err := ValidateLabel(seg); err != nil {
			return &InvalidPathError{Path: path, Reason: fmt.Sprintf("invalid segment %q: must match [a-z0-9_]+", seg)}
		}
	}
	return nil
}

// ToRemoteSegment translates one internal label to a remote path segment.
func (m *Mapper) ToRemoteSegment(label string) (string, error) {
	if err := ValidateLabel(label); err != nil {
		return "", err
	}

	b := []byte(label)
	for i := 1; i < len(b)-1; i++ {
		if b[i] == '_' {
			b[i] = '-'
		}
	}
	out := string(b)

	if len(out) >= m.maxSegmentLen {
		sum := sha256.Sum256([]byte(label))
		out = out[:m.maxSegmentLen-hashLen-1] + "-" + hex.EncodeToString(sum[:])[:hashLen]
	}
	return out, nil
}

// ToRemotePath translates a full internal path to a remote namespace path.
func (m *Mapper) ToRemotePath(internalPath string) (string, error) {
	if err := Validate(internalPath); err != nil {
		return "", err
	}
	segs := strings.Split(internalPath, InternalSeparator)
	out := make([]string, len(segs))
	for i, seg := range segs {
		r, err := m.ToRemoteSegment(seg)
		if err != nil {
			return "", err
		}
		out[i] = r
	}
	return strings.Join(out, RemoteSeparator), nil
}

// FromRemotePath is the best-effort reverse mapping, for diagnostics only.
// Truncated segments cannot be restored and come back with their hash suffix.
func (m *Mapper) FromRemotePath(remotePath string) (string, error) {
	if remotePath == "" {
		return "", &InvalidPathError{Path: remotePath, Reason: "path is empty"}
	}
	segs := strings.Split(remotePath, RemoteSeparator)
	for i, seg := range segs {
		if !remotePattern.MatchString(seg) {
			return "", &InvalidPathError{Path: remotePath, Reason: fmt.Sprintf("segment %q is not a mapped remote segment", seg)}
		}
		segs[i] = strings.ReplaceAll(seg, "-", "_")
	}
	return strings.Join(segs, InternalSeparator), nil
}

// CheckCollisions maps every internal path and fails on the first two that share a remote path.
func (m *Mapper) CheckCollisions(paths []string) error {
	seen := make(map[string]string, len(paths))
	for _, p := range paths {
		r, err := m.ToRemotePath(p)
		if err != nil {
			return err
		}
		if prev, ok := seen[r]; ok && prev != p {
			return &PathConflictError{RemotePath: r, InternalPaths: []string{prev, p}}
		}
		seen[r] = p
	}
	return nil
}

// Parent returns the parent path, or "" for a root path.
func Parent(path string) string {
	i := strings.LastIndex(path, InternalSeparator)
	if i < 0 {
		return ""
	}
	return path[:i]
}

// Label returns the last segment of path.
func Label(path string) string {
	return path[strings.LastIndex(path, InternalSeparator)+1:]
}

// Depth returns the number of segments in path.
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, InternalSeparator) + 1
}

// IsAncestor reports whether ancestor is a strict prefix of path at a segment boundary.
func IsAncestor(ancestor, path string) bool {
	return ancestor != "" && strings.HasPrefix(path, ancestor+InternalSeparator)
}

// Join appends a label to a parent path.
func Join(parent, label string) string {
	if parent == "" {
		return label
	}
	return parent + InternalSeparator + label
}

// Rebase replaces the oldPrefix of path with newPrefix. path must equal oldPrefix or descend from it.
func Rebase(path, oldPrefix, newPrefix string) string {
	if path == oldPrefix {
		return newPrefix
	}
	return newPrefix + strings.TrimPrefix(path, oldPrefix)
}
