package pathmap

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRemotePath(t *testing.T) {
	tests := []struct {
		internal string
		remote   string
	}{
		{"acme_university", "acme-university"},
		{"acme_university.cs101_family", "acme-university/cs101-family"},
		{"acme_university.cs101_family.cs101_2025", "acme-university/cs101-family/cs101-2025"},
		{"_private", "_private"},
		{"trailing_", "trailing_"},
		{"a__b", "a--b"},
		{"_", "_"},
		{"x", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.internal, func(t *testing.T) {
			got, err := Default.ToRemotePath(tt.internal)
			require.NoError(t, err)
			assert.Equal(t, tt.remote, got)
		})
	}
}

func TestToRemotePath_Invalid(t *testing.T) {
	for _, p := range []string{"", "Acme", "acme-university", "acme..x", "acme/x", ".acme", "acme."} {
		t.Run(p, func(t *testing.T) {
			_, err := Default.ToRemotePath(p)
			var invalid *InvalidPathError
			assert.True(t, errors.As(err, &invalid), "expected InvalidPathError for %q, got %v", p, err)
		})
	}
}

func TestToRemoteSegment_Truncation(t *testing.T) {
	m, err := New(32)
	require.NoError(t, err)

	short := strings.Repeat("a", 31)
	got, err := m.ToRemoteSegment(short)
	require.NoError(t, err)
	assert.Equal(t, short, got, "segments below the limit are not truncated")

	atLimit := strings.Repeat("a", 32)
	got, err = m.ToRemoteSegment(atLimit)
	require.NoError(t, err)
	assert.Len(t, got, 32)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 19)+"-"))

	// Same prefix, different tails: distinct hashes.
	a, err := m.ToRemoteSegment(strings.Repeat("b", 40) + "_one")
	require.NoError(t, err)
	b, err := m.ToRemoteSegment(strings.Repeat("b", 40) + "_two")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)

	// Deterministic.
	again, err := m.ToRemoteSegment(strings.Repeat("b", 40) + "_one")
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestTruncatedNeverEqualsUntruncated(t *testing.T) {
	m, err := New(32)
	require.NoError(t, err)

	long := strings.Repeat("c", 50)
	truncated, err := m.ToRemoteSegment(long)
	require.NoError(t, err)

	// A label that spells the truncated output verbatim would need '-' in the
	// interior, i.e. '_' internally; it stays at the limit and gets hashed itself.
	lookalike := strings.ReplaceAll(truncated, "-", "_")
	mapped, err := m.ToRemoteSegment(lookalike)
	require.NoError(t, err)
	assert.NotEqual(t, truncated, mapped)
}

func TestNew_RejectsTinyLimit(t *testing.T) {
	_, err := New(8)
	assert.Error(t, err)

	m, err := New(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSegmentLen, m.MaxSegmentLen())
}

// label is a random valid internal segment for testing/quick.
type label string

func (label) Generate(r *rand.Rand, size int) reflect.Value {
	const alphabet = "ab_0"
	n := 1 + r.Intn(48)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[r.Intn(len(alphabet))]
	}
	return reflect.ValueOf(label(b))
}

func TestProperty_NoCollisions(t *testing.T) {
	m, err := New(20)
	require.NoError(t, err)

	noCollision := func(a, b label) bool {
		if a == b {
			return true
		}
		ra, errA := m.ToRemoteSegment(string(a))
		rb, errB := m.ToRemoteSegment(string(b))
		if errA != nil || errB != nil {
			return false
		}
		return ra != rb
	}
	require.NoError(t, quick.Check(noCollision, &quick.Config{MaxCount: 5000}))
}

func TestProperty_PathsNoCollisions(t *testing.T) {
	m, err := New(20)
	require.NoError(t, err)

	noCollision := func(a1, a2, b1, b2 label) bool {
		p1 := string(a1) + "." + string(a2)
		p2 := string(b1) + "." + string(b2)
		if p1 == p2 {
			return true
		}
		r1, err1 := m.ToRemotePath(p1)
		r2, err2 := m.ToRemotePath(p2)
		return err1 == nil && err2 == nil && r1 != r2
	}
	require.NoError(t, quick.Check(noCollision, &quick.Config{MaxCount: 3000}))
}

func TestProperty_ExhaustiveSmallAlphabet(t *testing.T) {
	// Every label of length 1..6 over {a,_} plus every length-20 truncation candidate.
	m, err := New(16)
	require.NoError(t, err)

	seen := map[string]string{}
	var walk func(prefix string, depth int)
	walk = func(prefix string, depth int) {
		if prefix != "" {
			r, err := m.ToRemoteSegment(prefix)
			require.NoError(t, err)
			if prev, ok := seen[r]; ok {
				t.Fatalf("collision: %q and %q both map to %q", prev, prefix, r)
			}
			seen[r] = prefix
		}
		if depth == 0 {
			return
		}
		walk(prefix+"a", depth-1)
		walk(prefix+"_", depth-1)
	}
	walk("", 6)

	for i := 0; i < 64; i++ {
		var sb strings.Builder
		for j := 0; j < 20; j++ {
			if (i>>(j%6))&1 == 1 {
				sb.WriteByte('_')
			} else {
				sb.WriteByte('a')
			}
		}
		sb.WriteString(strings.Repeat("z", i%5))
		s := sb.String()
		r, err := m.ToRemoteSegment(s)
		require.NoError(t, err)
		if prev, ok := seen[r]; ok && prev != s {
			t.Fatalf("collision: %q and %q both map to %q", prev, s, r)
		}
		seen[r] = s
	}
}

func TestFromRemotePath(t *testing.T) {
	got, err := Default.FromRemotePath("acme-university/cs101-family/cs101-2025")
	require.NoError(t, err)
	assert.Equal(t, "acme_university.cs101_family.cs101_2025", got)

	_, err = Default.FromRemotePath("Acme/x")
	assert.Error(t, err)

	// Round trip for untruncated paths.
	for _, p := range []string{"a_b.c_d", "_x_.y", "plain"} {
		r, err := Default.ToRemotePath(p)
		require.NoError(t, err)
		back, err := Default.FromRemotePath(r)
		require.NoError(t, err)
		assert.Equal(t, p, back)
	}
}

func TestCheckCollisions(t *testing.T) {
	require.NoError(t, Default.CheckCollisions([]string{"a_b", "a_c", "a_b"}))

	err := Default.CheckCollisions([]string{"a_b", "A"})
	var invalid *InvalidPathError
	assert.True(t, errors.As(err, &invalid))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "acme.fam", Parent("acme.fam.course"))
	assert.Equal(t, "", Parent("acme"))
	assert.Equal(t, "course", Label("acme.fam.course"))
	assert.Equal(t, "acme", Label("acme"))
	assert.Equal(t, 3, Depth("acme.fam.course"))
	assert.Equal(t, 0, Depth(""))
	assert.True(t, IsAncestor("acme", "acme.fam"))
	assert.False(t, IsAncestor("acme", "acme_two.fam"))
	assert.False(t, IsAncestor("acme", "acme"))
	assert.Equal(t, "acme.fam", Join("acme", "fam"))
	assert.Equal(t, "fam", Join("", "fam"))
	assert.Equal(t, "other.fam.course", Rebase("acme.fam.course", "acme", "other"))
	assert.Equal(t, "other", Rebase("acme", "acme", "other"))
}
