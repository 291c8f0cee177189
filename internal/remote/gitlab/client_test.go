package gitlab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

// fakeGitLab serves the subset of the v4 API the adapter uses.
type fakeGitLab struct {
	mu       sync.Mutex
	groups   map[string]map[string]any
	tree     []map[string]any
	commits  []map[string]any
	status   int
	requests []string
	// lostCommits applies that many commits but answers them with a 502.
	lostCommits int
}

func newFakeGitLab() *fakeGitLab {
	return &fakeGitLab{groups: map[string]map[string]any{}}
}

func (f *fakeGitLab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/v4")
	f.requests = append(f.requests, r.Method+" "+path)
	w.Header().Set("Content-Type", "application/json")

	if f.status != 0 {
		if f.status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"message":"injected"}`))
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/groups/"):
		key := strings.ReplaceAll(strings.TrimPrefix(path, "/groups/"), "%2F", "/")
		g, ok := f.groups[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"404 Group Not Found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(g)

	case r.Method == http.MethodPost && path == "/groups":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		full := body["path"].(string)
		if pid, ok := body["parent_id"].(float64); ok {
			for _, g := range f.groups {
				if g["id"].(float64) == pid {
					full = g["full_path"].(string) + "/" + full
				}
			}
		}
		g := map[string]any{
			"id":        float64(100 + len(f.groups)),
			"name":      body["name"],
			"path":      body["path"],
			"full_path": full,
			"web_url":   "https://gitlab.example.com/groups/" + full,
			"parent_id": body["parent_id"],
		}
		f.groups[full] = g
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(g)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/repository/tree"):
		_ = json.NewEncoder(w).Encode(f.tree)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/repository/commits"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.commits = append(f.commits, body)
		if msg := f.applyActions(body); msg != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"message": msg})
			return
		}
		if f.lostCommits > 0 {
			f.lostCommits--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "abc123", "web_url": "https://gitlab.example.com/c/abc123"})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// applyActions updates the tree the way the commits API does, rejecting the
// whole commit when an action does not fit the current tree.
func (f *fakeGitLab) applyActions(body map[string]any) string {
	blobs := map[string]bool{}
	for _, n := range f.tree {
		if n["type"] == "blob" {
			blobs[n["path"].(string)] = true
		}
	}
	actions, _ := body["actions"].([]any)
	for _, a := range actions {
		action := a.(map[string]any)
		p := action["file_path"].(string)
		switch action["action"] {
		case "create":
			if blobs[p] {
				return "A file with this name already exists"
			}
			blobs[p] = true
		case "update":
			if !blobs[p] {
				return "A file with this name doesn't exist"
			}
		case "delete":
			if !blobs[p] {
				return "A file with this name doesn't exist"
			}
			delete(blobs, p)
		}
	}
	tree := make([]map[string]any, 0, len(blobs))
	for p := range blobs {
		tree = append(tree, map[string]any{"id": p, "name": p, "type": "blob", "path": p})
	}
	f.tree = tree
	return ""
}

func newTestClient(t *testing.T, f *fakeGitLab) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:        srv.URL,
		Token:          "glpat-test",
		RequestTimeout: 5 * time.Second,
		Retry:          &remote.RetryConfig{MaxRetries: -1},
	}, logging.NewNop())
	require.NoError(t, err)
	return c
}

func TestClient_FindGroupByPath(t *testing.T) {
	f := newFakeGitLab()
	f.groups["acme-university/cs101-family"] = map[string]any{
		"id": 12, "name": "CS101", "full_path": "acme-university/cs101-family", "web_url": "https://gitlab.example.com/groups/acme-university/cs101-family", "parent_id": 11,
	}
	c := newTestClient(t, f)
	ctx := context.Background()

	g, err := c.FindGroupByPath(ctx, "acme-university/cs101-family")
	require.NoError(t, err)
	assert.Equal(t, int64(12), g.ID)
	assert.Equal(t, int64(11), g.ParentID)

	_, err = c.FindGroupByPath(ctx, "acme-university/missing")
	assert.True(t, errors.Is(err, remote.ErrNotFound), "got %v", err)
}

func TestClient_CreateGroup(t *testing.T) {
	f := newFakeGitLab()
	c := newTestClient(t, f)
	ctx := context.Background()

	org, err := c.CreateGroup(ctx, "ACME University", "acme-university", 0)
	require.NoError(t, err)
	assert.Equal(t, "acme-university", org.FullPath)

	fam, err := c.CreateGroup(ctx, "CS101", "cs101-family", org.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme-university/cs101-family", fam.FullPath)
	assert.Equal(t, org.ID, fam.ParentID)
}

func TestClient_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("rate limited", func(t *testing.T) {
		f := newFakeGitLab()
		f.status = http.StatusTooManyRequests
		c := newTestClient(t, f)

		_, err := c.FindGroupByPath(ctx, "acme")
		var rl *remote.RemoteRateLimitedError
		require.True(t, errors.As(err, &rl), "got %v", err)
		assert.Equal(t, 7*time.Second, rl.RetryAfter)
	})

	t.Run("unavailable", func(t *testing.T) {
		f := newFakeGitLab()
		f.status = http.StatusServiceUnavailable
		c := newTestClient(t, f)

		_, err := c.CreateGroup(ctx, "x", "x", 0)
		var u *remote.RemoteUnavailableError
		assert.True(t, errors.As(err, &u), "got %v", err)
		assert.True(t, remote.IsTransient(err))
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFakeGitLab()
		f.status = http.StatusForbidden
		c := newTestClient(t, f)

		_, err := c.CreateGroup(ctx, "x", "x", 0)
		var r *remote.RejectedError
		assert.True(t, errors.As(err, &r), "got %v", err)
		assert.False(t, remote.IsTransient(err))
	})
}

func TestClient_PushFiles(t *testing.T) {
	f := newFakeGitLab()
	f.tree = []map[string]any{
		{"id": "1", "name": "README.md", "type": "blob", "path": "README.md"},
		{"id": "2", "name": "hello", "type": "tree", "path": "hello"},
		{"id": "3", "name": "main.py", "type": "blob", "path": "hello/main.py"},
	}
	c := newTestClient(t, f)

	commit, err := c.PushFiles(context.Background(), remote.ProjectRef{ID: 5, PathWithNamespace: "acme/fam/c/student-template"}, "main", []remote.File{
		{Path: "hello/main.py", Content: []byte("print('hi')\n")},
		{Path: "world/main.py", Content: []byte("print('world')\n")},
	}, "Release hello and world")
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit.SHA)

	require.Len(t, f.commits, 1)
	body := f.commits[0]
	assert.Equal(t, "main", body["branch"])
	assert.Equal(t, "Release hello and world", body["commit_message"])

	actions := body["actions"].([]any)
	require.Len(t, actions, 2)
	first := actions[0].(map[string]any)
	assert.Equal(t, "update", first["action"])
	assert.Equal(t, "base64", first["encoding"])
	decoded, err := base64.StdEncoding.DecodeString(first["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(decoded))
	assert.Equal(t, "create", actions[1].(map[string]any)["action"])
}

func TestClient_PushFilesRetryAfterLostResponse(t *testing.T) {
	f := newFakeGitLab()
	f.lostCommits = 1
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
		Retry:          &remote.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond},
	}, logging.NewNop())
	require.NoError(t, err)

	commit, err := c.PushFiles(context.Background(), remote.ProjectRef{ID: 5}, "main", []remote.File{
		{Path: "hello/main.py", Content: []byte("print('hi')\n")},
	}, "Release hello")
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit.SHA)

	require.Len(t, f.commits, 2)
	first := f.commits[0]["actions"].([]any)[0].(map[string]any)
	assert.Equal(t, "create", first["action"])
	second := f.commits[1]["actions"].([]any)[0].(map[string]any)
	assert.Equal(t, "update", second["action"], "the retry sees the landed commit")
}

func TestClient_PushFilesDeletes(t *testing.T) {
	f := newFakeGitLab()
	f.tree = []map[string]any{
		{"id": "1", "type": "blob", "path": "hello/main.py"},
		{"id": "2", "type": "blob", "path": "hello/old.py"},
	}
	c := newTestClient(t, f)

	_, err := c.PushFiles(context.Background(), remote.ProjectRef{ID: 5}, "main", []remote.File{
		{Path: "hello/main.py", Content: []byte("print('hi')\n")},
		{Path: "hello/old.py", Delete: true},
		{Path: "hello/never-existed.py", Delete: true},
	}, "Release hello")
	require.NoError(t, err)

	require.Len(t, f.commits, 1)
	actions := f.commits[0]["actions"].([]any)
	require.Len(t, actions, 2, "deleting a missing path is dropped")
	del := actions[1].(map[string]any)
	assert.Equal(t, "delete", del["action"])
	assert.Equal(t, "hello/old.py", del["file_path"])
	assert.Nil(t, del["content"])
}

type recordingPusher struct {
	calls int
}

func (p *recordingPusher) PushFiles(context.Context, remote.ProjectRef, string, []remote.File, string) (*remote.CommitRef, error) {
	p.calls++
	return &remote.CommitRef{SHA: "from-git"}, nil
}

func TestClient_PushFilesWithPusher(t *testing.T) {
	f := newFakeGitLab()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	p := &recordingPusher{}
	c, err := New(Config{BaseURL: srv.URL}, logging.NewNop(), WithPusher(p))
	require.NoError(t, err)

	commit, err := c.PushFiles(context.Background(), remote.ProjectRef{ID: 1}, "main", []remote.File{{Path: "a", Content: []byte("a")}}, "m")
	require.NoError(t, err)
	assert.Equal(t, "from-git", commit.SHA)
	assert.Equal(t, 1, p.calls)
	assert.Empty(t, f.requests, "the API is not used when a pusher is configured")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, logging.NewNop())
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "https://gitlab.example.com"}, nil)
	assert.Error(t, err)
}
