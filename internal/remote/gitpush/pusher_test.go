package gitpush

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

func sig() *object.Signature {
	return &object.Signature{Name: "t", Email: "t@example.com", When: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCommitFiles(t *testing.T) {
	repo, err := initRepo("main")
	require.NoError(t, err)

	files := []remote.File{
		{Path: "hello/main.py", Content: []byte("print('hi')\n")},
		{Path: "hello/README.md", Content: []byte("# Hello\n")},
		{Path: "top.txt", Content: []byte("top\n")},
	}
	hash, changed, err := commitFiles(repo, files, "Release hello", sig())
	require.NoError(t, err)
	assert.True(t, changed)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", head.Name().String())
	assert.Equal(t, hash, head.Hash())

	commit, err := repo.CommitObject(hash)
	require.NoError(t, err)
	assert.Equal(t, "Release hello", commit.Message)
	f, err := commit.File("hello/main.py")
	require.NoError(t, err)
	content, err := f.Contents()
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", content)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	data, err := util.ReadFile(wt.Filesystem, "top.txt")
	require.NoError(t, err)
	assert.Equal(t, "top\n", string(data))

	// Re-pushing identical content produces no new commit.
	again, changed, err := commitFiles(repo, files[:1], "noop", sig())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, hash, again)
}

func TestCommitFiles_Delete(t *testing.T) {
	repo, err := initRepo("main")
	require.NoError(t, err)

	_, _, err = commitFiles(repo, []remote.File{
		{Path: "hello/main.py", Content: []byte("print('hi')\n")},
		{Path: "hello/old.py", Content: []byte("old\n")},
	}, "Release hello", sig())
	require.NoError(t, err)

	hash, changed, err := commitFiles(repo, []remote.File{
		{Path: "hello/main.py", Content: []byte("print('hi')\n")},
		{Path: "hello/old.py", Delete: true},
		{Path: "hello/missing.py", Delete: true},
	}, "Release hello again", sig())
	require.NoError(t, err)
	assert.True(t, changed)

	commit, err := repo.CommitObject(hash)
	require.NoError(t, err)
	_, err = commit.File("hello/old.py")
	assert.Error(t, err, "removed file is gone from the commit")
	_, err = commit.File("hello/main.py")
	assert.NoError(t, err)
}

func TestPushFiles_Validation(t *testing.T) {
	p := New(Config{}, logging.NewNop())

	_, err := p.PushFiles(context.Background(), remote.ProjectRef{PathWithNamespace: "a/b"}, "main", []remote.File{{Path: "x"}}, "m")
	assert.Error(t, err)

	_, err = p.PushFiles(context.Background(), remote.ProjectRef{HTTPURLToRepo: "https://gitlab.example.com/a/b.git"}, "main", nil, "m")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.True(t, errors.Is(classify("clone", transport.ErrRepositoryNotFound), remote.ErrNotFound))

	var rejected *remote.RejectedError
	assert.True(t, errors.As(classify("push", transport.ErrAuthorizationFailed), &rejected))
	assert.Equal(t, 403, rejected.StatusCode)

	assert.True(t, remote.IsTransient(classify("push", errors.New("connection reset"))))
	assert.Equal(t, context.Canceled, classify("push", context.Canceled))
}

func TestAuth(t *testing.T) {
	assert.Nil(t, New(Config{}, nil).auth())
	assert.NotNil(t, New(Config{Token: "glpat-x"}, nil).auth())
}
