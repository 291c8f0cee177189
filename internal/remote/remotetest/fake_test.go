package remotetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

func TestFake_GroupsAndProjects(t *testing.T) {
	f := New()
	ctx := context.Background()

	org, err := f.CreateGroup(ctx, "ACME", "acme", 0)
	require.NoError(t, err)
	fam, err := f.CreateGroup(ctx, "Family", "fam", org.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/fam", fam.FullPath)

	_, err = f.CreateGroup(ctx, "dup", "fam", org.ID)
	var rejected *remote.RejectedError
	assert.True(t, errors.As(err, &rejected))

	got, err := f.FindGroupByPath(ctx, "acme/fam")
	require.NoError(t, err)
	assert.Equal(t, fam.ID, got.ID)

	_, err = f.FindGroupByPath(ctx, "acme/none")
	assert.True(t, errors.Is(err, remote.ErrNotFound))

	p, err := f.CreateProject(ctx, "student-template", "student-template", fam.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/fam/student-template", p.PathWithNamespace)

	_, err = f.PushFiles(ctx, *p, "main", []remote.File{{Path: "hello/a.py"}, {Path: "world/b.py"}, {Path: "hello/c.py"}}, "msg")
	require.NoError(t, err)
	require.Len(t, f.Pushes(), 1)
	assert.Equal(t, []string{"hello", "world"}, f.Pushes()[0].Dirs())

	assert.Equal(t, 2, f.Calls(MethodFindGroupByPath))
	assert.Equal(t, 7, f.TotalCalls())
}

func TestFake_FailureInjection(t *testing.T) {
	f := New()
	ctx := context.Background()
	boom := &remote.RemoteUnavailableError{Op: "create_group", StatusCode: 503}

	f.FailNext(MethodCreateGroup, boom)
	_, err := f.CreateGroup(ctx, "a", "a", 0)
	assert.Equal(t, boom, err)
	_, err = f.CreateGroup(ctx, "a", "a", 0)
	assert.NoError(t, err)

	f.FailAlways(MethodGetGroup, boom)
	_, err = f.GetGroup(ctx, 1)
	assert.Error(t, err)
	f.FailAlways(MethodGetGroup, nil)
	_, err = f.GetGroup(ctx, 1)
	assert.NoError(t, err)
}

func TestFake_Transfer(t *testing.T) {
	f := New()
	ctx := context.Background()
	a := f.SeedGroup("a", "a")
	b := f.SeedGroup("b", "b")
	fam := f.SeedGroup("fam", "a/fam")
	course := f.SeedGroup("c", "a/fam/c")

	moved, err := f.TransferGroup(ctx, fam.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "b/fam", moved.FullPath)

	c, err := f.GetGroup(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, "b/fam/c", c.FullPath)
	assert.NotEqual(t, a.ID, moved.ParentID)
}
