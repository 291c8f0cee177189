package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/lease"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote/remotetest"
	"github.com/computor-org/computor-fullstack-sub002/internal/store"
)

const (
	org    = "acme_university"
	family = "acme_university.cs101_family"
	course = "acme_university.cs101_family.cs101_2025"
)

type fixture struct {
	nodes  *hierarchy.Store
	fake   *remotetest.Fake
	rec    *Reconciler
	logger *logging.TestLogger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := store.OpenTest(t, hierarchy.Models()...)
	nodes := hierarchy.NewStore(db)
	fake := remotetest.New()
	logger := logging.NewTestLogger()

	rec, err := New(nodes, fake, logger.Logger, opts...)
	require.NoError(t, err)
	return &fixture{nodes: nodes, fake: fake, rec: rec, logger: logger}
}

func (f *fixture) seedTree(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: org, Title: "ACME University"}))
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: family, Title: "CS 101"}))
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: course, Title: "CS 101 (2025)"}))
}

func TestReconcileChain_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	ctx := context.Background()
	l := lease.New(course, "run-1")

	bindings, err := f.rec.ReconcileChain(ctx, l, course)
	require.NoError(t, err)
	require.Len(t, bindings, 3)

	assert.Equal(t, "acme-university", bindings[0].NamespacePath)
	assert.Equal(t, "acme-university/cs101-family", bindings[1].NamespacePath)
	assert.Equal(t, "acme-university/cs101-family/cs101-2025", bindings[2].NamespacePath)
	for _, b := range bindings {
		assert.NotZero(t, b.GroupID)
		assert.NotNil(t, b.LastSyncedAt)
	}

	assert.Equal(t, 3, f.fake.Calls(remotetest.MethodCreateGroup))
	assert.Equal(t, 1, f.fake.Calls(remotetest.MethodCreateProject))

	c, err := f.nodes.GetByPath(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, "acme-university/cs101-family/cs101-2025/student-template", c.Template.Path)

	f.fake.ResetCalls()
	again, err := f.rec.ReconcileChain(ctx, l, course)
	require.NoError(t, err)
	assert.Equal(t, bindings[2].GroupID, again[2].GroupID)
	assert.Zero(t, f.fake.TotalCalls(), "second reconciliation must not touch the remote")
}

func TestReconcile_ParentNotReconciled(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	_, err := f.rec.Reconcile(context.Background(), lease.New(course, "run-1"), course)

	var pnr *ParentNotReconciledError
	require.True(t, errors.As(err, &pnr), "got %v", err)
	assert.Equal(t, family, pnr.ParentPath)
	assert.Zero(t, f.fake.TotalCalls())
}

func TestReconcile_AdoptsExistingGroup(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	existing := f.fake.SeedGroup("ACME", "acme-university")

	b, err := f.rec.Reconcile(context.Background(), lease.New(org, "run-1"), org)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, b.GroupID)
	assert.Zero(t, f.fake.Calls(remotetest.MethodCreateGroup))
	f.logger.AssertLogged(t, zapcore.InfoLevel, "adopting existing remote group")
}

// lateCreator makes the platform gain a group between our lookup and our create.
type lateCreator struct {
	*remotetest.Fake
	path string
	once sync.Once
}

func (c *lateCreator) FindGroupByPath(ctx context.Context, fullPath string) (*remote.GroupRef, error) {
	raced := false
	if fullPath == c.path {
		c.once.Do(func() { raced = true })
	}
	if raced {
		c.Fake.SeedGroup("created elsewhere", fullPath)
		return nil, fmt.Errorf("find_group: %w", remote.ErrNotFound)
	}
	return c.Fake.FindGroupByPath(ctx, fullPath)
}

func TestReconcile_AdoptsConcurrentlyCreatedGroup(t *testing.T) {
	db := store.OpenTest(t, hierarchy.Models()...)
	nodes := hierarchy.NewStore(db)
	client := &lateCreator{Fake: remotetest.New(), path: "acme-university"}
	logger := logging.NewTestLogger()
	rec, err := New(nodes, client, logger.Logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, nodes.Create(ctx, &hierarchy.Node{Path: org, Title: "ACME University"}))

	b, err := rec.Reconcile(ctx, lease.New(org, "run-1"), org)
	require.NoError(t, err)
	assert.Equal(t, "acme-university", b.NamespacePath)
	assert.Equal(t, 1, client.Calls(remotetest.MethodCreateGroup))
	assert.Len(t, client.Groups(), 1)
	logger.AssertLogged(t, zapcore.InfoLevel, "adopting concurrently created remote group")
}

func TestReconcileChain_ConcurrentSiblings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: org, Title: "ACME University"}))
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: family, Title: "CS 101"}))
	siblings := []string{family + ".c1", family + ".c2"}
	for _, p := range siblings {
		require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: p, Title: p}))
	}

	start := make(chan struct{})
	errs := make([]error, len(siblings))
	var wg sync.WaitGroup
	for i, p := range siblings {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			<-start
			_, errs[i] = f.rec.ReconcileChain(ctx, lease.New(p, fmt.Sprintf("run-%d", i)), p)
		}(i, p)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "reconciling %s", siblings[i])
	}

	paths := make([]string, 0, 4)
	for _, g := range f.fake.Groups() {
		paths = append(paths, g.FullPath)
	}
	assert.ElementsMatch(t, []string{
		"acme-university",
		"acme-university/cs101-family",
		"acme-university/cs101-family/c1",
		"acme-university/cs101-family/c2",
	}, paths)

	for _, p := range siblings {
		n, err := f.nodes.GetByPath(ctx, p)
		require.NoError(t, err)
		assert.True(t, n.Remote.IsSet())
		assert.NotEmpty(t, n.Template.Path)
	}
}

func TestReconcile_PathConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: "acme"}))
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: "other"}))

	g := f.fake.SeedGroup("acme", "acme")
	other, err := f.nodes.GetByPath(ctx, "other")
	require.NoError(t, err)
	_, err = f.nodes.SetBinding(ctx, other.ID, hierarchy.RemoteBinding{GroupID: g.ID, NamespacePath: "acme"})
	require.NoError(t, err)

	_, err = f.rec.Reconcile(ctx, lease.New("acme", "run-1"), "acme")
	var conflict *pathmap.PathConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, []string{"other", "acme"}, conflict.InternalPaths)

	n, err := f.nodes.GetByPath(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, n.Remote.IsSet())
}

func TestReconcile_LeaseRequired(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	_, err := f.rec.Reconcile(context.Background(), lease.New("other_org", "run-1"), org)
	assert.True(t, errors.Is(err, lease.ErrNotHeld))

	// A lease on a child covers its ancestors, not the other way round.
	_, err = f.rec.Reconcile(context.Background(), lease.New(org, "run-1"), family)
	assert.True(t, errors.Is(err, lease.ErrNotHeld))
	assert.Zero(t, f.fake.TotalCalls())
}

func TestReconcile_TransientErrorLeavesNodeUnbound(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	f.fake.FailNext(remotetest.MethodCreateGroup, &remote.RemoteUnavailableError{Op: "create_group", StatusCode: 503})

	_, err := f.rec.Reconcile(context.Background(), lease.New(org, "run-1"), org)
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))

	n, err := f.nodes.GetByPath(context.Background(), org)
	require.NoError(t, err)
	assert.False(t, n.Remote.IsSet())

	// The retry adopts nothing and creates the group.
	b, err := f.rec.Reconcile(context.Background(), lease.New(org, "run-1"), org)
	require.NoError(t, err)
	assert.Equal(t, "acme-university", b.NamespacePath)
}

func TestReconcile_ParentGroupPath(t *testing.T) {
	f := newFixture(t, WithParentGroupPath("/courses/"))
	f.seedTree(t)

	_, err := f.rec.Reconcile(context.Background(), lease.New(org, "run-1"), org)
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrNotFound))

	f.fake.SeedGroup("courses", "courses")
	b, err := f.rec.Reconcile(context.Background(), lease.New(org, "run-1"), org)
	require.NoError(t, err)
	assert.Equal(t, "courses/acme-university", b.NamespacePath)
}

func TestResync_RemoteWins(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	ctx := context.Background()
	l := lease.New(course, "run-1")

	bindings, err := f.rec.ReconcileChain(ctx, l, course)
	require.NoError(t, err)

	// Someone renamed the family group outside the engine.
	f.fake.MoveGroup(bindings[1].GroupID, "acme-university/cs101-renamed")

	b, err := f.rec.Resync(ctx, l, family)
	require.NoError(t, err)
	assert.Equal(t, bindings[1].GroupID, b.GroupID)
	assert.Equal(t, "acme-university/cs101-renamed", b.NamespacePath)

	// The group was deleted remotely: the node is reconciled again by path.
	f.fake.DeleteGroup(bindings[0].GroupID)
	b, err = f.rec.Resync(ctx, l, org)
	require.NoError(t, err)
	assert.NotEqual(t, bindings[0].GroupID, b.GroupID)
	assert.Equal(t, "acme-university", b.NamespacePath)
}

func TestResync_Unbound(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)

	b, err := f.rec.Resync(context.Background(), lease.New(org, "run-1"), org)
	require.NoError(t, err)
	assert.True(t, b.IsSet())
	assert.Zero(t, f.fake.Calls(remotetest.MethodGetGroup))
}

func TestRename_BestEffortRemote(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	ctx := context.Background()
	l := lease.New(org, "run-1")
	_, err := f.rec.Reconcile(ctx, l, org)
	require.NoError(t, err)

	f.fake.FailNext(remotetest.MethodUpdateGroupName, &remote.RejectedError{Op: "update_group", StatusCode: 403})
	n, err := f.rec.Rename(ctx, l, org, "ACME Institute")
	require.NoError(t, err)
	assert.Equal(t, "ACME Institute", n.Title)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "remote rename failed")

	_, err = f.rec.Rename(ctx, l, org, "ACME")
	require.NoError(t, err)
	assert.Equal(t, 2, f.fake.Calls(remotetest.MethodUpdateGroupName))
}

func TestReparent_MovesRemoteAndRebasesBindings(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	ctx := context.Background()
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: "acme_university.cs_family"}))

	_, err := f.rec.ReconcileChain(ctx, lease.New(course, "run-1"), course)
	require.NoError(t, err)
	_, err = f.rec.Reconcile(ctx, lease.New("acme_university.cs_family", "run-1"), "acme_university.cs_family")
	require.NoError(t, err)

	moved, err := f.rec.Reparent(ctx, lease.New(course, "run-2"), course, "acme_university.cs_family")
	require.NoError(t, err)
	assert.Equal(t, "acme_university.cs_family.cs101_2025", moved.Path)
	assert.Equal(t, "acme-university/cs-family/cs101-2025", moved.Remote.NamespacePath)
	assert.Equal(t, "acme-university/cs-family/cs101-2025/student-template", moved.Template.Path)
	assert.Equal(t, 1, f.fake.Calls(remotetest.MethodTransferGroup))
}

func TestReparent_RemoteFailureKeepsLocalMove(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	ctx := context.Background()
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: "acme_university.cs_family"}))
	_, err := f.rec.ReconcileChain(ctx, lease.New(course, "run-1"), course)
	require.NoError(t, err)
	_, err = f.rec.Reconcile(ctx, lease.New("acme_university.cs_family", "run-1"), "acme_university.cs_family")
	require.NoError(t, err)

	f.fake.FailNext(remotetest.MethodTransferGroup, &remote.RemoteUnavailableError{Op: "transfer_group", StatusCode: 502})
	moved, err := f.rec.Reparent(ctx, lease.New(course, "run-2"), course, "acme_university.cs_family")
	require.NoError(t, err)
	assert.Equal(t, "acme_university.cs_family.cs101_2025", moved.Path)
	assert.Equal(t, "acme-university/cs101-family/cs101-2025", moved.Remote.NamespacePath)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "remote move failed")
}

func TestReparent_TakenPathFailsBeforeRemoteMove(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	ctx := context.Background()
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: "acme_university.cs_family"}))
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: "acme_university.cs_family.cs101_2025"}))
	_, err := f.rec.ReconcileChain(ctx, lease.New(course, "run-1"), course)
	require.NoError(t, err)

	_, err = f.rec.Reparent(ctx, lease.New(course, "run-2"), course, "acme_university.cs_family")
	assert.ErrorIs(t, err, hierarchy.ErrAlreadyExists)
	assert.Zero(t, f.fake.Calls(remotetest.MethodTransferGroup))

	n, err := f.nodes.GetByPath(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, "acme-university/cs101-family/cs101-2025", n.Remote.NamespacePath)
}

func TestReparent_RequiresLease(t *testing.T) {
	f := newFixture(t)
	f.seedTree(t)
	ctx := context.Background()
	require.NoError(t, f.nodes.Create(ctx, &hierarchy.Node{Path: "acme_university.cs_family"}))

	_, err := f.rec.Reparent(ctx, lease.New("acme_university.cs_family", "run-1"), course, "acme_university.cs_family")
	assert.ErrorIs(t, err, lease.ErrNotHeld)
	_, err = f.nodes.GetByPath(ctx, course)
	assert.NoError(t, err, "nothing moved")
}

func TestRebaseNamespace(t *testing.T) {
	assert.Equal(t, "x/y/c", rebaseNamespace("a/b/c", "a/b", "x/y"))
	assert.Equal(t, "https://h/groups/x/c", rebaseNamespace("https://h/groups/a/c", "a", "x"))
	assert.Equal(t, "ab/c", rebaseNamespace("ab/c", "a", "x"))
}
