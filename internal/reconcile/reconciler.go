// Package reconcile keeps the internal Organization → CourseFamily → Course
// tree in step with groups on the remote platform.
//
// Every mutating call takes the lease of the run that owns the node. A node
// whose binding is cached is never looked up again; Resync is the explicit way
// to re-validate a binding against the platform.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/lease"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

const (
	instrumentationName = "github.com/computor-org/computor-fullstack-sub002/internal/reconcile"

	// DefaultTemplateProject is the path of the generated student repository under each course group.
	DefaultTemplateProject = "student-template"
)

// Reconciler creates or adopts remote groups for hierarchy nodes.
type Reconciler struct {
	nodes  *hierarchy.Store
	client remote.Client
	mapper *pathmap.Mapper
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time

	parentGroupPath string
	templateProject string

	// base caches the group behind parentGroupPath.
	baseMu sync.Mutex
	base   *remote.GroupRef
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMapper sets the path mapper. The default uses GitLab's segment limit.
func WithMapper(m *pathmap.Mapper) Option {
	return func(r *Reconciler) { r.mapper = m }
}

// WithParentGroupPath places organization groups under an existing remote group.
func WithParentGroupPath(path string) Option {
	return func(r *Reconciler) { r.parentGroupPath = strings.Trim(path, "/") }
}

// WithTemplateProject overrides the student template project path.
func WithTemplateProject(path string) Option {
	return func(r *Reconciler) {
		if path != "" {
			r.templateProject = path
		}
	}
}

// WithClock overrides the time source used for last_synced_at.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler.
func New(nodes *hierarchy.Store, client remote.Client, logger *logging.Logger, opts ...Option) (*Reconciler, error) {
	if nodes == nil {
		return nil, errors.New("hierarchy store is required")
	}
	if client == nil {
		return nil, errors.New("remote client is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Reconciler{
		nodes:           nodes,
		client:          client,
		mapper:          pathmap.Default,
		logger:          logger.Named("reconcile"),
		tracer:          otel.Tracer(instrumentationName),
		now:             time.Now,
		templateProject: DefaultTemplateProject,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Mapper returns the path mapper in use.
func (r *Reconciler) Mapper() *pathmap.Mapper {
	return r.mapper
}

// Reconcile ensures the node at path has a remote group and returns its
// binding. A cached binding is returned without any remote call. The parent
// must already be bound, otherwise *ParentNotReconciledError is returned
// before anything is sent to the platform.
func (r *Reconciler) Reconcile(ctx context.Context, l lease.Lease, path string) (hierarchy.RemoteBinding, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.node", trace.WithAttributes(attribute.String("node.path", path)))
	defer span.End()

	b, err := r.reconcile(ctx, l, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return hierarchy.RemoteBinding{}, err
	}
	span.SetAttributes(attribute.Int64("remote.group_id", b.GroupID))
	return b, nil
}

func (r *Reconciler) reconcile(ctx context.Context, l lease.Lease, path string) (hierarchy.RemoteBinding, error) {
	if err := l.Check(path); err != nil {
		return hierarchy.RemoteBinding{}, err
	}
	node, err := r.nodes.GetByPath(ctx, path)
	if err != nil {
		return hierarchy.RemoteBinding{}, err
	}
	if node.Remote.IsSet() {
		return node.Remote, nil
	}

	parentNS, parentID, err := r.resolveParent(ctx, node)
	if err != nil {
		return hierarchy.RemoteBinding{}, err
	}
	segment, err := r.mapper.ToRemoteSegment(node.Label())
	if err != nil {
		return hierarchy.RemoteBinding{}, err
	}
	fullPath := joinRemote(parentNS, segment)

	ctx = logging.WithNodePath(ctx, node.Path)
	group, err := r.findOrCreateGroup(ctx, node, fullPath, segment, parentID)
	if err != nil {
		return hierarchy.RemoteBinding{}, err
	}

	if node.Kind == hierarchy.KindCourse {
		if err := r.ensureTemplate(ctx, node, group); err != nil {
			return hierarchy.RemoteBinding{}, err
		}
	}

	now := r.now().UTC()
	bound, err := r.nodes.SetBinding(ctx, node.ID, hierarchy.RemoteBinding{
		GroupID:       group.ID,
		NamespacePath: group.FullPath,
		WebURL:        group.WebURL,
		LastSyncedAt:  &now,
	})
	if err != nil {
		return hierarchy.RemoteBinding{}, fmt.Errorf("storing binding of %q: %w", node.Path, err)
	}

	r.logger.Info(ctx, "node reconciled",
		zap.String("kind", string(node.Kind)),
		zap.Int64("group_id", group.ID),
		zap.String("namespace", group.FullPath),
	)
	return bound.Remote, nil
}

// ReconcileChain reconciles the node at path and all of its ancestors, root first.
func (r *Reconciler) ReconcileChain(ctx context.Context, l lease.Lease, path string) ([]hierarchy.RemoteBinding, error) {
	chain, err := r.nodes.Chain(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]hierarchy.RemoteBinding, 0, len(chain))
	for _, n := range chain {
		b, err := r.Reconcile(ctx, l, n.Path)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// resolveParent returns the namespace and group id new groups for node are created under.
func (r *Reconciler) resolveParent(ctx context.Context, node *hierarchy.Node) (string, int64, error) {
	if node.ParentPath == "" {
		base, err := r.baseGroup(ctx)
		if err != nil {
			return "", 0, err
		}
		if base == nil {
			return "", 0, nil
		}
		return base.FullPath, base.ID, nil
	}

	parent, err := r.nodes.GetByPath(ctx, node.ParentPath)
	if err != nil {
		return "", 0, err
	}
	if !parent.Remote.IsSet() {
		return "", 0, &ParentNotReconciledError{Path: node.Path, ParentPath: parent.Path}
	}
	return parent.Remote.NamespacePath, parent.Remote.GroupID, nil
}

// baseGroup resolves the configured parent group of organizations, or nil for the top level.
func (r *Reconciler) baseGroup(ctx context.Context) (*remote.GroupRef, error) {
	if r.parentGroupPath == "" {
		return nil, nil
	}
	r.baseMu.Lock()
	defer r.baseMu.Unlock()
	if r.base != nil {
		return r.base, nil
	}

	g, err := r.client.FindGroupByPath(ctx, r.parentGroupPath)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("parent group %q does not exist on the remote platform: %w", r.parentGroupPath, err)
	}
	if err != nil {
		return nil, err
	}
	r.base = g
	return g, nil
}

func (r *Reconciler) findOrCreateGroup(ctx context.Context, node *hierarchy.Node, fullPath, segment string, parentID int64) (*remote.GroupRef, error) {
	group, err := r.client.FindGroupByPath(ctx, fullPath)
	switch {
	case err == nil:
		if err := r.checkUnclaimed(ctx, node, group); err != nil {
			return nil, err
		}
		r.logger.Info(ctx, "adopting existing remote group", zap.Int64("group_id", group.ID), zap.String("namespace", fullPath))
		return group, nil
	case errors.Is(err, remote.ErrNotFound):
	default:
		return nil, fmt.Errorf("looking up group %q: %w", fullPath, err)
	}

	group, err = r.client.CreateGroup(ctx, node.Title, segment, parentID)
	if remote.IsAlreadyTaken(err) {
		// Another run bound to a sibling created the shared ancestor first.
		group, err = r.client.FindGroupByPath(ctx, fullPath)
		if err != nil {
			return nil, fmt.Errorf("looking up concurrently created group %q: %w", fullPath, err)
		}
		if err := r.checkUnclaimed(ctx, node, group); err != nil {
			return nil, err
		}
		r.logger.Info(ctx, "adopting concurrently created remote group", zap.Int64("group_id", group.ID), zap.String("namespace", fullPath))
		return group, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating group %q: %w", fullPath, err)
	}
	r.logger.Info(ctx, "created remote group", zap.Int64("group_id", group.ID), zap.String("namespace", group.FullPath))
	return group, nil
}

// checkUnclaimed fails with *pathmap.PathConflictError when another node is bound to group.
func (r *Reconciler) checkUnclaimed(ctx context.Context, node *hierarchy.Node, group *remote.GroupRef) error {
	owner, err := r.nodes.FindByRemoteGroupID(ctx, group.ID)
	if errors.Is(err, hierarchy.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner.ID == node.ID {
		return nil
	}
	return &pathmap.PathConflictError{
		RemotePath:    group.FullPath,
		InternalPaths: []string{owner.Path, node.Path},
		Detail:        fmt.Sprintf("remote group %d is already bound", group.ID),
	}
}

// ensureTemplate finds or creates the student template project of a course.
func (r *Reconciler) ensureTemplate(ctx context.Context, course *hierarchy.Node, group *remote.GroupRef) error {
	fullPath := joinRemote(group.FullPath, r.templateProject)
	project, err := r.client.FindProjectByPath(ctx, fullPath)
	if errors.Is(err, remote.ErrNotFound) {
		project, err = r.client.CreateProject(ctx, r.templateProject, r.templateProject, group.ID)
		if remote.IsAlreadyTaken(err) {
			project, err = r.client.FindProjectByPath(ctx, fullPath)
		}
		if err != nil {
			return fmt.Errorf("creating template project %q: %w", fullPath, err)
		}
		r.logger.Info(ctx, "template project ready", zap.Int64("project_id", project.ID), zap.String("project", project.PathWithNamespace))
	} else if err != nil {
		return fmt.Errorf("looking up template project %q: %w", fullPath, err)
	}

	return r.nodes.SetTemplateProject(ctx, course.ID, hierarchy.TemplateProject{
		ProjectID: project.ID,
		Path:      project.PathWithNamespace,
		WebURL:    project.WebURL,
	})
}

// Resync re-validates a cached binding against the platform. Remote state wins:
// a group that still exists refreshes the stored namespace and URL, and a
// group that is gone is dropped and the node is reconciled again by path.
func (r *Reconciler) Resync(ctx context.Context, l lease.Lease, path string) (hierarchy.RemoteBinding, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.resync", trace.WithAttributes(attribute.String("node.path", path)))
	defer span.End()

	b, err := r.resync(ctx, l, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return b, err
}

func (r *Reconciler) resync(ctx context.Context, l lease.Lease, path string) (hierarchy.RemoteBinding, error) {
	if err := l.Check(path); err != nil {
		return hierarchy.RemoteBinding{}, err
	}
	node, err := r.nodes.GetByPath(ctx, path)
	if err != nil {
		return hierarchy.RemoteBinding{}, err
	}
	if !node.Remote.IsSet() {
		return r.reconcile(ctx, l, path)
	}

	ctx = logging.WithNodePath(ctx, node.Path)
	group, err := r.client.GetGroup(ctx, node.Remote.GroupID)
	if errors.Is(err, remote.ErrNotFound) {
		r.logger.Warn(ctx, "bound remote group is gone, reconciling by path", zap.Int64("group_id", node.Remote.GroupID))
		if err := r.nodes.ClearBinding(ctx, node.ID); err != nil {
			return hierarchy.RemoteBinding{}, err
		}
		return r.reconcile(ctx, l, path)
	}
	if err != nil {
		return hierarchy.RemoteBinding{}, fmt.Errorf("validating group %d: %w", node.Remote.GroupID, err)
	}

	if group.FullPath != node.Remote.NamespacePath {
		r.logger.Warn(ctx, "remote group drifted, taking remote namespace",
			zap.String("cached", node.Remote.NamespacePath),
			zap.String("remote", group.FullPath),
		)
	}
	if node.Kind == hierarchy.KindCourse {
		if err := r.ensureTemplate(ctx, node, group); err != nil {
			return hierarchy.RemoteBinding{}, err
		}
	}

	now := r.now().UTC()
	bound, err := r.nodes.SetBinding(ctx, node.ID, hierarchy.RemoteBinding{
		GroupID:       group.ID,
		NamespacePath: group.FullPath,
		WebURL:        group.WebURL,
		LastSyncedAt:  &now,
	})
	if err != nil {
		return hierarchy.RemoteBinding{}, err
	}
	return bound.Remote, nil
}

// Rename changes the title of a node. The remote group name follows on a
// best-effort basis; a remote failure is logged and not returned.
func (r *Reconciler) Rename(ctx context.Context, l lease.Lease, path, title string) (*hierarchy.Node, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.rename", trace.WithAttributes(attribute.String("node.path", path)))
	defer span.End()

	if err := l.Check(path); err != nil {
		return nil, err
	}
	node, err := r.nodes.Rename(ctx, path, title)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if node.Remote.IsSet() {
		if err := r.client.UpdateGroupName(ctx, node.Remote.GroupID, title); err != nil {
			r.logger.Warn(logging.WithNodePath(ctx, path), "remote rename failed", zap.Int64("group_id", node.Remote.GroupID), zap.Error(err))
		}
	}
	return node, nil
}

// Reparent moves a node and everything beneath it under newParentPath. The
// local move is a single transaction and is authoritative. The remote group
// is then transferred on a best-effort basis; when the transfer succeeds the
// cached namespaces of the subtree are rewritten to match.
func (r *Reconciler) Reparent(ctx context.Context, l lease.Lease, path, newParentPath string) (*hierarchy.Node, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.reparent", trace.WithAttributes(
		attribute.String("node.path", path),
		attribute.String("node.new_parent", newParentPath),
	))
	defer span.End()

	if err := l.Check(path); err != nil {
		return nil, err
	}
	if err := r.checkMoveCollisions(ctx, path, newParentPath); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	moved, err := r.nodes.Reparent(ctx, path, newParentPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ctx = logging.WithNodePath(ctx, moved.Path)

	if !moved.Remote.IsSet() {
		return moved, nil
	}
	parent, err := r.nodes.GetByPath(ctx, newParentPath)
	if err != nil {
		return nil, err
	}
	if !parent.Remote.IsSet() {
		r.logger.Warn(ctx, "new parent has no remote group, remote move skipped", zap.String("parent", newParentPath))
		return moved, nil
	}

	oldNS := moved.Remote.NamespacePath
	group, err := r.client.TransferGroup(ctx, moved.Remote.GroupID, parent.Remote.GroupID)
	if err != nil {
		r.logger.Warn(ctx, "remote move failed, local path kept", zap.Int64("group_id", moved.Remote.GroupID), zap.Error(err))
		return moved, nil
	}

	if err := r.rebaseBindings(ctx, moved, oldNS, group); err != nil {
		r.logger.Warn(ctx, "refreshing moved bindings failed", zap.Error(err))
	}
	return r.nodes.GetByPath(ctx, moved.Path)
}

// checkMoveCollisions maps the subtree of path as it will look under
// newParentPath together with the nodes already there, and fails if any two
// share a remote path.
func (r *Reconciler) checkMoveCollisions(ctx context.Context, path, newParentPath string) error {
	if pathmap.Parent(path) == newParentPath {
		return nil
	}
	siblings, err := r.nodes.Children(ctx, newParentPath)
	if err != nil {
		return err
	}
	descendants, err := r.nodes.Descendants(ctx, path)
	if err != nil {
		return err
	}
	newPath := pathmap.Join(newParentPath, pathmap.Label(path))
	batch := make([]string, 0, len(siblings)+len(descendants)+1)
	for _, n := range siblings {
		batch = append(batch, n.Path)
	}
	batch = append(batch, newPath)
	for _, d := range descendants {
		batch = append(batch, pathmap.Rebase(d.Path, path, newPath))
	}
	return r.mapper.CheckCollisions(batch)
}

func (r *Reconciler) rebaseBindings(ctx context.Context, moved *hierarchy.Node, oldNS string, group *remote.GroupRef) error {
	descendants, err := r.nodes.Descendants(ctx, moved.Path)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	for _, n := range append([]*hierarchy.Node{moved}, descendants...) {
		if !n.Remote.IsSet() || !underNamespace(n.Remote.NamespacePath, oldNS) {
			continue
		}
		b := n.Remote
		b.NamespacePath = rebaseNamespace(b.NamespacePath, oldNS, group.FullPath)
		b.WebURL = rebaseNamespace(b.WebURL, oldNS, group.FullPath)
		b.LastSyncedAt = &now
		if _, err := r.nodes.SetBinding(ctx, n.ID, b); err != nil {
			return err
		}

		if n.Kind == hierarchy.KindCourse && n.Template.IsSet() {
			t := n.Template
			t.Path = rebaseNamespace(t.Path, oldNS, group.FullPath)
			t.WebURL = rebaseNamespace(t.WebURL, oldNS, group.FullPath)
			if err := r.nodes.SetTemplateProject(ctx, n.ID, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func underNamespace(ns, prefix string) bool {
	return ns == prefix || strings.HasPrefix(ns, prefix+"/")
}

// rebaseNamespace replaces the first occurrence of oldNS as a whole path
// component run in s. It works for both bare namespaces and URLs ending in one.
func rebaseNamespace(s, oldNS, newNS string) string {
	i := strings.Index(s, oldNS)
	for i >= 0 {
		end := i + len(oldNS)
		startOK := i == 0 || s[i-1] == '/'
		endOK := end == len(s) || s[end] == '/'
		if startOK && endOK {
			return s[:i] + newNS + s[end:]
		}
		next := strings.Index(s[i+1:], oldNS)
		if next < 0 {
			break
		}
		i += next + 1
	}
	return s
}

func joinRemote(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + pathmap.RemoteSeparator + segment
}
