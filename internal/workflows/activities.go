package workflows

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/auth"
	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	"github.com/computor-org/computor-fullstack-sub002/internal/examples"
	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/lease"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/reconcile"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

// Activities holds the dependencies of every activity. Workers register a
// single *Activities; workflows reference its methods through a nil pointer.
type Activities struct {
	Runs        *runs.Service
	Nodes       *hierarchy.Store
	Reconciler  *reconcile.Reconciler
	Deployments *deployment.Manager
	Staging     deployment.Staging
	Logger      *logging.Logger
}

var errMissingActivities = errors.New("activities are required")

func (a *Activities) validate() error {
	switch {
	case a.Runs == nil:
		return errors.New("activities: run service is required")
	case a.Nodes == nil:
		return errors.New("activities: hierarchy store is required")
	case a.Reconciler == nil:
		return errors.New("activities: reconciler is required")
	case a.Deployments == nil:
		return errors.New("activities: deployment manager is required")
	case a.Staging == nil:
		return errors.New("activities: staging is required")
	}
	return nil
}

func (a *Activities) logger() *logging.Logger {
	if a.Logger == nil {
		return logging.NewNop()
	}
	return a.Logger
}

// observe records the activity duration and converts a failure to an
// application error.
func observe[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	activityDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("activity", op)))
	if err != nil {
		var zero T
		return zero, toApplicationError(op, err)
	}
	return out, nil
}

func withActor(ctx context.Context, runID, actor string) context.Context {
	ctx = logging.WithRunID(ctx, runID)
	if actor != "" {
		ctx = auth.WithPrincipal(ctx, &auth.Claims{Subject: actor})
	}
	return ctx
}

// SetStageActivity records the stage of a run and publishes a stage event.
func (a *Activities) SetStageActivity(ctx context.Context, in StageInput) error {
	_, err := observe(ctx, "set stage", func() (struct{}, error) {
		return struct{}{}, a.Runs.SetStage(logging.WithRunID(ctx, in.RunID), in.RunID, in.Stage)
	})
	return err
}

// FinishRunActivity moves a run to its terminal status. It runs on a
// disconnected context so it also runs for cancelled workflows.
func (a *Activities) FinishRunActivity(ctx context.Context, in FinishInput) error {
	_, err := observe(ctx, "finish run", func() (struct{}, error) {
		var result any
		if len(in.Result) > 0 {
			result = in.Result
		}
		return struct{}{}, a.Runs.Finish(logging.WithRunID(ctx, in.RunID), in.RunID, in.Status, in.Message, result)
	})
	if err == nil {
		runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(in.Kind)),
			attribute.String("status", string(in.Status)),
		))
	}
	return err
}

// ResolveChainActivity returns the paths of the node and its ancestors, root first.
func (a *Activities) ResolveChainActivity(ctx context.Context, in ChainInput) ([]string, error) {
	return observe(ctx, "resolve chain", func() ([]string, error) {
		chain, err := a.Nodes.Chain(ctx, in.NodePath)
		if err != nil {
			return nil, err
		}
		paths := make([]string, len(chain))
		for i, n := range chain {
			paths[i] = n.Path
		}
		return paths, nil
	})
}

// ReconcileNodeActivity reconciles one node under the run's lease. With
// Force the node is resynced against the remote instead.
func (a *Activities) ReconcileNodeActivity(ctx context.Context, in NodeInput) (*NodeBinding, error) {
	return observe(ctx, "reconcile "+in.Path, func() (*NodeBinding, error) {
		ctx := logging.WithNodePath(logging.WithRunID(ctx, in.RunID), in.Path)
		l := lease.New(in.LeaseKey, in.RunID)

		var (
			b   hierarchy.RemoteBinding
			err error
		)
		if in.Force {
			b, err = a.Reconciler.Resync(ctx, l, in.Path)
		} else {
			b, err = a.Reconciler.Reconcile(ctx, l, in.Path)
		}
		if err != nil {
			return nil, err
		}
		return &NodeBinding{Path: in.Path, GroupID: b.GroupID, NamespacePath: b.NamespacePath, WebURL: b.WebURL}, nil
	})
}

// RenameNodeActivity changes the title of a node under the run's lease.
func (a *Activities) RenameNodeActivity(ctx context.Context, in RenameNodeInput) (*NodeResult, error) {
	return observe(ctx, "rename "+in.Path, func() (*NodeResult, error) {
		ctx := logging.WithNodePath(logging.WithRunID(ctx, in.RunID), in.Path)
		n, err := a.Reconciler.Rename(ctx, lease.New(in.Path, in.RunID), in.Path, in.Title)
		if err != nil {
			return nil, err
		}
		return nodeResult(n), nil
	})
}

// ReparentNodeActivity moves a node and its subtree under the run's lease.
// Repeating it after the move took effect is a no-op.
func (a *Activities) ReparentNodeActivity(ctx context.Context, in ReparentNodeInput) (*NodeResult, error) {
	return observe(ctx, "move "+in.Path, func() (*NodeResult, error) {
		ctx := logging.WithNodePath(logging.WithRunID(ctx, in.RunID), in.Path)
		if moved := pathmap.Join(in.NewParentPath, pathmap.Label(in.Path)); moved != in.Path {
			if _, err := a.Nodes.GetByPath(ctx, in.Path); errors.Is(err, hierarchy.ErrNotFound) {
				if n, gerr := a.Nodes.GetByPath(ctx, moved); gerr == nil {
					return nodeResult(n), nil
				}
			}
		}
		n, err := a.Reconciler.Reparent(ctx, lease.New(in.Path, in.RunID), in.Path, in.NewParentPath)
		if err != nil {
			return nil, err
		}
		return nodeResult(n), nil
	})
}

func nodeResult(n *hierarchy.Node) *NodeResult {
	out := &NodeResult{Path: n.Path, Title: n.Title}
	if n.Remote.IsSet() {
		out.Binding = &NodeBinding{Path: n.Path, GroupID: n.Remote.GroupID, NamespacePath: n.Remote.NamespacePath, WebURL: n.Remote.WebURL}
	}
	return out
}

// ResolveCourseActivity checks that a course is reconciled and has a template project.
func (a *Activities) ResolveCourseActivity(ctx context.Context, in CourseInput) (*CourseInfo, error) {
	return observe(ctx, "resolve course", func() (*CourseInfo, error) {
		course, err := a.Deployments.ResolveCourse(ctx, in.CourseID)
		if err != nil {
			return nil, err
		}
		return &CourseInfo{Path: course.Path, TemplateURL: course.Template.WebURL}, nil
	})
}

// PendingChangeSetActivity computes the items of the release.
func (a *Activities) PendingChangeSetActivity(ctx context.Context, in CourseInput) (*deployment.ChangeSet, error) {
	return observe(ctx, "pending change set", func() (*deployment.ChangeSet, error) {
		ctx := withActor(logging.WithCourseID(ctx, in.CourseID.String()), in.RunID, in.Actor)
		return a.Deployments.PendingChangeSet(ctx, lease.New(in.CourseID.String(), in.RunID), in.CourseID)
	})
}

// FetchManifestActivity reads and validates the manifest of an item.
func (a *Activities) FetchManifestActivity(ctx context.Context, in ItemInput) (*examples.Manifest, error) {
	return observe(ctx, "fetch manifest "+in.Item.Ref(), func() (*examples.Manifest, error) {
		return a.Deployments.FetchManifest(logging.WithRunID(ctx, in.RunID), in.Item)
	})
}

// StageItemActivity copies the student-visible files of an item into staging.
func (a *Activities) StageItemActivity(ctx context.Context, in ItemInput) (*deployment.StagedItem, error) {
	return observe(ctx, "stage "+in.Item.Directory, func() (*deployment.StagedItem, error) {
		if in.Manifest == nil {
			return nil, &examples.ManifestValidationError{ExampleID: in.Item.ExampleID, Version: in.Item.ExampleVersion, Reason: "manifest missing"}
		}
		ctx := withActor(ctx, in.RunID, in.Actor)
		return a.Deployments.StageItem(ctx, lease.New(in.Item.CourseID.String(), in.RunID), in.Item, in.Manifest)
	})
}

// CommitActivity pushes all staged items as one commit and marks them deployed.
func (a *Activities) CommitActivity(ctx context.Context, in CommitInput) (*deployment.CommitResult, error) {
	return observe(ctx, "commit", func() (*deployment.CommitResult, error) {
		ctx := withActor(logging.WithCourseID(ctx, in.Request.CourseID.String()), in.RunID, in.Actor)
		res, err := a.Deployments.Commit(ctx, lease.New(in.Request.CourseID.String(), in.RunID), in.Request)
		if err != nil {
			return nil, err
		}
		releaseItemCounter.Add(ctx, int64(len(res.Deployed)), metric.WithAttributes(attribute.String("outcome", "deployed")))
		return res, nil
	})
}

// FailItemActivity marks one item failed.
func (a *Activities) FailItemActivity(ctx context.Context, in FailItemInput) error {
	_, err := observe(ctx, "fail "+in.Item.Directory, func() (struct{}, error) {
		ctx := withActor(ctx, in.RunID, in.Actor)
		if err := a.Deployments.FailItem(ctx, lease.New(in.Item.CourseID.String(), in.RunID), in.Item, errors.New(in.Message)); err != nil {
			return struct{}{}, err
		}
		releaseItemCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return struct{}{}, nil
	})
	return err
}

// AbortInFlightActivity fails the items the run left deploying.
func (a *Activities) AbortInFlightActivity(ctx context.Context, in AbortInput) (int, error) {
	return observe(ctx, "abort in-flight", func() (int, error) {
		ctx := logging.WithRunID(ctx, in.RunID)
		return a.Deployments.AbortInFlight(ctx, lease.New(in.CourseID.String(), in.RunID), in.CourseID, in.Message)
	})
}

// ClearStagingActivity removes the run's staged files. Failures are logged only.
func (a *Activities) ClearStagingActivity(ctx context.Context, in RunInput) error {
	if err := a.Staging.Clear(ctx, in.RunID); err != nil {
		a.logger().Warn(logging.WithRunID(ctx, in.RunID), "failed to clear staging", zap.Error(err))
	}
	return nil
}
