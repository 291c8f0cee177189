package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

// TemporalStarter starts runs as Temporal workflows.
type TemporalStarter struct {
	client             client.Client
	taskQueue          string
	stagingConcurrency int
}

var _ runs.Starter = (*TemporalStarter)(nil)

// NewTemporalStarter creates a starter submitting to taskQueue.
func NewTemporalStarter(c client.Client, taskQueue string, stagingConcurrency int) (*TemporalStarter, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &TemporalStarter{client: c, taskQueue: taskQueue, stagingConcurrency: stagingConcurrency}, nil
}

// Start executes the workflow of req under its durable workflow id. A second
// start while a workflow with the same id is open fails.
func (s *TemporalStarter) Start(ctx context.Context, req runs.StartRequest) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:                       req.WorkflowID,
		TaskQueue:                s.taskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		RetryPolicy:              &temporal.RetryPolicy{MaximumAttempts: 1},
	}

	var (
		run client.WorkflowRun
		err error
	)
	switch req.Kind {
	case runs.KindReconcile:
		run, err = s.client.ExecuteWorkflow(ctx, opts, ReconcileWorkflow, ReconcileInput{
			RunID:    req.RunID,
			NodePath: req.NodePath,
			Force:    req.Force,
		})
	case runs.KindRename:
		run, err = s.client.ExecuteWorkflow(ctx, opts, RenameWorkflow, RenameInput{
			RunID:    req.RunID,
			NodePath: req.NodePath,
			Title:    req.Title,
		})
	case runs.KindReparent:
		run, err = s.client.ExecuteWorkflow(ctx, opts, ReparentWorkflow, ReparentInput{
			RunID:         req.RunID,
			NodePath:      req.NodePath,
			NewParentPath: req.NewParentPath,
		})
	case runs.KindRelease:
		courseID, perr := uuid.Parse(req.CourseID)
		if perr != nil {
			return "", fmt.Errorf("invalid course id %q: %w", req.CourseID, perr)
		}
		run, err = s.client.ExecuteWorkflow(ctx, opts, ReleaseWorkflow, ReleaseInput{
			RunID:              req.RunID,
			CourseID:           courseID,
			CommitMessage:      req.CommitMessage,
			Actor:              req.Actor,
			StagingConcurrency: s.stagingConcurrency,
		})
	default:
		return "", fmt.Errorf("unknown run kind %q", req.Kind)
	}
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", fmt.Errorf("%w: %s", runs.ErrAlreadyStarted, req.WorkflowID)
		}
		return "", fmt.Errorf("executing workflow %s: %w", req.WorkflowID, err)
	}
	return run.GetRunID(), nil
}

// Cancel requests cancellation of the open workflow with workflowID.
func (s *TemporalStarter) Cancel(ctx context.Context, workflowID string) error {
	err := s.client.CancelWorkflow(ctx, workflowID, "")
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: workflow %s", runs.ErrFinished, workflowID)
	}
	return err
}
