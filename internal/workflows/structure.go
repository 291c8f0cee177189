package workflows

import (
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

// RenameWorkflow changes the title of a node. The remote group name follows
// on a best-effort basis.
func RenameWorkflow(ctx workflow.Context, input RenameInput) (result *NodeResult, err error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting rename", "run_id", input.RunID, "path", input.NodePath)

	result = &NodeResult{}
	defer func() {
		finishRun(ctx, runs.KindRename, input.RunID, result, err)
	}()

	if err = input.Validate(); err != nil {
		return result, temporal.NewNonRetryableApplicationError(err.Error(), TypeInvalidPath, err)
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions(stepTimeout))

	if err = setStage(ctx, input.RunID, runs.StageRenaming); err != nil {
		return result, err
	}
	var a *Activities
	err = workflow.ExecuteActivity(ctx, a.RenameNodeActivity, RenameNodeInput{
		RunID: input.RunID,
		Path:  input.NodePath,
		Title: input.Title,
	}).Get(ctx, result)
	if err != nil {
		return result, NewWorkflowError("rename_node", ErrorSeverityCritical, err, input.NodePath)
	}

	logger.Info("Rename complete", "path", result.Path)
	return result, nil
}

// ReparentWorkflow moves a node and its subtree under a new parent. The local
// move is authoritative; the remote group transfer is best effort.
func ReparentWorkflow(ctx workflow.Context, input ReparentInput) (result *NodeResult, err error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting move", "run_id", input.RunID, "path", input.NodePath, "new_parent", input.NewParentPath)

	result = &NodeResult{}
	defer func() {
		finishRun(ctx, runs.KindReparent, input.RunID, result, err)
	}()

	if err = input.Validate(); err != nil {
		return result, temporal.NewNonRetryableApplicationError(err.Error(), TypeInvalidPath, err)
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions(stepTimeout))

	if err = setStage(ctx, input.RunID, runs.StageMoving); err != nil {
		return result, err
	}
	var a *Activities
	err = workflow.ExecuteActivity(ctx, a.ReparentNodeActivity, ReparentNodeInput{
		RunID:         input.RunID,
		Path:          input.NodePath,
		NewParentPath: input.NewParentPath,
	}).Get(ctx, result)
	if err != nil {
		return result, NewWorkflowError("move_node", ErrorSeverityCritical, err, input.NodePath)
	}

	logger.Info("Move complete", "path", result.Path)
	return result, nil
}
