package workflows

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

// ReconcileWorkflow reconciles a node and its ancestors, parent first.
//
// This workflow:
// 1. Resolves the chain of nodes from the organization down to the target
// 2. Reconciles each node in order, adopting or creating its remote group
// 3. Finishes the run, also when cancelled
func ReconcileWorkflow(ctx workflow.Context, input ReconcileInput) (result *ReconcileResult, err error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting reconciliation", "run_id", input.RunID, "path", input.NodePath, "force", input.Force)

	result = &ReconcileResult{}
	defer func() {
		finishRun(ctx, runs.KindReconcile, input.RunID, result, err)
	}()

	if err = input.Validate(); err != nil {
		return result, temporal.NewNonRetryableApplicationError(err.Error(), TypeInvalidPath, err)
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions(stepTimeout))

	var a *Activities

	// Step 1: Resolve the chain
	if err = setStage(ctx, input.RunID, runs.StageResolvingParent); err != nil {
		return result, err
	}
	var chain []string
	err = workflow.ExecuteActivity(ctx, a.ResolveChainActivity, ChainInput{
		RunID:    input.RunID,
		NodePath: input.NodePath,
	}).Get(ctx, &chain)
	if err != nil {
		return result, NewWorkflowError("resolve_parent", ErrorSeverityCritical, err, input.NodePath)
	}

	// Step 2: Reconcile root first
	if err = setStage(ctx, input.RunID, runs.StageCreatingRemoteGroup); err != nil {
		return result, err
	}
	for i, path := range chain {
		var b NodeBinding
		err = workflow.ExecuteActivity(ctx, a.ReconcileNodeActivity, NodeInput{
			RunID:    input.RunID,
			LeaseKey: input.NodePath,
			Path:     path,
			Force:    input.Force && i == len(chain)-1,
		}).Get(ctx, &b)
		if err != nil {
			return result, NewWorkflowError("reconcile_node", ErrorSeverityCritical, err, path)
		}
		result.Bindings = append(result.Bindings, b)
	}

	logger.Info("Reconciliation complete", "nodes", len(result.Bindings))
	return result, nil
}

func setStage(ctx workflow.Context, runID, stage string) error {
	var a *Activities
	return workflow.ExecuteActivity(ctx, a.SetStageActivity, StageInput{RunID: runID, Stage: stage}).Get(ctx, nil)
}

// finishRun records the outcome of a run on a disconnected context.
func finishRun(ctx workflow.Context, kind runs.Kind, runID string, result any, err error) {
	logger := workflow.GetLogger(ctx)
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	dctx = workflow.WithActivityOptions(dctx, activityOptions(cleanupTimeout))

	status, message := outcome(err)
	data, merr := json.Marshal(result)
	if merr != nil {
		logger.Warn("Failed to encode run result", "error", merr)
		data = nil
	}

	var a *Activities
	ferr := workflow.ExecuteActivity(dctx, a.FinishRunActivity, FinishInput{
		RunID:   runID,
		Kind:    kind,
		Status:  status,
		Message: message,
		Result:  data,
	}).Get(dctx, nil)
	if ferr != nil {
		logger.Error("Failed to finish run", "run_id", runID, "error", ferr)
	}
}

// outcome maps a workflow error to the run status and message.
func outcome(err error) (runs.Status, string) {
	if err == nil {
		return runs.StatusSucceeded, ""
	}
	if temporal.IsCanceledError(err) {
		return runs.StatusCancelled, "cancelled"
	}
	var werr *WorkflowError
	if errors.As(err, &werr) {
		return runs.StatusFailed, werr.Error()
	}
	return runs.StatusFailed, fmt.Sprintf("run failed: %s", Message(err))
}
