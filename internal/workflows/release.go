package workflows

import (
	"fmt"
	"sort"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	"github.com/computor-org/computor-fullstack-sub002/internal/examples"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

// ReleaseWorkflow releases the pending contents of a course as one commit.
//
// This workflow:
// 1. Resolves the course and computes the pending change set
// 2. Fetches the manifest of every item
// 3. Stages the student-visible files of every item, a bounded number at a time
// 4. Commits all staged items to the template repository at once
// 5. Fails whatever is left deploying and finishes the run, also when cancelled
//
// A failing item is marked failed and does not stop the others. The run fails
// only when nothing could be committed.
func ReleaseWorkflow(ctx workflow.Context, input ReleaseInput) (result *ReleaseResult, err error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting release", "run_id", input.RunID, "course_id", input.CourseID.String())

	result = &ReleaseResult{Failed: map[string]string{}}
	var a *Activities

	defer func() {
		dctx, _ := workflow.NewDisconnectedContext(ctx)
		dctx = workflow.WithActivityOptions(dctx, activityOptions(cleanupTimeout))

		reason := "release did not complete"
		if err != nil {
			_, msg := outcome(err)
			reason = "release did not complete: " + msg
		}
		var aborted int
		if aerr := workflow.ExecuteActivity(dctx, a.AbortInFlightActivity, AbortInput{
			RunID:    input.RunID,
			CourseID: input.CourseID,
			Message:  reason,
		}).Get(dctx, &aborted); aerr != nil {
			logger.Error("Failed to abort in-flight items", "error", aerr)
		} else if aborted > 0 {
			logger.Warn("Aborted in-flight items", "count", aborted)
		}
		if cerr := workflow.ExecuteActivity(dctx, a.ClearStagingActivity, RunInput{RunID: input.RunID}).Get(dctx, nil); cerr != nil {
			logger.Warn("Failed to clear staging (non-fatal)", "error", cerr)
		}

		finishRun(ctx, runs.KindRelease, input.RunID, result, err)
	}()

	if err = input.Validate(); err != nil {
		return result, temporal.NewNonRetryableApplicationError(err.Error(), TypeNotFound, err)
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions(stepTimeout))
	course := CourseInput{RunID: input.RunID, CourseID: input.CourseID, Actor: input.Actor}

	// Step 1: Resolve the course and the change set
	if err = setStage(ctx, input.RunID, runs.StageResolvingParent); err != nil {
		return result, err
	}
	var info CourseInfo
	if err = workflow.ExecuteActivity(ctx, a.ResolveCourseActivity, course).Get(ctx, &info); err != nil {
		return result, NewWorkflowError("resolve_course", ErrorSeverityCritical, err, input.CourseID.String())
	}
	var changes deployment.ChangeSet
	if err = workflow.ExecuteActivity(ctx, a.PendingChangeSetActivity, course).Get(ctx, &changes); err != nil {
		return result, NewWorkflowError("pending_change_set", ErrorSeverityCritical, err, info.Path)
	}
	for p, msg := range changes.Rejected {
		result.Failed[p] = msg
	}
	items := changes.Items
	if len(items) == 0 {
		logger.Info("Nothing to release", "course", info.Path, "rejected", len(changes.Rejected))
		result.Message = "nothing to release"
		if len(changes.Rejected) > 0 {
			result.Message = fmt.Sprintf("nothing to release, %d item(s) failed", len(changes.Rejected))
		}
		return result, nil
	}

	// Step 2: Fetch manifests
	if err = setStage(ctx, input.RunID, runs.StageDownloadingExamples); err != nil {
		return result, err
	}
	manifests := make([]workflow.Future, len(items))
	for i, item := range items {
		manifests[i] = workflow.ExecuteActivity(ctx, a.FetchManifestActivity, ItemInput{
			RunID: input.RunID,
			Actor: input.Actor,
			Item:  item,
		})
	}
	var ready []ItemInput
	for i, f := range manifests {
		var m examples.Manifest
		if ferr := f.Get(ctx, &m); ferr != nil {
			if temporal.IsCanceledError(ferr) {
				err = ferr
				return result, err
			}
			if err = failItem(ctx, input, items[i], ferr, result); err != nil {
				return result, err
			}
			continue
		}
		ready = append(ready, ItemInput{RunID: input.RunID, Actor: input.Actor, Item: items[i], Manifest: &m})
	}

	// Step 3: Stage, a bounded number at a time
	if err = setStage(ctx, input.RunID, runs.StageStagingFiles); err != nil {
		return result, err
	}
	staged, errs := stageAll(ctx, ready, input.concurrency())
	var toCommit []deployment.StagedItem
	for i, in := range ready {
		if serr := errs[i]; serr != nil {
			if temporal.IsCanceledError(serr) {
				err = serr
				return result, err
			}
			if err = failItem(ctx, input, in.Item, serr, result); err != nil {
				return result, err
			}
			continue
		}
		toCommit = append(toCommit, *staged[i])
	}
	if len(toCommit) == 0 {
		err = NewWorkflowError("stage", ErrorSeverityCritical, fmt.Errorf("all %d item(s) failed", len(items)), info.Path)
		return result, err
	}
	sort.Slice(toCommit, func(i, j int) bool { return toCommit[i].Directory < toCommit[j].Directory })

	// Step 4: One commit for the batch
	if err = setStage(ctx, input.RunID, runs.StageCommitting); err != nil {
		return result, err
	}
	commitCtx := workflow.WithActivityOptions(ctx, activityOptions(commitTimeout))
	var commit deployment.CommitResult
	err = workflow.ExecuteActivity(commitCtx, a.CommitActivity, CommitInput{
		RunID: input.RunID,
		Actor: input.Actor,
		Request: deployment.CommitRequest{
			CourseID: input.CourseID,
			Items:    toCommit,
			Message:  input.CommitMessage,
		},
	}).Get(ctx, &commit)
	if err != nil {
		if temporal.IsCanceledError(err) {
			return result, err
		}
		for _, s := range toCommit {
			if ferr := failItem(ctx, input, s.Item, err, result); ferr != nil {
				logger.Error("Failed to mark item failed", "content", s.ContentPath, "error", ferr)
			}
		}
		return result, NewWorkflowError("commit", ErrorSeverityCritical, err, info.Path)
	}

	result.CommitSHA = commit.SHA
	result.CommitURL = commit.WebURL
	for _, s := range toCommit {
		result.Deployed = append(result.Deployed, s.ContentPath)
	}
	if len(result.Failed) > 0 {
		result.Message = fmt.Sprintf("released %d item(s), %d failed", len(result.Deployed), len(result.Failed))
	} else {
		result.Message = fmt.Sprintf("released %d item(s)", len(result.Deployed))
	}

	logger.Info("Release complete",
		"course", info.Path,
		"deployed", len(result.Deployed),
		"failed", len(result.Failed),
		"commit", commit.SHA)
	return result, nil
}

// stageAll runs StageItemActivity for every item with at most limit in flight.
func stageAll(ctx workflow.Context, items []ItemInput, limit int) ([]*deployment.StagedItem, []error) {
	var a *Activities
	staged := make([]*deployment.StagedItem, len(items))
	errs := make([]error, len(items))

	sem := workflow.NewBufferedChannel(ctx, limit)
	wg := workflow.NewWaitGroup(ctx)
	for i, in := range items {
		wg.Add(1)
		workflow.Go(ctx, func(gctx workflow.Context) {
			defer wg.Done()
			sem.Send(gctx, struct{}{})
			defer func() {
				var token struct{}
				sem.Receive(gctx, &token)
			}()

			var s deployment.StagedItem
			if err := workflow.ExecuteActivity(gctx, a.StageItemActivity, in).Get(gctx, &s); err != nil {
				errs[i] = err
				return
			}
			staged[i] = &s
		})
	}
	wg.Wait(ctx)
	return staged, errs
}

// failItem marks item failed and records it in result. Only a failure to
// record the item is returned.
func failItem(ctx workflow.Context, input ReleaseInput, item deployment.Item, cause error, result *ReleaseResult) error {
	var a *Activities
	msg := Message(cause)
	workflow.GetLogger(ctx).Warn("Release item failed", "content", item.ContentPath, "type", ErrorType(cause), "reason", msg)

	err := workflow.ExecuteActivity(ctx, a.FailItemActivity, FailItemInput{
		RunID:   input.RunID,
		Actor:   input.Actor,
		Item:    item,
		Message: msg,
	}).Get(ctx, nil)
	if err != nil {
		return NewWorkflowError("fail_item", ErrorSeverityHigh, err, item.ContentPath)
	}
	result.Failed[item.ContentPath] = msg
	return nil
}
