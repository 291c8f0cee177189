package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/computor-org/computor-fullstack-sub002/internal/auth"
	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/notify"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/secrets"
)

// StartRequest describes the durable work behind a run.
type StartRequest struct {
	RunID         string
	Kind          Kind
	WorkflowID    string
	NodePath      string
	Title         string // Rename only
	NewParentPath string // Reparent only
	CourseID      string
	Force         bool
	CommitMessage string
	Actor         string
}

// Starter hands runs to the workflow engine.
type Starter interface {
	// Start begins the workflow and returns the engine's run id. A taken
	// workflow id is reported as ErrAlreadyStarted.
	Start(ctx context.Context, req StartRequest) (string, error)
	Cancel(ctx context.Context, workflowID string) error
}

// ListFilter narrows ListRuns.
type ListFilter struct {
	Kind   Kind
	Status Status
	Key    string
	Active bool
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service submits and tracks runs.
type Service struct {
	db        *gorm.DB
	nodes     *hierarchy.Store
	starter   Starter
	publisher notify.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// New creates a Service. publisher may be nil.
func New(db *gorm.DB, nodes *hierarchy.Store, starter Starter, publisher notify.Publisher, logger *logging.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if nodes == nil {
		return nil, errors.New("hierarchy store is required")
	}
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		db:        db,
		nodes:     nodes,
		starter:   starter,
		publisher: publisher,
		logger:    logger.Named("runs"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SubmitReconciliation starts reconciling the node at nodePath and its
// ancestors. A course may be reconciled by its lecturers; organizations and
// course families need an admin.
func (s *Service) SubmitReconciliation(ctx context.Context, p auth.Principal, nodePath string, force bool) (string, error) {
	if err := pathmap.Validate(nodePath); err != nil {
		return "", err
	}
	node, err := s.nodes.GetByPath(ctx, nodePath)
	if err != nil {
		return "", err
	}
	if node.Kind == hierarchy.KindCourse {
		err = auth.RequireCourseRole(p, node.ID, auth.RoleLecturer)
	} else {
		err = auth.RequireAdmin(p)
	}
	if err != nil {
		return "", err
	}

	if err := s.checkNoMoveAround(ctx, nodePath); err != nil {
		return "", err
	}
	return s.submit(ctx, p, StartRequest{
		Kind:     KindReconcile,
		NodePath: nodePath,
		Force:    force,
	}, nodePath)
}

// SubmitRename starts changing the title of the node at nodePath. Course
// lecturers may rename their course; other nodes need an admin.
func (s *Service) SubmitRename(ctx context.Context, p auth.Principal, nodePath, title string) (string, error) {
	if err := pathmap.Validate(nodePath); err != nil {
		return "", err
	}
	if strings.TrimSpace(title) == "" {
		return "", fmt.Errorf("%w: title is required", hierarchy.ErrInvalidTitle)
	}
	node, err := s.nodes.GetByPath(ctx, nodePath)
	if err != nil {
		return "", err
	}
	if node.Kind == hierarchy.KindCourse {
		err = auth.RequireCourseRole(p, node.ID, auth.RoleLecturer)
	} else {
		err = auth.RequireAdmin(p)
	}
	if err != nil {
		return "", err
	}
	if err := s.checkNoMoveAround(ctx, nodePath); err != nil {
		return "", err
	}

	return s.submit(ctx, p, StartRequest{
		Kind:     KindRename,
		NodePath: nodePath,
		Title:    title,
	}, nodePath)
}

// SubmitReparent starts moving the node at nodePath and its subtree under
// newParentPath. Moves need an admin and are refused while any node-scoped
// run is active inside the subtree.
func (s *Service) SubmitReparent(ctx context.Context, p auth.Principal, nodePath, newParentPath string) (string, error) {
	if err := pathmap.Validate(nodePath); err != nil {
		return "", err
	}
	if err := pathmap.Validate(newParentPath); err != nil {
		return "", err
	}
	if err := auth.RequireAdmin(p); err != nil {
		return "", err
	}
	node, err := s.nodes.GetByPath(ctx, nodePath)
	if err != nil {
		return "", err
	}
	if node.Kind == hierarchy.KindOrganization {
		return "", fmt.Errorf("%w: organizations have no parent", hierarchy.ErrInvalidParent)
	}
	if _, err := s.nodes.GetByPath(ctx, newParentPath); err != nil {
		return "", fmt.Errorf("%w: new parent %q: %v", hierarchy.ErrInvalidParent, newParentPath, err)
	}
	if newParentPath == nodePath || pathmap.IsAncestor(nodePath, newParentPath) {
		return "", fmt.Errorf("%w: %q cannot move below itself", hierarchy.ErrInvalidParent, nodePath)
	}
	if err := s.checkNoMoveAround(ctx, nodePath); err != nil {
		return "", err
	}
	if err := s.checkSubtreeIdle(ctx, nodePath); err != nil {
		return "", err
	}

	return s.submit(ctx, p, StartRequest{
		Kind:          KindReparent,
		NodePath:      nodePath,
		NewParentPath: newParentPath,
	}, nodePath)
}

// checkNoMoveAround refuses work on path while a move of one of its
// ancestors is active, since the move rewrites path.
func (s *Service) checkNoMoveAround(ctx context.Context, path string) error {
	var moves []Run
	if err := s.db.WithContext(ctx).
		Where("kind = ? AND active_key IS NOT NULL", KindReparent).
		Find(&moves).Error; err != nil {
		return err
	}
	for _, m := range moves {
		if pathmap.IsAncestor(m.IdempotencyKey, path) {
			return &RunInFlightError{NodePath: m.IdempotencyKey, ExistingRunID: m.ID}
		}
	}
	return nil
}

// checkSubtreeIdle refuses a move of path while a node-scoped run below it is active.
func (s *Service) checkSubtreeIdle(ctx context.Context, path string) error {
	var active []Run
	if err := s.db.WithContext(ctx).
		Where("kind IN ? AND active_key IS NOT NULL", []Kind{KindReconcile, KindRename, KindReparent}).
		Find(&active).Error; err != nil {
		return err
	}
	for _, r := range active {
		if pathmap.IsAncestor(path, r.IdempotencyKey) {
			return &RunInFlightError{NodePath: r.IdempotencyKey, ExistingRunID: r.ID}
		}
	}
	return nil
}

// SubmitRelease starts releasing the pending contents of a course.
func (s *Service) SubmitRelease(ctx context.Context, p auth.Principal, courseID uuid.UUID, commitMessage string) (string, error) {
	course, err := s.nodes.Get(ctx, courseID)
	if err != nil {
		return "", err
	}
	if course.Kind != hierarchy.KindCourse {
		return "", fmt.Errorf("%w: %q is a %s, not a course", hierarchy.ErrInvalidParent, course.Path, course.Kind)
	}
	if err := auth.RequireCourseRole(p, courseID, auth.RoleLecturer); err != nil {
		return "", err
	}

	return s.submit(ctx, p, StartRequest{
		Kind:          KindRelease,
		CourseID:      courseID.String(),
		CommitMessage: commitMessage,
	}, courseID.String())
}

func (s *Service) submit(ctx context.Context, p auth.Principal, req StartRequest, key string) (string, error) {
	workflowID := WorkflowID(req.Kind, key)
	run := &Run{
		ID:                 uuid.NewString(),
		Kind:               req.Kind,
		IdempotencyKey:     key,
		ActiveKey:          &workflowID,
		Stage:              StageQueued,
		Status:             StatusQueued,
		TemporalWorkflowID: workflowID,
		CreatedBy:          p.ID(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var existing Run
			if ferr := s.db.WithContext(ctx).Where("active_key = ?", workflowID).First(&existing).Error; ferr != nil && !errors.Is(ferr, gorm.ErrRecordNotFound) {
				return "", ferr
			}
			return "", conflict(req.Kind, key, existing.ID)
		}
		return "", fmt.Errorf("recording run: %w", err)
	}

	ctx = logging.WithRunID(ctx, run.ID)
	req.RunID = run.ID
	req.WorkflowID = workflowID
	req.Actor = p.ID()

	temporalRunID, err := s.starter.Start(ctx, req)
	if err != nil {
		if ferr := s.Finish(ctx, run.ID, StatusFailed, "workflow could not be started: "+err.Error(), nil); ferr != nil {
			s.logger.Error(ctx, "failed to close unstarted run", zap.Error(ferr))
		}
		if errors.Is(err, ErrAlreadyStarted) {
			return "", conflict(req.Kind, key, s.latestOther(ctx, workflowID, run.ID))
		}
		return "", fmt.Errorf("starting %s: %w", workflowID, err)
	}

	if err := s.db.WithContext(ctx).Model(&Run{}).Where("id = ?", run.ID).
		Update("temporal_run_id", temporalRunID).Error; err != nil {
		s.logger.Warn(ctx, "failed to store temporal run id", zap.Error(err))
	}
	s.publish(ctx, notify.Event{RunID: run.ID, Kind: string(run.Kind), Type: notify.EventSubmitted, Stage: run.Stage, Status: string(run.Status)})
	s.logger.Info(ctx, "run submitted",
		zap.String("kind", string(req.Kind)),
		zap.String("workflow_id", workflowID),
		zap.String("by", p.ID()),
	)
	return run.ID, nil
}

// latestOther returns the most recent run under workflowID other than exclude, or "".
func (s *Service) latestOther(ctx context.Context, workflowID, exclude string) string {
	var other Run
	err := s.db.WithContext(ctx).
		Where("temporal_workflow_id = ? AND id <> ?", workflowID, exclude).
		Order("created_at DESC").
		First(&other).Error
	if err != nil {
		return ""
	}
	return other.ID
}

func conflict(kind Kind, key, existing string) error {
	if kind == KindRelease {
		return &DeploymentConflictError{CourseID: key, ExistingRunID: existing}
	}
	return &RunInFlightError{NodePath: key, ExistingRunID: existing}
}

// Get loads a run.
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return &run, nil
}

// GetRunStatus returns the pollable state of a run.
func (s *Service) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunStatus{
		RunID:           run.ID,
		Kind:            run.Kind,
		Stage:           run.Stage,
		Status:          run.Status,
		Message:         run.Message,
		CancelRequested: run.CancelRequested,
		Result:          run.Result,
		FinishedAt:      run.FinishedAt,
	}, nil
}

// ListRuns returns runs newest first.
func (s *Service) ListRuns(ctx context.Context, f ListFilter) ([]Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Key != "" {
		q = q.Where("idempotency_key = ?", f.Key)
	}
	if f.Active {
		q = q.Where("active_key IS NOT NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var out []Run
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel requests cancellation of an active run. Cancellation is best
// effort: stages already done are not rolled back.
func (s *Service) Cancel(ctx context.Context, p auth.Principal, runID string) error {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !s.mayCancel(p, run) {
		return fmt.Errorf("%w: cancelling run %s", auth.ErrForbidden, runID)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrFinished, runID, run.Status)
	}

	if err := s.db.WithContext(ctx).Model(&Run{}).Where("id = ?", runID).
		Update("cancel_requested", true).Error; err != nil {
		return err
	}
	if err := s.starter.Cancel(ctx, run.TemporalWorkflowID); err != nil {
		return fmt.Errorf("cancelling %s: %w", run.TemporalWorkflowID, err)
	}
	s.logger.Info(logging.WithRunID(ctx, runID), "run cancellation requested", zap.String("by", p.ID()))
	return nil
}

func (s *Service) mayCancel(p auth.Principal, run *Run) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin() || p.ID() == run.CreatedBy {
		return true
	}
	if run.Kind == KindRelease {
		if courseID, err := uuid.Parse(run.IdempotencyKey); err == nil {
			return p.HasCourseRole(courseID, auth.RoleLecturer)
		}
	}
	return false
}

// SetStage records progress of an active run.
func (s *Service) SetStage(ctx context.Context, runID, stage string) error {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", runID, []Status{StatusQueued, StatusRunning}).
		Updates(map[string]interface{}{"stage": stage, "status": StatusRunning})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		run, err := s.Get(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrFinished, runID, run.Status)
	}
	s.publish(ctx, notify.Event{RunID: runID, Type: notify.EventStage, Stage: stage, Status: string(StatusRunning)})
	return nil
}

// Finish moves a run to a terminal status and releases its idempotency key.
// Finishing a run that already ended is a no-op. message is scrubbed of
// credentials before it is stored.
func (s *Service) Finish(ctx context.Context, runID string, status Status, message string, result any) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	updates := map[string]interface{}{
		"status":      status,
		"message":     secrets.Scrub(message),
		"finished_at": s.now(),
		"active_key":  nil,
	}
	if status == StatusSucceeded {
		updates["stage"] = StageDone
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal run result: %w", err)
		}
		updates["result"] = datatypes.JSON(data)
	}

	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status NOT IN ?", runID, []Status{StatusSucceeded, StatusFailed, StatusCancelled}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, runID); err != nil {
			return err
		}
		return nil
	}

	s.publish(ctx, notify.Event{RunID: runID, Type: notify.EventFinished, Status: string(status), Message: secrets.Scrub(message)})
	s.logger.Info(logging.WithRunID(ctx, runID), "run finished", zap.String("status", string(status)))
	return nil
}

func (s *Service) publish(ctx context.Context, e notify.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn(ctx, "failed to publish run event", zap.String("type", e.Type), zap.Error(err))
	}
}
