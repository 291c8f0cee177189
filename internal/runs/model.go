// Package runs is the submission boundary of the engine. It records every
// reconciliation and release as a WorkflowRun, enforces at most one active
// run per idempotency key, and hands the work to a Starter.
package runs

import (
	"time"

	"gorm.io/datatypes"
)

// Kind is the type of work a run does.
type Kind string

const (
	KindReconcile Kind = "reconcile"
	KindRelease   Kind = "release"
	KindRename    Kind = "rename"
	KindReparent  Kind = "reparent"
)

// NodeScoped reports whether runs of k are keyed by a node path. Node-scoped
// runs of one path share a workflow id and so exclude each other.
func (k Kind) NodeScoped() bool {
	return k == KindReconcile || k == KindRename || k == KindReparent
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Stages reported while a run progresses.
const (
	StageQueued              = "queued"
	StageResolvingParent     = "resolving_parent"
	StageCreatingRemoteGroup = "creating_remote_group"
	StageDownloadingExamples = "downloading_examples"
	StageStagingFiles        = "staging_files"
	StageCommitting          = "committing"
	StageRenaming            = "renaming"
	StageMoving              = "moving"
	StageDone                = "done"
)

// Run is one submitted reconciliation, rename, move or release.
type Run struct {
	ID             string `gorm:"type:varchar(64);primaryKey" json:"id"`
	Kind           Kind   `gorm:"type:varchar(16);not null;index" json:"kind"`
	IdempotencyKey string `gorm:"column:idempotency_key;not null;index" json:"idempotency_key"`
	// ActiveKey equals WorkflowID while the run is not terminal and is NULL
	// afterwards. Its unique index admits one active run per key.
	ActiveKey *string `gorm:"column:active_key;uniqueIndex" json:"-"`

	Stage   string `gorm:"type:varchar(32);not null" json:"stage"`
	Status  Status `gorm:"type:varchar(16);not null;index" json:"status"`
	Message string `json:"message,omitempty"`

	TemporalWorkflowID string `gorm:"column:temporal_workflow_id" json:"temporal_workflow_id,omitempty"`
	TemporalRunID      string `gorm:"column:temporal_run_id" json:"temporal_run_id,omitempty"`

	CreatedBy       string         `json:"created_by,omitempty"`
	CancelRequested bool           `gorm:"not null;default:false" json:"cancel_requested"`
	Result          datatypes.JSON `json:"result,omitempty"`

	CreatedAt  time.Time  `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (Run) TableName() string { return "workflow_runs" }

// WorkflowID is the durable workflow id of a run: "node:<path>" for
// reconciliations, renames and moves, "release:<course id>" for releases.
func WorkflowID(kind Kind, key string) string {
	if kind.NodeScoped() {
		return "node:" + key
	}
	return string(kind) + ":" + key
}

// RunStatus is what callers poll.
type RunStatus struct {
	RunID           string         `json:"run_id"`
	Kind            Kind           `json:"kind"`
	Stage           string         `json:"stage"`
	Status          Status         `json:"status"`
	Message         string         `json:"message,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Result          datatypes.JSON `json:"result,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Run{}}
}
