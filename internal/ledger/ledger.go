// Package ledger is the append-only history of deployment actions.
//
// Entries are write-once: the model rejects updates and deletes through gorm
// hooks, and the Ledger exposes no mutation besides Record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Action is what happened to a deployment. Entering the transient deploying
// state is not an action; a release attempt ends in exactly one deployed or
// failed entry.
type Action string

const (
	ActionAssigned   Action = "assigned"
	ActionReassigned Action = "reassigned"
	ActionRequeued   Action = "requeued"
	ActionDeployed   Action = "deployed"
	ActionFailed     Action = "failed"
)

func (a Action) valid() bool {
	switch a {
	case ActionAssigned, ActionReassigned, ActionRequeued, ActionDeployed, ActionFailed:
		return true
	}
	return false
}

// ErrImmutable is returned by any attempt to change a recorded entry.
var ErrImmutable = errors.New("ledger entries are immutable")

// Entry is one deployment history record. ID is a monotonically increasing
// sequence that orders entries recorded within the same instant.
type Entry struct {
	ID                        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeploymentID              uuid.UUID `gorm:"type:uuid;not null;index" json:"deployment_id"`
	Action                    Action    `gorm:"type:varchar(32);not null" json:"action"`
	PreviousExampleVersionRef string    `gorm:"column:previous_example_version_ref" json:"previous_example_version_ref,omitempty"`
	NewExampleVersionRef      string    `gorm:"column:new_example_version_ref" json:"new_example_version_ref,omitempty"`
	WorkflowRunID             string    `gorm:"column:workflow_run_id;index" json:"workflow_run_id,omitempty"`
	Message                   string    `gorm:"column:message" json:"message,omitempty"`
	CreatedAt                 time.Time `gorm:"not null;index" json:"created_at"`
	CreatedBy                 string    `gorm:"column:created_by" json:"created_by,omitempty"`
}

func (Entry) TableName() string { return "deployment_history" }

func (*Entry) BeforeUpdate(*gorm.DB) error { return ErrImmutable }
func (*Entry) BeforeDelete(*gorm.DB) error { return ErrImmutable }

// Ref formats an example version reference.
func Ref(exampleID, version string) string {
	if exampleID == "" {
		return ""
	}
	return exampleID + "@" + version
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Entry{}}
}

// Ledger appends and reads deployment history.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Ledger on db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a Ledger that records inside tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, now: l.now}
}

// Record appends e. ID and CreatedAt are assigned by the ledger.
func (l *Ledger) Record(ctx context.Context, e *Entry) error {
	if e.DeploymentID == uuid.Nil {
		return errors.New("ledger entry requires a deployment id")
	}
	if !e.Action.valid() {
		return fmt.Errorf("unknown ledger action %q", e.Action)
	}
	e.ID = 0
	e.CreatedAt = l.now()
	if err := l.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("recording %s for deployment %s: %w", e.Action, e.DeploymentID, err)
	}
	return nil
}

// QueryByDeployment returns the history of a deployment in recording order.
func (l *Ledger) QueryByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]Entry, error) {
	var out []Entry
	err := l.db.WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryByRun returns every entry recorded by a workflow run.
func (l *Ledger) QueryByRun(ctx context.Context, runID string) ([]Entry, error) {
	var out []Entry
	err := l.db.WithContext(ctx).
		Where("workflow_run_id = ?", runID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
