// Package deployment binds course contents to example versions and releases
// them into a course's student template repository.
//
// Assignment and release are separate phases. Assign only touches the
// database. Release computes the pending change set of a course, stages the
// student-visible files of every item and pushes all successful items in one
// commit. A failing item is marked failed without affecting its siblings.
package deployment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/computor-org/computor-fullstack-sub002/internal/ledger"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusUnassigned     Status = "unassigned"
	StatusPendingRelease Status = "pending_release"
	StatusDeploying      Status = "deploying"
	StatusDeployed       Status = "deployed"
	StatusFailed         Status = "failed"
)

// ErrInvalidTransition is returned for a status change the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid deployment status transition")

var transitions = map[Status][]Status{
	StatusUnassigned:     {StatusPendingRelease},
	StatusPendingRelease: {StatusPendingRelease, StatusDeploying},
	StatusDeploying:      {StatusDeployed, StatusFailed},
	StatusDeployed:       {StatusPendingRelease},
	StatusFailed:         {StatusPendingRelease},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns ErrInvalidTransition wrapped with detail when s may not move to next.
func (s Status) Transition(next Status) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// Stable reports whether s may outlive a release run.
func (s Status) Stable() bool {
	return s == StatusUnassigned || s == StatusDeployed
}

// Deployment is the example binding of one submittable course content.
type Deployment struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CourseContentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"course_content_id"`
	CourseID        uuid.UUID `gorm:"type:uuid;not null;index" json:"course_id"`

	ExampleID              string `gorm:"column:example_id" json:"example_id,omitempty"`
	ExampleVersion         string `gorm:"column:example_version" json:"example_version,omitempty"`
	DeployedExampleID      string `gorm:"column:deployed_example_id" json:"deployed_example_id,omitempty"`
	DeployedExampleVersion string `gorm:"column:deployed_example_version" json:"deployed_example_version,omitempty"`

	Status         Status     `gorm:"column:deployment_status;type:varchar(32);not null;index" json:"deployment_status"`
	DeploymentPath string     `gorm:"column:deployment_path" json:"deployment_path,omitempty"`
	DeployedAt     *time.Time `gorm:"column:deployed_at" json:"deployed_at,omitempty"`
	LastAttemptAt  *time.Time `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	Message        string     `gorm:"column:message" json:"message,omitempty"`
	WorkflowRunID  string     `gorm:"column:workflow_run_id" json:"workflow_run_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (Deployment) TableName() string { return "course_content_deployments" }

// AssignedRef is the example version the content should carry.
func (d *Deployment) AssignedRef() string {
	return ledger.Ref(d.ExampleID, d.ExampleVersion)
}

// DeployedRef is the example version last released.
func (d *Deployment) DeployedRef() string {
	return ledger.Ref(d.DeployedExampleID, d.DeployedExampleVersion)
}

// Drifted reports whether the assigned version differs from the deployed one.
func (d *Deployment) Drifted() bool {
	return d.AssignedRef() != d.DeployedRef()
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Deployment{}}
}
