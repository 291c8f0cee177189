// Package workflows provides the Temporal workflows that reconcile the course
// hierarchy and release course contents, and the activities they run.
//
// This file contains the inputs and results shared by workflows and activities.
package workflows

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	"github.com/computor-org/computor-fullstack-sub002/internal/examples"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

// DefaultTaskQueue is the task queue workers poll when none is configured.
const DefaultTaskQueue = "deploy-engine"

// DefaultStagingConcurrency bounds parallel StageItem activities per release.
const DefaultStagingConcurrency = 4

// Reconcile types

// ReconcileInput starts a ReconcileWorkflow.
type ReconcileInput struct {
	RunID    string // WorkflowRun id
	NodePath string // Target node; its ancestors are reconciled first
	Force    bool   // Re-validate the target's binding against the remote
}

// Validate checks that all required fields are set.
func (c *ReconcileInput) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("RunID is required")
	}
	return pathmap.Validate(c.NodePath)
}

// NodeBinding is the remote binding of one reconciled node.
type NodeBinding struct {
	Path          string `json:"path"`
	GroupID       int64  `json:"group_id"`
	NamespacePath string `json:"namespace_path"`
	WebURL        string `json:"web_url,omitempty"`
}

// ReconcileResult lists the bindings of the chain, root first.
type ReconcileResult struct {
	Bindings []NodeBinding `json:"bindings"`
}

// Structure types

// RenameInput starts a RenameWorkflow.
type RenameInput struct {
	RunID    string
	NodePath string
	Title    string
}

// Validate checks that all required fields are set.
func (c *RenameInput) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("RunID is required")
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("Title is required")
	}
	return pathmap.Validate(c.NodePath)
}

// ReparentInput starts a ReparentWorkflow.
type ReparentInput struct {
	RunID         string
	NodePath      string
	NewParentPath string
}

// Validate checks that all required fields are set.
func (c *ReparentInput) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("RunID is required")
	}
	if err := pathmap.Validate(c.NodePath); err != nil {
		return err
	}
	return pathmap.Validate(c.NewParentPath)
}

// NodeResult is the state of a node after a rename or move. Binding is nil
// for a node without a remote group.
type NodeResult struct {
	Path    string       `json:"path"`
	Title   string       `json:"title"`
	Binding *NodeBinding `json:"binding,omitempty"`
}

// Release types

// ReleaseInput starts a ReleaseWorkflow.
type ReleaseInput struct {
	RunID              string
	CourseID           uuid.UUID
	CommitMessage      string // Empty uses the generated message
	Actor              string // Principal recorded in the history ledger
	StagingConcurrency int    // Zero uses DefaultStagingConcurrency
}

// Validate checks that all required fields are set.
func (c *ReleaseInput) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("RunID is required")
	}
	if c.CourseID == uuid.Nil {
		return fmt.Errorf("CourseID is required")
	}
	if c.StagingConcurrency < 0 {
		return fmt.Errorf("StagingConcurrency must not be negative")
	}
	return nil
}

func (c *ReleaseInput) concurrency() int {
	if c.StagingConcurrency == 0 {
		return DefaultStagingConcurrency
	}
	return c.StagingConcurrency
}

// ReleaseResult reports which contents were released and which failed.
// Deployed lists content paths; Failed maps a content path to its message.
type ReleaseResult struct {
	CommitSHA string            `json:"commit_sha,omitempty"`
	CommitURL string            `json:"commit_url,omitempty"`
	Deployed  []string          `json:"deployed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Activity input/output types

type StageInput struct {
	RunID string
	Stage string
}

type FinishInput struct {
	RunID   string
	Kind    runs.Kind
	Status  runs.Status
	Message string
	Result  json.RawMessage
}

type ChainInput struct {
	RunID    string
	NodePath string
}

type NodeInput struct {
	RunID    string
	LeaseKey string // The run's target path
	Path     string
	Force    bool
}

type RenameNodeInput struct {
	RunID string
	Path  string
	Title string
}

type ReparentNodeInput struct {
	RunID         string
	Path          string
	NewParentPath string
}

type CourseInput struct {
	RunID    string
	CourseID uuid.UUID
	Actor    string
}

// CourseInfo is the resolved release target.
type CourseInfo struct {
	Path        string
	TemplateURL string
}

type ItemInput struct {
	RunID    string
	Actor    string
	Item     deployment.Item
	Manifest *examples.Manifest // Set for StageItem only
}

type CommitInput struct {
	RunID   string
	Actor   string
	Request deployment.CommitRequest
}

type FailItemInput struct {
	RunID   string
	Actor   string
	Item    deployment.Item
	Message string
}

type AbortInput struct {
	RunID    string
	CourseID uuid.UUID
	Message  string
}

type RunInput struct {
	RunID string
}

// Activity options

// retryPolicy backs off exponentially and gives up at once on the
// non-retryable error types.
func retryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        time.Minute,
		MaximumAttempts:        5,
		NonRetryableErrorTypes: NonRetryableErrorTypes,
	}
}

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         retryPolicy(),
	}
}

const (
	stepTimeout    = 2 * time.Minute
	commitTimeout  = 10 * time.Minute
	cleanupTimeout = 30 * time.Second
)
