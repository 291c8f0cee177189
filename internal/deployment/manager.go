package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/computor-org/computor-fullstack-sub002/internal/auth"
	"github.com/computor-org/computor-fullstack-sub002/internal/examples"
	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/ledger"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
	"github.com/computor-org/computor-fullstack-sub002/internal/secrets"
)

const (
	instrumentationName = "github.com/computor-org/computor-fullstack-sub002/internal/deployment"

	// DefaultBranch is the branch releases are pushed to.
	DefaultBranch = "main"
)

// Manager runs assignments and releases.
type Manager struct {
	db       *gorm.DB
	repo     *Repository
	nodes    *hierarchy.Store
	ledger   *ledger.Ledger
	examples examples.Store
	pusher   remote.Pusher
	staging  Staging
	scanner  *secrets.Scanner
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time

	branch  string
	commits *keyedMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithBranch sets the target branch of release commits.
func WithBranch(branch string) Option {
	return func(m *Manager) {
		if branch != "" {
			m.branch = branch
		}
	}
}

// WithScanner enables secret scanning of staged files.
func WithScanner(s *secrets.Scanner) Option {
	return func(m *Manager) { m.scanner = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(db *gorm.DB, nodes *hierarchy.Store, store examples.Store, pusher remote.Pusher, staging Staging, logger *logging.Logger, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if nodes == nil {
		return nil, errors.New("hierarchy store is required")
	}
	if store == nil {
		return nil, errors.New("example store is required")
	}
	if pusher == nil {
		return nil, errors.New("remote pusher is required")
	}
	if staging == nil {
		return nil, errors.New("staging is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	m := &Manager{
		db:       db,
		repo:     NewRepository(db),
		nodes:    nodes,
		ledger:   ledger.New(db),
		examples: store,
		pusher:   pusher,
		staging:  staging,
		logger:   logger.Named("deployment"),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		branch:   DefaultBranch,
		commits:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get loads a deployment.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	return m.repo.Get(ctx, id)
}

// GetByContent loads the deployment of a course content.
func (m *Manager) GetByContent(ctx context.Context, contentID uuid.UUID) (*Deployment, error) {
	return m.repo.GetByContent(ctx, contentID)
}

// History returns the ledger of a deployment in recording order.
func (m *Manager) History(ctx context.Context, deploymentID uuid.UUID) ([]ledger.Entry, error) {
	if _, err := m.repo.Get(ctx, deploymentID); err != nil {
		return nil, err
	}
	return m.ledger.QueryByDeployment(ctx, deploymentID)
}

// Assign binds an example version to a submittable content and marks it
// pending release. It never contacts the remote platform. Repeated
// assignments before a release overwrite the pending target; each one is
// recorded in the ledger.
func (m *Manager) Assign(ctx context.Context, p auth.Principal, contentID uuid.UUID, exampleID, version string) (*Deployment, error) {
	if exampleID == "" || version == "" {
		return nil, errors.New("example id and version are required")
	}
	content, err := m.nodes.GetContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireCourseRole(p, content.CourseID, auth.RoleLecturer); err != nil {
		return nil, err
	}
	if !content.Kind.Submittable() {
		return nil, fmt.Errorf("%w: %q is a %s", ErrNotSubmittable, content.Path, content.Kind)
	}

	var out *Deployment
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		d, err := repo.GetByContent(ctx, contentID)
		if errors.Is(err, ErrNotFound) {
			d = &Deployment{CourseContentID: content.ID, CourseID: content.CourseID, Status: StatusUnassigned}
			err = repo.Create(ctx, d)
		}
		if err != nil {
			return err
		}

		action := ledger.ActionReassigned
		if d.ExampleID == "" {
			action = ledger.ActionAssigned
		}
		entry := ledger.Entry{
			Action:                    action,
			PreviousExampleVersionRef: d.AssignedRef(),
			NewExampleVersionRef:      ledger.Ref(exampleID, version),
			CreatedBy:                 p.ID(),
		}
		if err := m.apply(ctx, tx, d, StatusPendingRelease, &entry, func(d *Deployment) {
			d.ExampleID = exampleID
			d.ExampleVersion = version
			d.Message = ""
		}); err != nil {
			return err
		}
		if err := m.nodes.WithTx(tx).SetContentExample(ctx, content.ID, exampleID, version); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "example assigned",
		zap.String("content", content.Path),
		zap.String("ref", out.AssignedRef()),
		zap.String("by", p.ID()),
	)
	return out, nil
}

// apply moves d to status to inside tx and records entry unless it is nil.
func (m *Manager) apply(ctx context.Context, tx *gorm.DB, d *Deployment, to Status, entry *ledger.Entry, mutate func(*Deployment)) error {
	from := d.Status
	if err := from.Transition(to); err != nil {
		return fmt.Errorf("deployment %s: %w", d.ID, err)
	}
	if mutate != nil {
		mutate(d)
	}
	d.Status = to
	if err := m.repo.WithTx(tx).update(ctx, d, from); err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	entry.DeploymentID = d.ID
	return m.ledger.WithTx(tx).Record(ctx, entry)
}

// actor names who a release step runs for.
func actor(ctx context.Context) string {
	if p, ok := auth.FromContext(ctx); ok {
		return p.ID()
	}
	return "system"
}
