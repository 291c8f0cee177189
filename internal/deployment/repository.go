package deployment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository reads and writes deployments.
type Repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository on db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a Repository bound to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	var d Deployment
	if err := r.conn(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err, "deployment %s", id)
	}
	return &d, nil
}

func (r *Repository) GetByContent(ctx context.Context, contentID uuid.UUID) (*Deployment, error) {
	var d Deployment
	if err := r.conn(ctx).Where("course_content_id = ?", contentID).First(&d).Error; err != nil {
		return nil, notFound(err, "deployment of content %s", contentID)
	}
	return &d, nil
}

// ListByCourse returns the deployments of a course, optionally filtered by status.
func (r *Repository) ListByCourse(ctx context.Context, courseID uuid.UUID, statuses ...Status) ([]*Deployment, error) {
	q := r.conn(ctx).Where("course_id = ?", courseID)
	if len(statuses) > 0 {
		q = q.Where("deployment_status IN ?", statuses)
	}
	var out []*Deployment
	if err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) Create(ctx context.Context, d *Deployment) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = StatusUnassigned
	}
	return r.conn(ctx).Create(d).Error
}

// update writes every mutable field of d, provided the stored status is still from.
func (r *Repository) update(ctx context.Context, d *Deployment, from Status) error {
	res := r.conn(ctx).Model(&Deployment{}).
		Where("id = ? AND deployment_status = ?", d.ID, from).
		Updates(map[string]interface{}{
			"example_id":               d.ExampleID,
			"example_version":          d.ExampleVersion,
			"deployed_example_id":      d.DeployedExampleID,
			"deployed_example_version": d.DeployedExampleVersion,
			"deployment_status":        d.Status,
			"deployment_path":          d.DeploymentPath,
			"deployed_at":              d.DeployedAt,
			"last_attempt_at":          d.LastAttemptAt,
			"message":                  d.Message,
			"workflow_run_id":          d.WorkflowRunID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: deployment %s is no longer %s", ErrStaleState, d.ID, from)
	}
	return nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
