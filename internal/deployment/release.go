package deployment

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/computor-org/computor-fullstack-sub002/internal/examples"
	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/lease"
	"github.com/computor-org/computor-fullstack-sub002/internal/ledger"
	"github.com/computor-org/computor-fullstack-sub002/internal/reconcile"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
	"github.com/computor-org/computor-fullstack-sub002/internal/secrets"
)

// Item is one member of a release's pending change set.
type Item struct {
	DeploymentID   uuid.UUID `json:"deployment_id"`
	CourseID       uuid.UUID `json:"course_id"`
	ContentID      uuid.UUID `json:"content_id"`
	ContentPath    string    `json:"content_path"`
	Directory      string    `json:"directory"`
	ExampleID      string    `json:"example_id"`
	ExampleVersion string    `json:"example_version"`
}

// Ref is the example version the item releases.
func (i Item) Ref() string {
	return ledger.Ref(i.ExampleID, i.ExampleVersion)
}

// ChangeSet is what a release run commits. Rejected maps the content path of
// each item failed before staging to the reason.
type ChangeSet struct {
	Items    []Item            `json:"items"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// StagedItem is an item whose files are in staging.
type StagedItem struct {
	Item
	// Files are repository paths, <directory>/<file>.
	Files []string `json:"files"`
	// Removed are repository paths of the previously deployed version that
	// the new version no longer ships.
	Removed []string `json:"removed,omitempty"`
}

// CommitRequest is the input of Commit.
type CommitRequest struct {
	CourseID uuid.UUID    `json:"course_id"`
	Items    []StagedItem `json:"items"`
	Message  string       `json:"message"`
}

// CommitResult reports a release commit.
type CommitResult struct {
	SHA      string      `json:"sha,omitempty"`
	WebURL   string      `json:"web_url,omitempty"`
	Deployed []uuid.UUID `json:"deployed"`
}

// ResolveCourse loads a course and checks it has a template project to release into.
func (m *Manager) ResolveCourse(ctx context.Context, courseID uuid.UUID) (*hierarchy.Node, error) {
	course, err := m.nodes.Get(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if course.Kind != hierarchy.KindCourse {
		return nil, fmt.Errorf("%w: %q is a %s, not a course", hierarchy.ErrInvalidParent, course.Path, course.Kind)
	}
	if !course.Remote.IsSet() || !course.Template.IsSet() {
		return nil, &reconcile.ParentNotReconciledError{Path: "contents of " + course.Path, ParentPath: course.Path}
	}
	return course, nil
}

// PendingChangeSet returns the items the run l releases. Failed or deployed
// items whose assignment moved on, and items left deploying by another run,
// are requeued to pending_release first. An item whose directory overlaps the
// directory of another content in the same repository is failed and reported
// in Rejected instead.
func (m *Manager) PendingChangeSet(ctx context.Context, l lease.Lease, courseID uuid.UUID) (*ChangeSet, error) {
	if err := l.CheckKey(courseID.String()); err != nil {
		return nil, err
	}
	contents, err := m.nodes.ListContents(ctx, courseID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*hierarchy.CourseContent, len(contents))
	for _, c := range contents {
		byID[c.ID] = c
	}

	var items []Item
	rejected := make(map[string]string)
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all, err := m.repo.WithTx(tx).ListByCourse(ctx, courseID)
		if err != nil {
			return err
		}
		admitted := make(map[uuid.UUID]*Deployment)
		for _, d := range all {
			include, err := m.admit(ctx, tx, l, d)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			c, ok := byID[d.CourseContentID]
			if !ok {
				return fmt.Errorf("deployment %s references missing content %s", d.ID, d.CourseContentID)
			}
			admitted[d.ID] = d
			items = append(items, Item{
				DeploymentID:   d.ID,
				CourseID:       courseID,
				ContentID:      c.ID,
				ContentPath:    c.Path,
				Directory:      c.DeploymentDirectory(),
				ExampleID:      d.ExampleID,
				ExampleVersion: d.ExampleVersion,
			})
		}

		claims := make([]directoryClaim, 0, len(all))
		for _, d := range all {
			if admitted[d.ID] != nil || d.DeploymentPath == "" {
				continue
			}
			if c, ok := byID[d.CourseContentID]; ok {
				claims = append(claims, directoryClaim{owner: d.ID, contentPath: c.Path, dir: d.DeploymentPath})
			}
		}
		for _, it := range items {
			claims = append(claims, directoryClaim{owner: it.DeploymentID, contentPath: it.ContentPath, dir: it.Directory})
		}

		kept := make([]Item, 0, len(items))
		for _, it := range items {
			other, ok := overlapping(claims, it.DeploymentID, it.Directory)
			if !ok {
				kept = append(kept, it)
				continue
			}
			msg := fmt.Sprintf("directory %q of %s overlaps directory %q of %s", it.Directory, it.ContentPath, other.dir, other.contentPath)
			if err := m.reject(ctx, tx, l, admitted[it.DeploymentID], msg); err != nil {
				return err
			}
			rejected[it.ContentPath] = msg
		}
		items = kept
		return nil
	})
	if err != nil {
		return nil, err
	}

	for p, msg := range rejected {
		m.logger.Warn(ctx, "release item failed", zap.String("content", p), zap.String("reason", msg))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ContentPath < items[j].ContentPath })
	m.logger.Info(ctx, "computed pending change set", zap.Int("items", len(items)), zap.Int("rejected", len(rejected)))
	return &ChangeSet{Items: items, Rejected: rejected}, nil
}

// directoryClaim is a repository directory owned by one deployment.
type directoryClaim struct {
	owner       uuid.UUID
	contentPath string
	dir         string
}

// overlapping returns the first claim of another deployment that shares files with dir.
func overlapping(claims []directoryClaim, owner uuid.UUID, dir string) (directoryClaim, bool) {
	for _, c := range claims {
		if c.owner == owner {
			continue
		}
		if c.dir == dir || strings.HasPrefix(c.dir, dir+"/") || strings.HasPrefix(dir, c.dir+"/") {
			return c, true
		}
	}
	return directoryClaim{}, false
}

// admit decides whether d belongs to the change set of run l, requeuing it when needed.
func (m *Manager) admit(ctx context.Context, tx *gorm.DB, l lease.Lease, d *Deployment) (bool, error) {
	requeue := func(msg string) error {
		return m.apply(ctx, tx, d, StatusPendingRelease, &ledger.Entry{
			Action:                    ledger.ActionRequeued,
			PreviousExampleVersionRef: d.DeployedRef(),
			NewExampleVersionRef:      d.AssignedRef(),
			WorkflowRunID:             l.RunID,
			Message:                   msg,
			CreatedBy:                 actor(ctx),
		}, nil)
	}

	switch d.Status {
	case StatusPendingRelease:
		return true, nil
	case StatusFailed, StatusDeployed:
		if d.ExampleID == "" || !d.Drifted() {
			return false, nil
		}
		return true, requeue("requeued from " + string(d.Status))
	case StatusDeploying:
		if d.WorkflowRunID == l.RunID {
			return true, nil
		}
		abandoned := fmt.Sprintf("abandoned by run %s", d.WorkflowRunID)
		if err := m.apply(ctx, tx, d, StatusFailed, &ledger.Entry{
			Action:               ledger.ActionFailed,
			NewExampleVersionRef: d.AssignedRef(),
			WorkflowRunID:        l.RunID,
			Message:              abandoned,
			CreatedBy:            actor(ctx),
		}, func(d *Deployment) { d.Message = abandoned }); err != nil {
			return false, err
		}
		return true, requeue("requeued after " + abandoned)
	default:
		return false, nil
	}
}

// FetchManifest reads and validates the manifest of the item's example version.
func (m *Manager) FetchManifest(ctx context.Context, item Item) (*examples.Manifest, error) {
	manifest, err := m.examples.GetManifest(ctx, item.ExampleID, item.ExampleVersion)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(item.ExampleID, item.ExampleVersion); err != nil {
		return nil, err
	}
	return manifest, nil
}

// StageItem marks the item deploying, downloads its student-visible files and
// writes them to staging under the item's directory. Staging the same item
// again within the same run is safe.
func (m *Manager) StageItem(ctx context.Context, l lease.Lease, item Item, manifest *examples.Manifest) (*StagedItem, error) {
	if err := l.CheckKey(item.CourseID.String()); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "deployment.stage", trace.WithAttributes(
		attribute.String("content.path", item.ContentPath),
		attribute.String("example.ref", item.Ref()),
	))
	defer span.End()

	var previous Deployment
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := m.repo.WithTx(tx).Get(ctx, item.DeploymentID)
		if err != nil {
			return err
		}
		previous = *d
		if d.Status == StatusDeploying && d.WorkflowRunID == l.RunID {
			return nil
		}
		if d.AssignedRef() != item.Ref() {
			return fmt.Errorf("%w: %s was reassigned to %s", ErrStaleState, item.ContentPath, d.AssignedRef())
		}
		return m.markDeploying(ctx, tx, l, d)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	files, err := m.examples.DownloadFiles(ctx, item.ExampleID, item.ExampleVersion, manifest.StudentVisibleFiles)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if m.scanner != nil {
		if findings := m.scanner.ScanFiles(files); len(findings) > 0 {
			err := &SecretsFoundError{Directory: item.Directory, Findings: findings}
			span.RecordError(err)
			return nil, err
		}
	}

	staged := &StagedItem{Item: item, Files: make([]string, 0, len(files))}
	for _, name := range manifest.StudentVisibleFiles {
		p := path.Join(item.Directory, name)
		if err := m.staging.Put(ctx, l.RunID, p, files[name]); err != nil {
			return nil, fmt.Errorf("staging %s: %w", p, err)
		}
		staged.Files = append(staged.Files, p)
	}
	sort.Strings(staged.Files)
	staged.Removed = m.staleFiles(ctx, &previous, staged.Files)
	span.SetAttributes(attribute.Int("files", len(staged.Files)), attribute.Int("removed", len(staged.Removed)))
	return staged, nil
}

// staleFiles lists the files of the version previously deployed from d that
// are not part of files. When the previous manifest is gone the old files are
// left in place.
func (m *Manager) staleFiles(ctx context.Context, d *Deployment, files []string) []string {
	if d.DeployedExampleID == "" || d.DeploymentPath == "" {
		return nil
	}
	old, err := m.examples.GetManifest(ctx, d.DeployedExampleID, d.DeployedExampleVersion)
	if err != nil {
		m.logger.Warn(ctx, "previous manifest unavailable, keeping its files",
			zap.String("example", d.DeployedRef()),
			zap.Error(err),
		)
		return nil
	}
	current := make(map[string]bool, len(files))
	for _, f := range files {
		current[f] = true
	}
	var removed []string
	for _, name := range old.StudentVisibleFiles {
		p := path.Join(d.DeploymentPath, name)
		if !current[p] {
			removed = append(removed, p)
		}
	}
	sort.Strings(removed)
	return removed
}

// markDeploying claims d for run l. The outcome of the attempt is what gets
// ledgered, so the transition itself records nothing.
func (m *Manager) markDeploying(ctx context.Context, tx *gorm.DB, l lease.Lease, d *Deployment) error {
	now := m.now().UTC()
	return m.apply(ctx, tx, d, StatusDeploying, nil, func(d *Deployment) {
		d.WorkflowRunID = l.RunID
		d.LastAttemptAt = &now
		d.Message = ""
	})
}

// Commit pushes every staged item to the course's template project in a
// single commit and marks the items deployed. Files a previous version shipped
// and the new one does not are deleted in the same commit. Commits are
// serialized per course.
func (m *Manager) Commit(ctx context.Context, l lease.Lease, req CommitRequest) (*CommitResult, error) {
	if err := l.CheckKey(req.CourseID.String()); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return &CommitResult{}, nil
	}
	course, err := m.ResolveCourse(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}

	unlock := m.commits.Lock(req.CourseID.String())
	defer unlock()

	ctx, span := m.tracer.Start(ctx, "deployment.commit", trace.WithAttributes(
		attribute.String("course.path", course.Path),
		attribute.Int("items", len(req.Items)),
	))
	defer span.End()

	var files []remote.File
	dirs := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		dirs = append(dirs, item.Directory)
		for _, p := range item.Files {
			data, err := m.staging.Get(ctx, l.RunID, p)
			if err != nil {
				return nil, fmt.Errorf("loading staged %s: %w", p, err)
			}
			files = append(files, remote.File{Path: p, Content: data})
		}
	}
	written := make(map[string]bool, len(files))
	for _, f := range files {
		written[f.Path] = true
	}
	for _, item := range req.Items {
		for _, p := range item.Removed {
			if !written[p] {
				written[p] = true
				files = append(files, remote.File{Path: p, Delete: true})
			}
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	sort.Strings(dirs)

	message := req.Message
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("Release %d item(s): %s", len(dirs), strings.Join(dirs, ", "))
	}

	project := remote.ProjectRef{
		ID:                course.Template.ProjectID,
		PathWithNamespace: course.Template.Path,
		WebURL:            course.Template.WebURL,
		HTTPURLToRepo:     course.Template.WebURL + ".git",
		DefaultBranch:     m.branch,
	}
	commit, err := m.pusher.PushFiles(ctx, project, m.branch, files, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("pushing release to %s: %w", project.PathWithNamespace, err)
	}

	result := &CommitResult{SHA: commit.SHA, WebURL: commit.WebURL}
	now := m.now().UTC()
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range req.Items {
			d, err := m.repo.WithTx(tx).Get(ctx, item.DeploymentID)
			if err != nil {
				return err
			}
			if d.Status == StatusDeployed && d.WorkflowRunID == l.RunID {
				result.Deployed = append(result.Deployed, d.ID)
				continue
			}
			if err := m.apply(ctx, tx, d, StatusDeployed, &ledger.Entry{
				Action:                    ledger.ActionDeployed,
				PreviousExampleVersionRef: d.DeployedRef(),
				NewExampleVersionRef:      item.Ref(),
				WorkflowRunID:             l.RunID,
				Message:                   "commit " + commit.SHA,
				CreatedBy:                 actor(ctx),
			}, func(d *Deployment) {
				d.DeployedExampleID = item.ExampleID
				d.DeployedExampleVersion = item.ExampleVersion
				d.DeployedAt = &now
				d.DeploymentPath = item.Directory
				d.Message = ""
			}); err != nil {
				return err
			}
			result.Deployed = append(result.Deployed, d.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "release committed",
		zap.String("course", course.Path),
		zap.String("sha", commit.SHA),
		zap.Int("items", len(result.Deployed)),
	)
	return result, nil
}

// FailItem marks an item failed with a scrubbed message. An item that never
// started staging is claimed for the run first.
func (m *Manager) FailItem(ctx context.Context, l lease.Lease, item Item, cause error) error {
	if err := l.CheckKey(item.CourseID.String()); err != nil {
		return err
	}
	msg := secrets.Scrub(cause.Error())

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := m.repo.WithTx(tx).Get(ctx, item.DeploymentID)
		if err != nil {
			return err
		}
		switch d.Status {
		case StatusFailed:
			if d.WorkflowRunID == l.RunID {
				return nil
			}
		case StatusPendingRelease:
			return m.reject(ctx, tx, l, d, msg)
		}
		return m.fail(ctx, tx, l, d, msg)
	})
	if err != nil {
		return err
	}
	m.logger.Warn(ctx, "release item failed", zap.String("content", item.ContentPath), zap.String("reason", msg))
	return nil
}

// reject fails a pending item without staging it.
func (m *Manager) reject(ctx context.Context, tx *gorm.DB, l lease.Lease, d *Deployment, msg string) error {
	if err := m.markDeploying(ctx, tx, l, d); err != nil {
		return err
	}
	return m.fail(ctx, tx, l, d, msg)
}

func (m *Manager) fail(ctx context.Context, tx *gorm.DB, l lease.Lease, d *Deployment, msg string) error {
	now := m.now().UTC()
	return m.apply(ctx, tx, d, StatusFailed, &ledger.Entry{
		Action:               ledger.ActionFailed,
		NewExampleVersionRef: d.AssignedRef(),
		WorkflowRunID:        l.RunID,
		Message:              msg,
		CreatedBy:            actor(ctx),
	}, func(d *Deployment) {
		d.Message = msg
		d.WorkflowRunID = l.RunID
		d.LastAttemptAt = &now
	})
}

// AbortInFlight fails every item still deploying under run l, so no
// transient state outlives the run. It returns how many items it failed.
func (m *Manager) AbortInFlight(ctx context.Context, l lease.Lease, courseID uuid.UUID, msg string) (int, error) {
	if err := l.CheckKey(courseID.String()); err != nil {
		return 0, err
	}
	msg = secrets.Scrub(msg)
	aborted := 0
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inflight, err := m.repo.WithTx(tx).ListByCourse(ctx, courseID, StatusDeploying)
		if err != nil {
			return err
		}
		for _, d := range inflight {
			if d.WorkflowRunID != l.RunID {
				continue
			}
			if err := m.fail(ctx, tx, l, d, msg); err != nil {
				return err
			}
			aborted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if aborted > 0 {
		m.logger.Warn(ctx, "aborted in-flight items", zap.Int("items", aborted), zap.String("reason", msg))
	}
	return aborted, nil
}
