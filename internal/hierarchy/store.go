package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
)

// Store is the node repository and remote binding cache.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Create inserts a node. Kind and ParentPath are derived from Path; the parent
// must already exist.
func (s *Store) Create(ctx context.Context, n *Node) error {
	if err := pathmap.Validate(n.Path); err != nil {
		return err
	}
	kind, err := KindForDepth(pathmap.Depth(n.Path))
	if err != nil {
		return err
	}
	if n.Kind != "" && n.Kind != kind {
		return fmt.Errorf("node %q has depth of a %s, not a %s", n.Path, kind, n.Kind)
	}
	n.Kind = kind
	n.ParentPath = pathmap.Parent(n.Path)
	if n.Title == "" {
		n.Title = n.Label()
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if n.ParentPath != "" {
			var count int64
			if err := tx.Model(&Node{}).Where("path = ?", n.ParentPath).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: parent %q of %q does not exist", ErrInvalidParent, n.ParentPath, n.Path)
			}
		}
		if err := tx.Create(n).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: node %q", ErrAlreadyExists, n.Path)
			}
			return err
		}
		return nil
	})
}

// Get loads a node by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Node, error) {
	var n Node
	if err := s.conn(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, notFound(err, "node %s", id)
	}
	return &n, nil
}

// GetByPath loads a node by internal path.
func (s *Store) GetByPath(ctx context.Context, path string) (*Node, error) {
	var n Node
	if err := s.conn(ctx).Where("path = ?", path).First(&n).Error; err != nil {
		return nil, notFound(err, "node %q", path)
	}
	return &n, nil
}

// FindByRemoteGroupID returns the node bound to a remote group, if any.
func (s *Store) FindByRemoteGroupID(ctx context.Context, groupID int64) (*Node, error) {
	var n Node
	if err := s.conn(ctx).Where("remote_group_id = ?", groupID).First(&n).Error; err != nil {
		return nil, notFound(err, "node bound to group %d", groupID)
	}
	return &n, nil
}

// Chain returns the node at path and all its ancestors, root first.
func (s *Store) Chain(ctx context.Context, path string) ([]*Node, error) {
	if err := pathmap.Validate(path); err != nil {
		return nil, err
	}
	segs := strings.Split(path, pathmap.InternalSeparator)
	paths := make([]string, len(segs))
	for i := range segs {
		paths[i] = strings.Join(segs[:i+1], pathmap.InternalSeparator)
	}

	var nodes []*Node
	if err := s.conn(ctx).Where("path IN ?", paths).Find(&nodes).Error; err != nil {
		return nil, err
	}
	if len(nodes) != len(paths) {
		found := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			found[n.Path] = true
		}
		for _, p := range paths {
			if !found[p] {
				return nil, fmt.Errorf("%w: node %q", ErrNotFound, p)
			}
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return pathmap.Depth(nodes[i].Path) < pathmap.Depth(nodes[j].Path)
	})
	return nodes, nil
}

// Descendants returns every node strictly below path, shallowest first.
func (s *Store) Descendants(ctx context.Context, path string) ([]*Node, error) {
	var candidates []*Node
	// '_' is a LIKE wildcard, so the prefix match over-selects and is filtered below.
	if err := s.conn(ctx).Where("path LIKE ?", path+".%").Find(&candidates).Error; err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, n := range candidates {
		if pathmap.IsAncestor(path, n.Path) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := pathmap.Depth(out[i].Path), pathmap.Depth(out[j].Path)
		if di != dj {
			return di < dj
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Children returns the nodes directly below parentPath ordered by path. An
// empty parentPath lists the organizations.
func (s *Store) Children(ctx context.Context, parentPath string) ([]*Node, error) {
	var out []*Node
	if err := s.conn(ctx).Where("parent_path = ?", parentPath).Order("path").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetBinding stores the remote binding of a node. LastSyncedAt defaults to now.
func (s *Store) SetBinding(ctx context.Context, id uuid.UUID, b RemoteBinding) (*Node, error) {
	if b.LastSyncedAt == nil {
		now := time.Now().UTC()
		b.LastSyncedAt = &now
	}
	res := s.conn(ctx).Model(&Node{}).Where("id = ?", id).Updates(map[string]interface{}{
		"remote_group_id":       b.GroupID,
		"remote_namespace_path": b.NamespacePath,
		"remote_web_url":        b.WebURL,
		"last_synced_at":        b.LastSyncedAt,
	})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: group %d already bound", ErrAlreadyExists, b.GroupID)
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

// ClearBinding forgets the remote binding of a node.
func (s *Store) ClearBinding(ctx context.Context, id uuid.UUID) error {
	res := s.conn(ctx).Model(&Node{}).Where("id = ?", id).Updates(map[string]interface{}{
		"remote_group_id":       0,
		"remote_namespace_path": "",
		"remote_web_url":        "",
		"last_synced_at":        nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	return nil
}

// SetTemplateProject stores the student template project of a course.
func (s *Store) SetTemplateProject(ctx context.Context, id uuid.UUID, p TemplateProject) error {
	res := s.conn(ctx).Model(&Node{}).Where("id = ? AND kind = ?", id, KindCourse).Updates(map[string]interface{}{
		"template_project_id":   p.ProjectID,
		"template_project_path": p.Path,
		"template_project_url":  p.WebURL,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: course %s", ErrNotFound, id)
	}
	return nil
}

// Rename updates the title of the node at path.
func (s *Store) Rename(ctx context.Context, path, title string) (*Node, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTitle)
	}
	res := s.conn(ctx).Model(&Node{}).Where("path = ?", path).Update("title", title)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: node %q", ErrNotFound, path)
	}
	return s.GetByPath(ctx, path)
}

// Reparent moves the node at path under newParentPath. The node, all of its
// descendants and all course contents beneath it are rewritten in one
// transaction. Remote bindings are left as they are.
func (s *Store) Reparent(ctx context.Context, path, newParentPath string) (*Node, error) {
	var moved *Node
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		ts := s.WithTx(tx)

		node, err := ts.GetByPath(ctx, path)
		if err != nil {
			return err
		}
		if node.Kind == KindOrganization {
			return fmt.Errorf("%w: organizations have no parent", ErrInvalidParent)
		}
		newParent, err := ts.GetByPath(ctx, newParentPath)
		if err != nil {
			return fmt.Errorf("%w: new parent %q: %v", ErrInvalidParent, newParentPath, err)
		}
		if pathmap.Depth(newParent.Path) != pathmap.Depth(node.ParentPath) {
			return fmt.Errorf("%w: a %s cannot be placed under a %s", ErrInvalidParent, node.Kind, newParent.Kind)
		}
		if newParent.Path == node.ParentPath {
			moved = node
			return nil
		}

		newPath := pathmap.Join(newParent.Path, node.Label())
		var clash int64
		if err := tx.Model(&Node{}).Where("path = ?", newPath).Count(&clash).Error; err != nil {
			return err
		}
		if clash > 0 {
			return fmt.Errorf("%w: node %q", ErrAlreadyExists, newPath)
		}

		descendants, err := ts.Descendants(ctx, path)
		if err != nil {
			return err
		}
		for _, d := range append([]*Node{node}, descendants...) {
			p := pathmap.Rebase(d.Path, path, newPath)
			if err := tx.Model(&Node{}).Where("id = ?", d.ID).Updates(map[string]interface{}{
				"path":        p,
				"parent_path": pathmap.Parent(p),
			}).Error; err != nil {
				return fmt.Errorf("rewriting %q: %w", d.Path, err)
			}
		}

		var contents []*CourseContent
		if err := tx.Where("path LIKE ?", path+".%").Find(&contents).Error; err != nil {
			return err
		}
		for _, c := range contents {
			if !pathmap.IsAncestor(path, c.Path) {
				continue
			}
			if err := tx.Model(&CourseContent{}).Where("id = ?", c.ID).
				Update("path", pathmap.Rebase(c.Path, path, newPath)).Error; err != nil {
				return fmt.Errorf("rewriting content %q: %w", c.Path, err)
			}
		}

		moved, err = ts.GetByPath(ctx, newPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// CreateContent inserts a course content below a course node.
func (s *Store) CreateContent(ctx context.Context, c *CourseContent) error {
	course, err := s.Get(ctx, c.CourseID)
	if err != nil {
		return err
	}
	if course.Kind != KindCourse {
		return fmt.Errorf("%w: content parent %q is a %s", ErrInvalidParent, course.Path, course.Kind)
	}
	if err := pathmap.Validate(c.Path); err != nil {
		return err
	}
	if !pathmap.IsAncestor(course.Path, c.Path) {
		return fmt.Errorf("%w: content %q is not below course %q", ErrInvalidParent, c.Path, course.Path)
	}
	switch c.Kind {
	case ContentUnit, ContentAssignment:
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	if c.Directory == "" {
		c.Directory = DefaultDirectory(course.Path, c.Path)
	} else if err := ValidateDirectory(c.Directory); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Title == "" {
		c.Title = pathmap.Label(c.Path)
	}
	if err := s.conn(ctx).Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: content %q", ErrAlreadyExists, c.Path)
		}
		return err
	}
	return nil
}

// GetContent loads a course content by id.
func (s *Store) GetContent(ctx context.Context, id uuid.UUID) (*CourseContent, error) {
	var c CourseContent
	if err := s.conn(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "content %s", id)
	}
	return &c, nil
}

// ListContents returns the contents of a course ordered by path.
func (s *Store) ListContents(ctx context.Context, courseID uuid.UUID) ([]*CourseContent, error) {
	var out []*CourseContent
	if err := s.conn(ctx).Where("course_id = ?", courseID).Order("path ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SetContentExample records the example version assigned to a content.
func (s *Store) SetContentExample(ctx context.Context, id uuid.UUID, exampleID, version string) error {
	return s.conn(ctx).Model(&CourseContent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"example_id":      exampleID,
		"example_version": version,
	}).Error
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
