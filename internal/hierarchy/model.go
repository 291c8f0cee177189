// Package hierarchy stores the Organization → CourseFamily → Course tree, the
// cached remote bindings of its nodes, and the course contents beneath courses.
package hierarchy

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
)

// Kind is a hierarchy level. It is implied by path depth.
type Kind string

const (
	KindOrganization Kind = "organization"
	KindCourseFamily Kind = "course_family"
	KindCourse       Kind = "course"
)

// KindForDepth returns the node kind for a path of the given depth.
func KindForDepth(depth int) (Kind, error) {
	switch depth {
	case 1:
		return KindOrganization, nil
	case 2:
		return KindCourseFamily, nil
	case 3:
		return KindCourse, nil
	default:
		return "", fmt.Errorf("hierarchy depth %d out of range (1-3)", depth)
	}
}

// RemoteBinding is the cached association between a node and its remote group.
// Once set it is authoritative and consulted before any remote call.
type RemoteBinding struct {
	GroupID       int64      `gorm:"column:remote_group_id;index" json:"remote_group_id,omitempty"`
	NamespacePath string     `gorm:"column:remote_namespace_path" json:"remote_namespace_path,omitempty"`
	WebURL        string     `gorm:"column:remote_web_url" json:"remote_web_url,omitempty"`
	LastSyncedAt  *time.Time `gorm:"column:last_synced_at" json:"last_synced_at,omitempty"`
}

// IsSet reports whether the binding points at a remote group.
func (b RemoteBinding) IsSet() bool {
	return b.GroupID != 0
}

// TemplateProject binds a course to its generated student repository.
type TemplateProject struct {
	ProjectID int64  `gorm:"column:template_project_id" json:"template_project_id,omitempty"`
	Path      string `gorm:"column:template_project_path" json:"template_project_path,omitempty"`
	WebURL    string `gorm:"column:template_project_url" json:"template_project_url,omitempty"`
}

func (p TemplateProject) IsSet() bool {
	return p.ProjectID != 0
}

// Node is an Organization, CourseFamily or Course.
type Node struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Kind       Kind      `gorm:"column:kind;type:varchar(32);not null;uniqueIndex:idx_hierarchy_kind_path,priority:1" json:"kind"`
	Path       string    `gorm:"column:path;not null;uniqueIndex:idx_hierarchy_kind_path,priority:2" json:"path"`
	ParentPath string    `gorm:"column:parent_path;index" json:"parent_path,omitempty"`
	Title      string    `gorm:"column:title;not null" json:"title"`

	Remote   RemoteBinding   `gorm:"embedded" json:"remote"`
	Template TemplateProject `gorm:"embedded" json:"template,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (Node) TableName() string { return "hierarchy_nodes" }

// Label returns the last path segment.
func (n *Node) Label() string {
	return pathmap.Label(n.Path)
}

// ContentKind distinguishes submittable content from structural units.
type ContentKind string

const (
	ContentUnit       ContentKind = "unit"
	ContentAssignment ContentKind = "assignment"
)

// Submittable reports whether content of this kind may own a deployment.
func (k ContentKind) Submittable() bool {
	return k == ContentAssignment
}

// CourseContent is a unit or assignment inside a course. Path is the full
// internal path and always descends from the course path.
type CourseContent struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID       uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_content_course_path,priority:1" json:"course_id"`
	Path           string      `gorm:"column:path;not null;uniqueIndex:idx_content_course_path,priority:2" json:"path"`
	Title          string      `gorm:"column:title;not null" json:"title"`
	Kind           ContentKind `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	Directory      string      `gorm:"column:directory" json:"directory,omitempty"`
	ExampleID      string      `gorm:"column:example_id" json:"example_id,omitempty"`
	ExampleVersion string      `gorm:"column:example_version" json:"example_version,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (CourseContent) TableName() string { return "course_contents" }

// DeploymentDirectory is the directory the content is released into.
// CreateContent always sets one; rows without it fall back to the last path segment.
func (c *CourseContent) DeploymentDirectory() string {
	if c.Directory != "" {
		return c.Directory
	}
	return pathmap.Label(c.Path)
}

// DefaultDirectory is the repository directory of a content at contentPath
// below coursePath: its path relative to the course, one directory per
// segment. Distinct contents of a course never share a default directory.
func DefaultDirectory(coursePath, contentPath string) string {
	rel := strings.TrimPrefix(contentPath, coursePath+pathmap.InternalSeparator)
	return strings.ReplaceAll(rel, pathmap.InternalSeparator, "/")
}

// ValidateDirectory checks an explicit deployment directory: a clean relative
// path that stays inside the repository and out of .git.
func ValidateDirectory(dir string) error {
	if dir == "" || path.IsAbs(dir) || path.Clean(dir) != dir || dir == "." {
		return fmt.Errorf("%w: directory %q must be a clean relative path", ErrInvalidDirectory, dir)
	}
	for _, seg := range strings.Split(dir, "/") {
		if seg == ".." || seg == ".git" {
			return fmt.Errorf("%w: directory %q may not contain %q", ErrInvalidDirectory, dir, seg)
		}
	}
	return nil
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Node{}, &CourseContent{}}
}
