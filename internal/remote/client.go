// Package remote defines the client boundary to the Git-hosting platform and
// the error taxonomy shared by every adapter.
//
// Adapters report a missing resource as (nil, ErrNotFound). Network failures,
// timeouts and 5xx responses surface as *RemoteUnavailableError, 429s as
// *RemoteRateLimitedError; both are transient. Other 4xx responses are
// *RejectedError and are not retried.
package remote

import "context"

// GroupRef identifies a remote group.
type GroupRef struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullPath string `json:"full_path"`
	WebURL   string `json:"web_url"`
	ParentID int64  `json:"parent_id,omitempty"`
}

// ProjectRef identifies a remote project.
type ProjectRef struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
	HTTPURLToRepo     string `json:"http_url_to_repo,omitempty"`
	DefaultBranch     string `json:"default_branch,omitempty"`
}

// File is one file written by PushFiles. Path is relative to the repository root.
// Delete removes Path instead of writing it; removing a missing path is a no-op.
type File struct {
	Path    string
	Content []byte
	Delete  bool
}

// CommitRef identifies the commit produced by PushFiles.
type CommitRef struct {
	SHA    string `json:"sha"`
	WebURL string `json:"web_url,omitempty"`
}

// Pusher writes a set of files to a project branch as a single commit.
type Pusher interface {
	PushFiles(ctx context.Context, project ProjectRef, branch string, files []File, message string) (*CommitRef, error)
}

// Client is the remote repository client.
type Client interface {
	Pusher

	FindGroupByPath(ctx context.Context, fullPath string) (*GroupRef, error)
	GetGroup(ctx context.Context, id int64) (*GroupRef, error)
	// CreateGroup creates a group. parentID 0 creates a top-level group.
	CreateGroup(ctx context.Context, name, path string, parentID int64) (*GroupRef, error)
	UpdateGroupName(ctx context.Context, id int64, name string) error
	TransferGroup(ctx context.Context, id, newParentID int64) (*GroupRef, error)

	FindProjectByPath(ctx context.Context, fullPath string) (*ProjectRef, error)
	CreateProject(ctx context.Context, name, path string, namespaceID int64) (*ProjectRef, error)
}
