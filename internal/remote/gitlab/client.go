// Package gitlab implements remote.Client on the GitLab REST API.
package gitlab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	gl "github.com/xanzy/go-gitlab"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/computor-org/computor-fullstack-sub002/internal/config"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

// Config configures the adapter.
type Config struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	// RateLimit is requests per second. Zero disables pacing.
	RateLimit     float64
	Burst         int
	Retry         *remote.RetryConfig
	DefaultBranch string
	CommitAuthor  string
	CommitEmail   string
}

// FromConfig converts the gitlab config section.
func FromConfig(c config.GitLabConfig) Config {
	return Config{
		BaseURL:        c.BaseURL,
		Token:          c.Token.Value(),
		RequestTimeout: c.RequestTimeout.Duration(),
		RateLimit:      c.RateLimit,
		Burst:          c.Burst,
		Retry:          &remote.RetryConfig{MaxRetries: c.MaxRetries},
		DefaultBranch:  c.DefaultBranch,
		CommitAuthor:   c.CommitAuthor,
		CommitEmail:    c.CommitEmail,
	}
}

// Client is the GitLab adapter.
type Client struct {
	api     *gl.Client
	cfg     Config
	pusher  remote.Pusher
	metrics *remote.Metrics
	logger  *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPusher routes PushFiles through p instead of the commits API.
func WithPusher(p remote.Pusher) Option {
	return func(c *Client) { c.pusher = p }
}

// WithMetrics overrides the process-wide remote metrics.
func WithMetrics(m *remote.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

var _ remote.Client = (*Client)(nil)

// New creates a GitLab client.
func New(cfg Config, logger *logging.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gitlab base URL is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required for gitlab client")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	api, err := gl.NewClient(cfg.Token,
		gl.WithBaseURL(cfg.BaseURL),
		gl.WithCustomLimiter(rate.NewLimiter(limit, burst)),
		// Retries are classified and counted by remote.Retry.
		gl.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	c := &Client{
		api:     api,
		cfg:     cfg,
		metrics: remote.NewMetrics(),
		logger:  logger.Named("gitlab"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// do runs one API call under the retry policy, a per-attempt timeout, and metrics.
func (c *Client) do(ctx context.Context, op string, call func(opt gl.RequestOptionFunc) (*gl.Response, error)) error {
	return remote.Retry(ctx, c.cfg.Retry, c.logger, op, func(ctx context.Context) error {
		return c.once(ctx, op, call)
	})
}

// once runs a single attempt of an API call.
func (c *Client) once(ctx context.Context, op string, call func(opt gl.RequestOptionFunc) (*gl.Response, error)) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := call(gl.WithContext(callCtx))
	err = classify(op, resp, err)
	c.metrics.Observe(op, start, err)
	return err
}

func classify(op string, resp *gl.Response, err error) error {
	if err == nil {
		return nil
	}
	var status int
	var retryAfter time.Duration
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
		retryAfter = remote.ParseRetryAfter(resp.Header, time.Now())
	}
	return remote.Classify(op, status, retryAfter, err)
}

func groupRef(g *gl.Group) *remote.GroupRef {
	return &remote.GroupRef{
		ID:       int64(g.ID),
		Name:     g.Name,
		FullPath: g.FullPath,
		WebURL:   g.WebURL,
		ParentID: int64(g.ParentID),
	}
}

func projectRef(p *gl.Project) *remote.ProjectRef {
	return &remote.ProjectRef{
		ID:                int64(p.ID),
		Name:              p.Name,
		PathWithNamespace: p.PathWithNamespace,
		WebURL:            p.WebURL,
		HTTPURLToRepo:     p.HTTPURLToRepo,
		DefaultBranch:     p.DefaultBranch,
	}
}

// FindGroupByPath looks a group up by its full namespace path.
func (c *Client) FindGroupByPath(ctx context.Context, fullPath string) (*remote.GroupRef, error) {
	var group *gl.Group
	err := c.do(ctx, "find_group", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		g, resp, err := c.api.Groups.GetGroup(fullPath, &gl.GetGroupOptions{WithProjects: gl.Ptr(false)}, opt)
		group = g
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return groupRef(group), nil
}

// GetGroup looks a group up by id.
func (c *Client) GetGroup(ctx context.Context, id int64) (*remote.GroupRef, error) {
	var group *gl.Group
	err := c.do(ctx, "get_group", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		g, resp, err := c.api.Groups.GetGroup(int(id), &gl.GetGroupOptions{WithProjects: gl.Ptr(false)}, opt)
		group = g
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return groupRef(group), nil
}

// CreateGroup creates a group below parentID, or at the top level when parentID is 0.
func (c *Client) CreateGroup(ctx context.Context, name, path string, parentID int64) (*remote.GroupRef, error) {
	opts := &gl.CreateGroupOptions{
		Name: gl.Ptr(name),
		Path: gl.Ptr(path),
	}
	if parentID != 0 {
		opts.ParentID = gl.Ptr(int(parentID))
	}

	var group *gl.Group
	err := c.do(ctx, "create_group", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		g, resp, err := c.api.Groups.CreateGroup(opts, opt)
		group = g
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "created group", zap.String("full_path", group.FullPath), zap.Int("group_id", group.ID))
	return groupRef(group), nil
}

// UpdateGroupName renames a group. The path is unchanged.
func (c *Client) UpdateGroupName(ctx context.Context, id int64, name string) error {
	return c.do(ctx, "update_group", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		_, resp, err := c.api.Groups.UpdateGroup(int(id), &gl.UpdateGroupOptions{Name: gl.Ptr(name)}, opt)
		return resp, err
	})
}

// TransferGroup moves a group under newParentID.
func (c *Client) TransferGroup(ctx context.Context, id, newParentID int64) (*remote.GroupRef, error) {
	var group *gl.Group
	err := c.do(ctx, "transfer_group", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		g, resp, err := c.api.Groups.TransferSubGroup(int(id), &gl.TransferSubGroupOptions{GroupID: gl.Ptr(int(newParentID))}, opt)
		group = g
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return groupRef(group), nil
}

// FindProjectByPath looks a project up by its path with namespace.
func (c *Client) FindProjectByPath(ctx context.Context, fullPath string) (*remote.ProjectRef, error) {
	var project *gl.Project
	err := c.do(ctx, "find_project", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		p, resp, err := c.api.Projects.GetProject(fullPath, nil, opt)
		project = p
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return projectRef(project), nil
}

// CreateProject creates a project in namespaceID, initialized on the default branch.
func (c *Client) CreateProject(ctx context.Context, name, path string, namespaceID int64) (*remote.ProjectRef, error) {
	opts := &gl.CreateProjectOptions{
		Name:                 gl.Ptr(name),
		Path:                 gl.Ptr(path),
		NamespaceID:          gl.Ptr(int(namespaceID)),
		DefaultBranch:        gl.Ptr(c.cfg.DefaultBranch),
		InitializeWithReadme: gl.Ptr(true),
		Visibility:           gl.Ptr(gl.PrivateVisibility),
	}

	var project *gl.Project
	err := c.do(ctx, "create_project", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		p, resp, err := c.api.Projects.CreateProject(opts, opt)
		project = p
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "created project", zap.String("path", project.PathWithNamespace), zap.Int("project_id", project.ID))
	return projectRef(project), nil
}

// PushFiles writes files as one commit. Existing files are updated, new ones
// created, and deletions of paths already gone are dropped.
//
// Each attempt lists the branch tree again before committing. A commit that
// landed although its response was lost therefore turns into updates on retry
// instead of failing on creates of paths that now exist.
func (c *Client) PushFiles(ctx context.Context, project remote.ProjectRef, branch string, files []remote.File, message string) (*remote.CommitRef, error) {
	if c.pusher != nil {
		return c.pusher.PushFiles(ctx, project, branch, files, message)
	}
	if len(files) == 0 {
		return nil, errors.New("push requires at least one file")
	}
	if branch == "" {
		branch = c.cfg.DefaultBranch
	}

	var commit *remote.CommitRef
	err := remote.Retry(ctx, c.cfg.Retry, c.logger, "push_files", func(ctx context.Context) error {
		existing, err := c.listPaths(ctx, project.ID, branch)
		if err != nil {
			return err
		}
		actions := commitActions(files, existing)
		if len(actions) == 0 {
			commit, err = c.branchHead(ctx, project.ID, branch)
			return err
		}
		commit, err = c.createCommit(ctx, project.ID, branch, message, actions)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "pushed files",
		zap.String("project", project.PathWithNamespace),
		zap.String("sha", commit.SHA),
		zap.Int("files", len(files)),
	)
	return commit, nil
}

func commitActions(files []remote.File, existing map[string]bool) []*gl.CommitActionOptions {
	actions := make([]*gl.CommitActionOptions, 0, len(files))
	for _, f := range files {
		if f.Delete {
			if existing[f.Path] {
				actions = append(actions, &gl.CommitActionOptions{
					Action:   gl.Ptr(gl.FileDelete),
					FilePath: gl.Ptr(f.Path),
				})
			}
			continue
		}
		action := gl.FileCreate
		if existing[f.Path] {
			action = gl.FileUpdate
		}
		actions = append(actions, &gl.CommitActionOptions{
			Action:   gl.Ptr(action),
			FilePath: gl.Ptr(f.Path),
			Content:  gl.Ptr(base64.StdEncoding.EncodeToString(f.Content)),
			Encoding: gl.Ptr("base64"),
		})
	}
	return actions
}

func (c *Client) createCommit(ctx context.Context, projectID int64, branch, message string, actions []*gl.CommitActionOptions) (*remote.CommitRef, error) {
	opts := &gl.CreateCommitOptions{
		Branch:        gl.Ptr(branch),
		CommitMessage: gl.Ptr(message),
		Actions:       actions,
	}
	if c.cfg.CommitAuthor != "" {
		opts.AuthorName = gl.Ptr(c.cfg.CommitAuthor)
	}
	if c.cfg.CommitEmail != "" {
		opts.AuthorEmail = gl.Ptr(c.cfg.CommitEmail)
	}

	var commit *gl.Commit
	err := c.once(ctx, "push_files", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		cm, resp, err := c.api.Commits.CreateCommit(int(projectID), opts, opt)
		commit = cm
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return &remote.CommitRef{SHA: commit.ID, WebURL: commit.WebURL}, nil
}

func (c *Client) branchHead(ctx context.Context, projectID int64, branch string) (*remote.CommitRef, error) {
	var b *gl.Branch
	err := c.once(ctx, "get_branch", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
		br, resp, err := c.api.Branches.GetBranch(int(projectID), branch, opt)
		b = br
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if b.Commit == nil {
		return nil, fmt.Errorf("branch %q has no commit", branch)
	}
	return &remote.CommitRef{SHA: b.Commit.ID, WebURL: b.Commit.WebURL}, nil
}

// listPaths returns every blob path on branch in a single pass without
// retries. An empty repository yields an empty set.
func (c *Client) listPaths(ctx context.Context, projectID int64, branch string) (map[string]bool, error) {
	paths := make(map[string]bool)
	page := 1
	for page != 0 {
		var nodes []*gl.TreeNode
		var next int
		err := c.once(ctx, "list_tree", func(opt gl.RequestOptionFunc) (*gl.Response, error) {
			n, resp, err := c.api.Repositories.ListTree(int(projectID), &gl.ListTreeOptions{
				ListOptions: gl.ListOptions{Page: page, PerPage: 100},
				Ref:         gl.Ptr(branch),
				Recursive:   gl.Ptr(true),
			}, opt)
			nodes = n
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if errors.Is(err, remote.ErrNotFound) {
			return paths, nil
		}
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.Type == "blob" {
				paths[strings.TrimPrefix(n.Path, "/")] = true
			}
		}
		page = next
	}
	return paths, nil
}
