// Package gitpush implements remote.Pusher by cloning the target branch into
// memory, writing the files, committing once, and pushing over HTTPS.
package gitpush

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

// Config configures the pusher.
type Config struct {
	// Token authenticates as the "oauth2" user, which GitLab accepts for personal and project tokens.
	Token       string
	AuthorName  string
	AuthorEmail string
	Timeout     time.Duration
}

// Pusher pushes files with go-git.
type Pusher struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

var _ remote.Pusher = (*Pusher)(nil)

// New returns a Pusher.
func New(cfg Config, logger *logging.Logger) *Pusher {
	if cfg.AuthorName == "" {
		cfg.AuthorName = "deploy-engine"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "deploy-engine@localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pusher{cfg: cfg, logger: logger.Named("gitpush"), now: time.Now}
}

func (p *Pusher) auth() transport.AuthMethod {
	if p.cfg.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "oauth2", Password: p.cfg.Token}
}

// PushFiles commits files onto branch of project and pushes the result.
func (p *Pusher) PushFiles(ctx context.Context, project remote.ProjectRef, branch string, files []remote.File, message string) (*remote.CommitRef, error) {
	if project.HTTPURLToRepo == "" {
		return nil, fmt.Errorf("project %q has no HTTP clone URL", project.PathWithNamespace)
	}
	if len(files) == 0 {
		return nil, errors.New("push requires at least one file")
	}
	if branch == "" {
		branch = project.DefaultBranch
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	repo, err := p.open(ctx, project.HTTPURLToRepo, branch)
	if err != nil {
		return nil, classify("clone", err)
	}

	hash, changed, err := commitFiles(repo, files, message, &object.Signature{
		Name:  p.cfg.AuthorName,
		Email: p.cfg.AuthorEmail,
		When:  p.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("committing files: %w", err)
	}
	if !changed {
		p.logger.Info(ctx, "push skipped, content unchanged", zap.String("project", project.PathWithNamespace))
		return &remote.CommitRef{SHA: hash.String()}, nil
	}

	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       p.auth(),
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref + ":" + ref)},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, classify("push", err)
	}

	p.logger.Info(ctx, "pushed files",
		zap.String("project", project.PathWithNamespace),
		zap.String("branch", branch),
		zap.String("sha", hash.String()),
		zap.Int("files", len(files)),
	)
	return &remote.CommitRef{SHA: hash.String()}, nil
}

// open clones branch shallowly. An empty remote yields a fresh repository
// whose HEAD points at branch.
func (p *Pusher) open(ctx context.Context, url, branch string) (*git.Repository, error) {
	fs := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), fs, &git.CloneOptions{
		URL:           url,
		Auth:          p.auth(),
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, err
	}

	repo, err = initRepo(branch)
	if err != nil {
		return nil, err
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	}); err != nil {
		return nil, err
	}
	return repo, nil
}

func initRepo(branch string) (*git.Repository, error) {
	repo, err := git.Init(memory.NewStorage(), memfs.New())
	if err != nil {
		return nil, err
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, err
	}
	return repo, nil
}

// commitFiles writes files into the worktree and commits them. changed is
// false when the files already matched HEAD, in which case hash is HEAD.
func commitFiles(repo *git.Repository, files []remote.File, message string, author *object.Signature) (hash plumbing.Hash, changed bool, err error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, false, err
	}

	for _, f := range files {
		if f.Delete {
			if _, err := wt.Filesystem.Lstat(f.Path); err != nil {
				continue
			}
			if _, err := wt.Remove(f.Path); err != nil {
				return plumbing.ZeroHash, false, fmt.Errorf("removing %s: %w", f.Path, err)
			}
			continue
		}
		if dir := path.Dir(f.Path); dir != "." {
			if err := wt.Filesystem.MkdirAll(dir, 0o755); err != nil {
				return plumbing.ZeroHash, false, err
			}
		}
		if err := util.WriteFile(wt.Filesystem, f.Path, f.Content, 0o644); err != nil {
			return plumbing.ZeroHash, false, fmt.Errorf("writing %s: %w", f.Path, err)
		}
		if _, err := wt.Add(f.Path); err != nil {
			return plumbing.ZeroHash, false, fmt.Errorf("staging %s: %w", f.Path, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, false, err
		}
		return head.Hash(), false, nil
	}

	hash, err = wt.Commit(message, &git.CommitOptions{Author: author})
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	return hash, true, nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return &remote.RejectedError{Op: op, StatusCode: 401, Err: err}
	case errors.Is(err, transport.ErrAuthorizationFailed):
		return &remote.RejectedError{Op: op, StatusCode: 403, Err: err}
	default:
		return &remote.RemoteUnavailableError{Op: op, Err: err}
	}
}
