package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/computor-org/computor-fullstack-sub002/internal/config"
	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	"github.com/computor-org/computor-fullstack-sub002/internal/examples"
	"github.com/computor-org/computor-fullstack-sub002/internal/hierarchy"
	"github.com/computor-org/computor-fullstack-sub002/internal/ledger"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/notify"
	"github.com/computor-org/computor-fullstack-sub002/internal/pathmap"
	"github.com/computor-org/computor-fullstack-sub002/internal/reconcile"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote/gitlab"
	"github.com/computor-org/computor-fullstack-sub002/internal/remote/gitpush"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
	"github.com/computor-org/computor-fullstack-sub002/internal/secrets"
	"github.com/computor-org/computor-fullstack-sub002/internal/store"
)

// Registry provides access to the engine services.
type Registry interface {
	Nodes() *hierarchy.Store
	Reconciler() *reconcile.Reconciler
	Deployments() *deployment.Manager
	Staging() deployment.Staging
	Runs() *runs.Service
	NATS() *nats.Conn
	Close() error
}

// Options configures Build. Nil dependencies are built from Config.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Starter runs.Starter

	DB       *gorm.DB
	Remote   remote.Client
	Examples examples.Store
	Staging  deployment.Staging
	NATS     *nats.Conn
}

// registry is the concrete implementation of Registry.
type registry struct {
	nodes       *hierarchy.Store
	reconciler  *reconcile.Reconciler
	deployments *deployment.Manager
	staging     deployment.Staging
	runs        *runs.Service
	nc          *nats.Conn

	closers []func() error
}

func (r *registry) Nodes() *hierarchy.Store           { return r.nodes }
func (r *registry) Reconciler() *reconcile.Reconciler { return r.reconciler }
func (r *registry) Deployments() *deployment.Manager  { return r.deployments }
func (r *registry) Staging() deployment.Staging       { return r.staging }
func (r *registry) Runs() *runs.Service               { return r.runs }
func (r *registry) NATS() *nats.Conn                  { return r.nc }

// Close releases the connections Build opened, newest first.
func (r *registry) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Models lists every gorm model of the engine.
func Models() []any {
	var models []any
	models = append(models, hierarchy.Models()...)
	models = append(models, ledger.Models()...)
	models = append(models, deployment.Models()...)
	models = append(models, runs.Models()...)
	return models
}

// Build connects the configured infrastructure and assembles the services.
// On error everything opened so far is closed again.
func Build(ctx context.Context, opts Options) (Registry, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Starter == nil {
		return nil, errors.New("workflow starter is required")
	}

	r := &registry{}
	if err := r.build(ctx, opts); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *registry) build(ctx context.Context, opts Options) error {
	cfg, logger := opts.Config, opts.Logger

	db := opts.DB
	if db == nil {
		var err error
		db, err = store.Open(ctx, cfg.Database, logger.Named("store"))
		if err != nil {
			return err
		}
		r.closers = append(r.closers, func() error { return store.Close(db) })
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(db, Models()...); err != nil {
			return err
		}
	}
	r.nodes = hierarchy.NewStore(db)

	client := opts.Remote
	if client == nil {
		var err error
		client, err = newRemoteClient(cfg, logger)
		if err != nil {
			return err
		}
	}

	exampleStore, staging := opts.Examples, opts.Staging
	if exampleStore == nil || staging == nil {
		mc, err := examples.NewMinioClient(cfg.Storage)
		if err != nil {
			return err
		}
		timeout := cfg.Storage.RequestTimeout.Duration()
		if exampleStore == nil {
			if err := examples.EnsureBucket(ctx, mc, cfg.Storage.ExamplesBucket, logger); err != nil {
				return err
			}
			exampleStore = examples.NewMinioStore(mc, cfg.Storage.ExamplesBucket, timeout, logger)
		}
		if staging == nil {
			if err := examples.EnsureBucket(ctx, mc, cfg.Storage.StagingBucket, logger); err != nil {
				return err
			}
			staging = deployment.NewMinioStaging(mc, cfg.Storage.StagingBucket, timeout, logger)
		}
	}
	r.staging = staging

	mapper, err := pathmap.New(cfg.GitLab.MaxSegmentLen)
	if err != nil {
		return err
	}
	r.reconciler, err = reconcile.New(r.nodes, client, logger,
		reconcile.WithMapper(mapper),
		reconcile.WithParentGroupPath(cfg.GitLab.ParentGroupPath),
		reconcile.WithTemplateProject(cfg.Release.TemplateProject),
	)
	if err != nil {
		return err
	}

	deployOpts := []deployment.Option{
		deployment.WithBranch(cfg.GitLab.DefaultBranch),
	}
	if cfg.Release.ScanSecrets {
		allowlist, err := secrets.LoadAllowlist(cfg.Release.AllowlistPath)
		if err != nil {
			return fmt.Errorf("loading secrets allowlist: %w", err)
		}
		scanner, err := secrets.NewScanner(allowlist)
		if err != nil {
			return err
		}
		deployOpts = append(deployOpts, deployment.WithScanner(scanner))
	}
	r.deployments, err = deployment.New(db, r.nodes, exampleStore, client, staging, logger, deployOpts...)
	if err != nil {
		return err
	}

	r.nc = opts.NATS
	if r.nc == nil && cfg.NATS.URL != "" {
		r.nc, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.Observability.ServiceName))
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		nc := r.nc
		r.closers = append(r.closers, func() error { return nc.Drain() })
	}
	var publisher notify.Publisher
	if r.nc != nil {
		publisher, err = notify.NewNATS(r.nc, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
	}

	r.runs, err = runs.New(db, r.nodes, opts.Starter, publisher, logger)
	if err != nil {
		return err
	}

	logger.Info(ctx, "services initialized",
		zap.String("push_mode", cfg.GitLab.PushMode),
		zap.Bool("scan_secrets", cfg.Release.ScanSecrets),
		zap.Bool("nats_connected", r.nc != nil),
	)
	return nil
}

func newRemoteClient(cfg *config.Config, logger *logging.Logger) (remote.Client, error) {
	var opts []gitlab.Option
	if cfg.GitLab.PushMode == "git" {
		opts = append(opts, gitlab.WithPusher(gitpush.New(gitpush.Config{
			Token:       cfg.GitLab.Token.Value(),
			AuthorName:  cfg.GitLab.CommitAuthor,
			AuthorEmail: cfg.GitLab.CommitEmail,
		}, logger)))
	}
	return gitlab.New(gitlab.FromConfig(cfg.GitLab), logger, opts...)
}
