// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/JakeFAU/sparepart-scheduler/internal/admission"
	"github.com/JakeFAU/sparepart-scheduler/internal/api"
	gcsarchive "github.com/JakeFAU/sparepart-scheduler/internal/archive/gcs"
	localarchive "github.com/JakeFAU/sparepart-scheduler/internal/archive/local"
	memarchive "github.com/JakeFAU/sparepart-scheduler/internal/archive/memory"
	backendmem "github.com/JakeFAU/sparepart-scheduler/internal/backend/memory"
	"github.com/JakeFAU/sparepart-scheduler/internal/backend/scrapyd"
	"github.com/JakeFAU/sparepart-scheduler/internal/clock/system"
	"github.com/JakeFAU/sparepart-scheduler/internal/config"
	"github.com/JakeFAU/sparepart-scheduler/internal/housekeeping"
	"github.com/JakeFAU/sparepart-scheduler/internal/id/uuid"
	ledgermem "github.com/JakeFAU/sparepart-scheduler/internal/ledger/memory"
	ledgerpg "github.com/JakeFAU/sparepart-scheduler/internal/ledger/postgres"
	"github.com/JakeFAU/sparepart-scheduler/internal/policy/ratelimit"
	pubmem "github.com/JakeFAU/sparepart-scheduler/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/sparepart-scheduler/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/sparepart-scheduler/internal/queue/memory"
	queuesqlite "github.com/JakeFAU/sparepart-scheduler/internal/queue/sqlite"
	"github.com/JakeFAU/sparepart-scheduler/internal/registry"
	"github.com/JakeFAU/sparepart-scheduler/internal/requeue"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// App holds all the shared, long-lived services for the scheduler.
// It is built once at startup and closed on shutdown.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Registry   *registry.Registry
	Queue      scheduler.QueueStore
	Ledger     scheduler.Ledger
	Backend    scheduler.Backend
	Keeper     *housekeeping.Keeper
	Publisher  scheduler.Publisher
	Archive    scheduler.LogArchive
	Controller *admission.Controller
	Trigger    *requeue.Trigger

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	fs    afero.Fs
	clock clock.WithTicker
}

// WithFs replaces the OS filesystem used for job directories and the local
// log archive.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithClock replaces the system clock.
func WithClock(c clock.WithTicker) Option {
	return func(o *options) { o.clock = c }
}

// New wires every service from cfg. It fails fast if any configured provider
// cannot be initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{fs: afero.NewOsFs(), clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	logger.Info("initializing application services")

	a.Registry, err = registry.New(cfg.Spiders)
	if err != nil {
		return nil, fmt.Errorf("spider registry: %w", err)
	}
	if err = a.initQueue(ctx, o.clock); err != nil {
		return nil, err
	}
	if err = a.initLedger(ctx); err != nil {
		return nil, err
	}
	if err = a.initBackend(o.clock); err != nil {
		return nil, err
	}
	if err = a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.initArchive(ctx, o.fs); err != nil {
		return nil, err
	}

	a.Keeper = housekeeping.New(o.fs, housekeeping.Config{
		Root:       cfg.Housekeeping.JobDir,
		MaxJobDirs: cfg.Housekeeping.MaxJobDirs,
	}, logger)

	a.Controller, err = admission.New(admission.Deps{
		Registry:  a.Registry,
		Queue:     a.Queue,
		Ledger:    a.Ledger,
		Backend:   a.Backend,
		Keeper:    a.Keeper,
		Publisher: a.Publisher,
		Topic:     cfg.PubSub.TopicName,
		Clock:     o.clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("admission controller: %w", err)
	}

	a.Trigger = requeue.New(a.Controller, a.Backend, a.Archive, o.clock, requeue.Config{
		CallbackDelay: cfg.CallbackDelay(),
		SweepInterval: cfg.SweepInterval(),
		SweepTimeout:  cfg.SweepTimeout(),
		ArchivePrefix: cfg.Archive.Prefix,
	}, logger)

	logger.Info("application services initialized",
		zap.Strings("spiders", a.Registry.Names()),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("ledger", cfg.Ledger.Provider),
		zap.String("backend", cfg.Backend.Provider),
		zap.String("archive", cfg.Archive.Provider),
	)
	return a, nil
}

func (a *App) initQueue(ctx context.Context, clk scheduler.Clock) error {
	switch a.Config.Queue.Provider {
	case "sqlite":
		store, err := queuesqlite.Open(ctx, queuesqlite.Config{
			Path:        a.Config.Queue.Path,
			Spiders:     a.Registry.Names(),
			BusyTimeout: a.Config.QueueBusyTimeout(),
		}, clk)
		if err != nil {
			return fmt.Errorf("open queue store: %w", err)
		}
		a.Logger.Info("using sqlite queue store", zap.String("path", a.Config.Queue.Path))
		a.Queue = store
		a.closers = append(a.closers, store.Close)
	case "memory":
		a.Logger.Info("using in-memory queue store; deferred requests are lost on restart")
		a.Queue = queuemem.NewQueue(a.Registry.Names(), clk)
	default:
		return fmt.Errorf("unknown queue provider: %s", a.Config.Queue.Provider)
	}
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	switch a.Config.Ledger.Provider {
	case "postgres":
		l, err := ledgerpg.New(ctx, ledgerpg.Config{
			DSN:      a.Config.Ledger.DSN,
			Table:    a.Config.Ledger.Table,
			MaxConns: a.Config.Ledger.MaxConns,
			MinConns: a.Config.Ledger.MinConns,
		})
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		a.closers = append(a.closers, func() error {
			l.Close()
			return nil
		})
		if a.Config.Ledger.AutoMigrate {
			if err := l.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("migrate ledger: %w", err)
			}
		}
		a.Logger.Info("using postgres ledger", zap.String("table", a.Config.Ledger.Table))
		a.Ledger = l
	case "memory":
		a.Logger.Info("using in-memory ledger")
		a.Ledger = ledgermem.NewLedger()
	default:
		return fmt.Errorf("unknown ledger provider: %s", a.Config.Ledger.Provider)
	}
	return nil
}

func (a *App) initBackend(clk scheduler.Clock) error {
	switch a.Config.Backend.Provider {
	case "scrapyd":
		c, err := scrapyd.New(scrapyd.Config{
			BaseURL: a.Config.Backend.BaseURL,
			Project: a.Config.Backend.Project,
			Timeout: a.Config.BackendTimeout(),
		}, nil)
		if err != nil {
			return fmt.Errorf("scrapyd client: %w", err)
		}
		a.Logger.Info("using scrapyd backend",
			zap.String("base_url", a.Config.Backend.BaseURL), zap.String("project", a.Config.Backend.Project))
		a.Backend = c
	case "memory":
		a.Logger.Info("using in-memory execution backend")
		a.Backend = backendmem.New(uuid.New(), clk)
	default:
		return fmt.Errorf("unknown backend provider: %s", a.Config.Backend.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.Config.PubSub.ProjectID == "" {
		a.Logger.Info("using in-memory publisher")
		a.Publisher = pubmem.New()
		return nil
	}
	client, err := gpubsub.NewClient(ctx, a.Config.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	p := pubsubpub.New(client)
	a.closers = append(a.closers, client.Close, func() error {
		p.Close()
		return nil
	})
	a.Logger.Info("using pubsub publisher",
		zap.String("project", a.Config.PubSub.ProjectID), zap.String("topic", a.Config.PubSub.TopicName))
	a.Publisher = p
	return nil
}

func (a *App) initArchive(ctx context.Context, fs afero.Fs) error {
	switch a.Config.Archive.Provider {
	case "none", "":
		return nil
	case "memory":
		a.Archive = memarchive.New()
	case "local":
		la, err := localarchive.New(fs, localarchive.Config{BaseDir: a.Config.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local archive: %w", err)
		}
		a.Archive = la
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		ga, err := gcsarchive.New(client, gcsarchive.Config{Bucket: a.Config.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs archive: %w", err)
		}
		a.Archive = ga
	default:
		return fmt.Errorf("unknown archive provider: %s", a.Config.Archive.Provider)
	}
	a.Logger.Info("archiving job logs", zap.String("provider", a.Config.Archive.Provider))
	return nil
}

// Server builds the HTTP front-end over the wired services.
func (a *App) Server() *api.Server {
	return api.NewServer(a.Controller, a.Trigger, a.Backend, api.Options{
		RequestTimeout: a.Config.RequestTimeout(),
		AuthEnabled:    a.Config.Auth.Enabled,
		APIKey:         a.Config.Auth.APIKey,
		Limiter: ratelimit.New(ratelimit.Config{
			RPS:   a.Config.Server.RateLimitRPS,
			Burst: a.Config.Server.RateLimitBurst,
		}),
	}, a.Logger)
}

// Close releases every opened store and client in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
