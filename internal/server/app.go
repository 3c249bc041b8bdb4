// Package server builds the service's dependency graph from configuration
// and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/api"
	"github.com/JakeFAU/streetview-cache/internal/browser"
	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/clock/system"
	"github.com/JakeFAU/streetview-cache/internal/config"
	"github.com/JakeFAU/streetview-cache/internal/dispatcher"
	"github.com/JakeFAU/streetview-cache/internal/hash/sha256"
	"github.com/JakeFAU/streetview-cache/internal/id/uuid"
	"github.com/JakeFAU/streetview-cache/internal/logging"
	"github.com/JakeFAU/streetview-cache/internal/pipeline"
	"github.com/JakeFAU/streetview-cache/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/streetview-cache/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/streetview-cache/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/streetview-cache/internal/queue/memory"
	"github.com/JakeFAU/streetview-cache/internal/registry"
	gcsstorage "github.com/JakeFAU/streetview-cache/internal/storage/gcs"
	localstorage "github.com/JakeFAU/streetview-cache/internal/storage/local"
	memoryStorage "github.com/JakeFAU/streetview-cache/internal/storage/memory"
	pgstore "github.com/JakeFAU/streetview-cache/internal/storage/postgres"
	redisstore "github.com/JakeFAU/streetview-cache/internal/storage/redis"
	s3storage "github.com/JakeFAU/streetview-cache/internal/storage/s3"
	"github.com/JakeFAU/streetview-cache/internal/strategy"
	"github.com/JakeFAU/streetview-cache/internal/worker"
)

// memoryEventLimit bounds the events kept when no Pub/Sub project is set.
const memoryEventLimit = 256

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	content  capture.ContentStore
	registry *registry.Registry
	browser  *browser.Manager
	service  *pipeline.Service
	queue    *queueMemory.Queue
	dispatch *dispatcher.Dispatcher
	api      *api.Server

	events       *memorypublisher.Publisher
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	gcsClient    *storage.Client
	pool         *pgxpool.Pool
	redisClient  *goredis.Client

	checks    map[string]api.ReadinessCheck
	closeOnce sync.Once
}

// Build creates the application's dependencies. Chrome is not started until
// the first capture.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]api.ReadinessCheck),
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("status", cfg.Status.Backend),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.content, err = a.setupStorage(ctx); err != nil {
		return err
	}
	if err = a.setupDatabase(ctx); err != nil {
		return err
	}
	durable, err := a.setupStatus(ctx)
	if err != nil {
		return err
	}
	linker, err := a.setupLinker()
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	clock := system.New()
	a.registry, err = registry.New(registry.Options{
		Content:    a.content,
		Durable:    durable,
		Linker:     linker,
		Clock:      clock,
		Estimate:   a.cfg.Capture.Estimate,
		StaleAfter: a.cfg.Capture.StaleAfter,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("registry init failed: %w", err)
	}

	a.browser = a.setupBrowser()
	chain, err := a.setupChain(clock)
	if err != nil {
		return err
	}

	// Workers only start in Run, after the service below is assigned.
	a.queue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
	a.dispatch = dispatcher.New(a.queue, worker.ExecutorFunc(func(ctx context.Context, job capture.Job) {
		a.service.Execute(ctx, job)
	}), a.cfg.Worker.Concurrency, a.logger)
	a.service, err = pipeline.New(pipeline.Options{
		Content:        a.content,
		Registry:       a.registry,
		Browser:        a.browser,
		Capturer:       chain,
		Publisher:      publisher,
		Queue:          a.dispatch,
		Hasher:         sha256.New(),
		Clock:          clock,
		IDs:            uuid.New(),
		Topic:          a.cfg.PubSub.Topic,
		Source:         a.cfg.Capture.Source,
		JPEGQuality:    a.cfg.Capture.JPEGQuality,
		EnqueueTimeout: a.cfg.Worker.EnqueueTimeout,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.api = api.NewServer(a.service, api.Options{
		APIKey: apiKey,
		Checks: a.checks,
		Logger: a.logger,
	})
	return nil
}

func (a *App) setupStorage(ctx context.Context) (capture.ContentStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:        a.cfg.Storage.GCS.Bucket,
			PublicBaseURL: a.cfg.Storage.GCS.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.BackendS3:
		s3cfg := s3storage.Config{
			Endpoint:        a.cfg.Storage.S3.Endpoint,
			AccessKeyID:     a.cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: a.cfg.Storage.S3.SecretAccessKey,
			Bucket:          a.cfg.Storage.S3.Bucket,
			Region:          a.cfg.Storage.S3.Region,
			UseSSL:          a.cfg.Storage.S3.UseSSL,
			PublicBaseURL:   a.cfg.Storage.S3.PublicBaseURL,
		}
		a.logger.Info("using S3 storage backend",
			zap.String("endpoint", s3cfg.Endpoint),
			zap.String("bucket", s3cfg.Bucket),
		)
		client, err := s3storage.NewClient(s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3storage.New(client, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return store, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	case config.BackendMemory, "":
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

// setupDatabase opens the shared pool when a component needs Postgres.
func (a *App) setupDatabase(ctx context.Context) error {
	if !a.cfg.NeedsDatabase() {
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.checks["postgres"] = pool.Ping
	a.logger.Info("postgres pool initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func (a *App) setupStatus(ctx context.Context) (capture.StatusStore, error) {
	switch a.cfg.Status.Backend {
	case config.BackendNone:
		a.logger.Info("durable status mirror disabled")
		return nil, nil
	case config.BackendPostgres:
		store, err := pgstore.NewJobStore(a.pool, a.cfg.Database.JobsTable)
		if err != nil {
			return nil, fmt.Errorf("postgres status store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres status schema: %w", err)
		}
		a.logger.Info("using postgres status store", zap.String("table", a.cfg.Database.JobsTable))
		return store, nil
	case config.BackendRedis:
		rcfg := redisstore.Config{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
			TTL:       a.cfg.Redis.TTL,
		}
		client, err := redisstore.NewClient(rcfg)
		if err != nil {
			return nil, fmt.Errorf("redis client init failed: %w", err)
		}
		a.redisClient = client
		store, err := redisstore.NewJobStore(client, rcfg)
		if err != nil {
			return nil, fmt.Errorf("redis status store init failed: %w", err)
		}
		a.checks["redis"] = store.Ping
		a.logger.Info("using redis status store", zap.String("addr", rcfg.Addr))
		return store, nil
	case config.BackendMemory, "":
		return memoryStorage.NewJobStore(), nil
	default:
		return nil, fmt.Errorf("unknown status backend %q", a.cfg.Status.Backend)
	}
}

func (a *App) setupLinker() (capture.RecordLinker, error) {
	records := a.cfg.Database.Records
	if records.Table == "" {
		return nil, nil
	}
	if a.pool == nil {
		return nil, fmt.Errorf("record linking requires database.dsn")
	}
	linker, err := pgstore.NewRecordLinker(a.pool, pgstore.LinkerConfig{
		Table:     records.Table,
		IDColumn:  records.IDColumn,
		KeyColumn: records.KeyColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("record linker init failed: %w", err)
	}
	a.logger.Info("linking results to records", zap.String("table", records.Table))
	return linker, nil
}

func (a *App) setupPublisher(ctx context.Context) (capture.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, keeping events in memory")
		a.events = memorypublisher.New(memoryEventLimit)
		return a.events, nil
	}
	client, err := gcppublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.publisher, nil
}

func (a *App) setupBrowser() *browser.Manager {
	b := a.cfg.Browser
	pacer := ratelimit.New(ratelimit.Config{
		DefaultRPS:   b.NavigationRPS,
		DefaultBurst: b.NavigationBurst,
	})
	a.logger.Info("navigation pacing",
		zap.Float64("rps", b.NavigationRPS),
		zap.Int("burst", b.NavigationBurst),
	)
	return browser.New(browser.Config{
		RemoteURL:         b.RemoteURL,
		ExecPath:          b.ExecPath,
		Headless:          b.Headless,
		NoSandbox:         b.NoSandbox,
		UserAgent:         b.UserAgent,
		Locale:            b.Locale,
		Timezone:          b.Timezone,
		ViewportWidth:     b.ViewportWidth,
		ViewportHeight:    b.ViewportHeight,
		NavigationTimeout: b.NavigationTimeout,
		ActionTimeout:     b.ActionTimeout,
		PollInterval:      b.PollInterval,
	}, pacer, a.logger)
}

func (a *App) setupChain(clock capture.Clock) (*strategy.Chain, error) {
	var scratch strategy.Scratch
	if a.cfg.Capture.Diagnostics {
		scratch = strategy.StoreScratch{Store: a.content, Clock: clock}
		a.logger.Info("diagnostic screenshots enabled")
	}
	chain, err := strategy.NewChain(a.cfg.Capture.StrategyTimeout, scratch, a.logger,
		strategy.Default(strategy.Config{
			BaseURL:      a.cfg.Capture.BaseURL,
			Language:     a.cfg.Capture.Language,
			PanoramaWait: a.cfg.Capture.PanoramaWait,
			SettleDelay:  a.cfg.Capture.SettleDelay,
			PollInterval: a.cfg.Browser.PollInterval,
		})...,
	)
	if err != nil {
		return nil, fmt.Errorf("strategy chain init failed: %w", err)
	}
	a.logger.Info("strategy chain ready",
		zap.Strings("strategies", chain.Names()),
		zap.Duration("strategy_timeout", a.cfg.Capture.StrategyTimeout),
	)
	return chain, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Service exposes the capture pipeline for one-shot commands.
func (a *App) Service() *pipeline.Service { return a.service }

// Capture runs one capture synchronously.
func (a *App) Capture(ctx context.Context, req pipeline.Request) (capture.Result, error) {
	return a.service.Trigger(ctx, req)
}

// Events returns the completion events kept in memory, or nil when they
// go to Pub/Sub.
func (a *App) Events() []memorypublisher.PublishedMessage {
	if a.events == nil {
		return nil
	}
	return a.events.Messages()
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Run serves HTTP and drains the worker pool until ctx is canceled or the
// process receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}

	a.Close()
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every resource. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
}

func (a *App) closeInfrastructure() {
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	} else if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
