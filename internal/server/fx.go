// Package server builds the application graph and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lenslate/internal/api"
	"lenslate/internal/auth"
	"lenslate/internal/browser"
	"lenslate/internal/clock/system"
	"lenslate/internal/config"
	"lenslate/internal/cookies"
	"lenslate/internal/dispatcher"
	collyfetcher "lenslate/internal/fetcher/colly"
	"lenslate/internal/hash/sha256"
	"lenslate/internal/id/uuid"
	"lenslate/internal/lens"
	"lenslate/internal/lensapi"
	"lenslate/internal/logging"
	"lenslate/internal/metrics"
	"lenslate/internal/policy/image"
	"lenslate/internal/policy/ratelimit"
	"lenslate/internal/progress"
	progresssinks "lenslate/internal/progress/sinks"
	memorypublisher "lenslate/internal/publisher/memory"
	gcppublisher "lenslate/internal/publisher/pubsub"
	"lenslate/internal/queue"
	queuememory "lenslate/internal/queue/memory"
	gcsstorage "lenslate/internal/storage/gcs"
	localstorage "lenslate/internal/storage/local"
	memorystorage "lenslate/internal/storage/memory"
	pgstore "lenslate/internal/storage/postgres"
	"lenslate/internal/store"
	"lenslate/internal/sysinfo"
	"lenslate/internal/telemetry"
	translateimages "lenslate/internal/translate/images"
	translatetext "lenslate/internal/translate/text"
	"lenslate/internal/worker"
	"lenslate/internal/workspace"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	hub            *api.Hub
	progressHub    *progress.Hub
	results        *memorystorage.ResultStore
	queues         []*queuememory.Queue
	browser        *browser.Browser
	cookieProvider *cookies.Provider

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storageClient   *storage.Client
	archiveStore    *pgstore.ArchiveStore
	runStore        *pgstore.RunStore

	// workersCtx outlives any single request so the lazily started worker
	// pools are not bound to the submission that triggered them.
	workersCtx    context.Context
	workersCancel context.CancelFunc

	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	// Log only non-sensitive config fields.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		WorkersImages  int    `json:"workers_images"`
		WorkersText    int    `json:"workers_text"`
		StorageBackend string `json:"storage_backend"`
		EagerStart     bool   `json:"eager_start"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		WorkersImages:  cfg.Workers.Images,
		WorkersText:    cfg.Workers.Text,
		StorageBackend: cfg.Storage.Backend,
		EagerStart:     cfg.Workers.EagerStart,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	workersCtx, workersCancel := context.WithCancel(context.Background())
	return &App{
		cfg:           cfg,
		logger:        logger,
		workersCtx:    workersCtx,
		workersCancel: workersCancel,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.results.Janitor(a.workersCtx, a.cfg.ResultsTTL(), a.cfg.SweepInterval(), func(evicted int) {
		metrics.ObserveEvictions(evicted)
		metrics.SetResultsHeld(a.results.Len())
		a.logger.Info("evicted expired results", zap.Int("count", evicted))
	})

	if a.cfg.Workers.EagerStart {
		a.logger.Info("dispatcher started eagerly")
		a.dispatch.Start(a.workersCtx)
	}
	if a.cfg.Workers.PrewarmBrowser {
		go a.prewarm()
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(drainCtx)
	})
	err := g.Wait()

	a.workersCancel()
	a.dispatch.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closeErr := a.Close(closeCtx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// prewarm resolves cookies once at boot so the first job does not pay for
// the browser launch.
func (a *App) prewarm() {
	warmCtx, cancel := context.WithTimeout(a.workersCtx, 60*time.Second)
	defer cancel()
	if _, err := a.cookieProvider.Cookies(warmCtx); err != nil {
		a.logger.Warn("browser prewarm failed", zap.Error(err))
		return
	}
	a.logger.Info("browser prewarmed")
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.workersCancel()
	for _, q := range a.queues {
		q.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.archiveStore != nil {
		a.archiveStore.Close()
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	metrics.Init()

	tp, mp, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")

	if _, err = workspace.Prepare(logger.Named("workspace"), workspace.Options{
		ScratchDirs: []string{
			cfg.Workspace.DownloadsDir,
			cfg.Workspace.CacheDir,
			cfg.Workspace.DriverCacheDir,
			cfg.Chrome.ProfileBase,
		},
		Binaries: []string{cfg.Chrome.Binary},
		Strict:   cfg.Workspace.Strict,
	}); err != nil {
		return nil, fmt.Errorf("workspace prepare failed: %w", err)
	}

	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.New()

	app.results = memorystorage.NewResultStore(clock)

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	emitter := setupProgress(app)

	lensLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.LensRPS,
		DefaultBurst: cfg.RateLimit.LensBurst,
	})
	fetchLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.FetchRPS,
		DefaultBurst: cfg.RateLimit.FetchBurst,
	})

	app.browser = browser.New(browser.Config{
		ExecPath:     cfg.Chrome.Binary,
		ExtraArgs:    cfg.ChromeArgs(),
		ProfileBase:  cfg.Chrome.ProfileBase,
		UserAgent:    cfg.Lens.UserAgent,
		CookieURL:    cfg.Lens.Origin,
		MaxSessions:  cfg.Chrome.MaxSessions,
		IdleTimeout:  time.Duration(cfg.Chrome.IdleSeconds) * time.Second,
		NavTimeout:   time.Duration(cfg.Chrome.NavTimeout) * time.Second,
		WindowWidth:  cfg.Chrome.WindowWidth,
		WindowHeight: cfg.Chrome.WindowHeight,
	}, clock, logger.Named("browser"))

	app.cookieProvider = cookies.NewProvider(cookies.Config{
		JSONURL:      cfg.Cookies.JSONURL,
		RemoteTTL:    time.Duration(cfg.Cookies.TTLSeconds) * time.Second,
		BrowserTTL:   time.Duration(cfg.Cookies.BrowserTTLSeconds) * time.Second,
		FetchTimeout: time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	}, app.browser, clock, logger.Named("cookies"))

	lensClient := lensapi.New(lensapi.Config{
		Origin:        cfg.Lens.Origin,
		UserAgent:     cfg.Lens.UserAgent,
		UploadTimeout: time.Duration(cfg.Lens.UploadTimeoutSec) * time.Second,
		ResultTimeout: time.Duration(cfg.Lens.ResultTimeoutSec) * time.Second,
	}, app.cookieProvider, lensLimiter, clock, logger.Named("lensapi"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxBodySize: int(cfg.Fetch.MaxBodyBytes),
	}, fetchLimiter, logger.Named("fetcher"))

	imagesTranslator := translateimages.New(translateimages.Config{
		FallbackTimeout: time.Duration(cfg.Lens.ResultTimeoutSec) * time.Second,
	}, lensClient, fetcher, clock, emitter)
	textTranslator := translatetext.New(
		translatetext.Config{},
		lensClient,
		fetcher,
		app.cookieProvider,
		app.browser,
		clock,
		emitter,
	)

	imagesQueue := queuememory.NewQueue(cfg.Workers.QueueDepth)
	textQueue := queuememory.NewQueue(cfg.Workers.QueueDepth)
	app.queues = []*queuememory.Queue{imagesQueue, textQueue}
	queueSet := queue.NewSet(
		queue.Named{Mode: lens.ModeImages, Queue: imagesQueue},
		queue.Named{Mode: lens.ModeText, Queue: textQueue},
	)

	app.hub = api.NewHub(logger.Named("ws"))

	var archive lens.ResultArchive
	if app.archiveStore != nil {
		archive = app.archiveStore
	}
	var runs store.RunRepository
	if app.runStore != nil {
		runs = app.runStore
	}

	imgPolicy := image.Policy{
		MaxBytes:       cfg.Results.MaxImageBytes,
		OffloadEnabled: cfg.Storage.OffloadImages,
	}
	workerCfg := worker.Config{
		JobTimeout: cfg.JobTimeout(),
		JobDelay:   cfg.JobDelay(),
		BlobPrefix: cfg.Storage.Prefix,
		Topic:      cfg.PubSub.TopicName,
	}
	app.logger.Info("worker config",
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Duration("job_delay", workerCfg.JobDelay),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
	)

	buildPool := func(mode lens.Mode, q lens.Queue, translator lens.Translator, size int) dispatcher.Pool {
		workers := make([]*worker.Worker, 0, size)
		for i := 0; i < size; i++ {
			workers = append(workers, worker.New(
				q,
				translator,
				app.results,
				archive,
				blobStore,
				publisher,
				app.hub,
				hasher,
				clock,
				imgPolicy,
				emitter,
				workerCfg,
				app.logger.Named("worker").With(zap.String("mode", string(mode)), zap.Int("index", i)),
			))
		}
		return dispatcher.Pool{Mode: mode, Workers: workers}
	}
	app.dispatch = dispatcher.New(queueSet, []dispatcher.Pool{
		buildPool(lens.ModeImages, imagesQueue, imagesTranslator, cfg.Workers.Images),
		buildPool(lens.ModeText, textQueue, textTranslator, cfg.Workers.Text),
	}, logger.Named("dispatcher"))

	var tokens *auth.Service
	if cfg.Auth.Enabled {
		tokens, err = auth.New(cfg.Auth.Secret, time.Duration(cfg.Auth.TokenTTLMins)*time.Minute, clock)
		if err != nil {
			return nil, fmt.Errorf("auth init failed: %w", err)
		}
		app.logger.Info("websocket auth enabled", zap.Int("token_ttl_minutes", cfg.Auth.TokenTTLMins))
	}

	app.apiServer = api.NewServer(api.Deps{
		Results:      app.results,
		Dispatcher:   app.dispatch,
		StartWorkers: func() { app.dispatch.Start(app.workersCtx) },
		Queues:       queueSet,
		IDGen:        idGen,
		Clock:        clock,
		Hub:          app.hub,
		Runs:         runs,
		Tokens:       tokens,
		Sys:          sysinfo.New(cfg.Workspace.DownloadsDir, logger.Named("sysinfo")),
		Browser:      app.browser,
	}, cfg, logger.Named("api"))

	return app, nil
}

func setupStorage(ctx context.Context, app *App) (lens.BlobStore, error) {
	var blobStore lens.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storageClient, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{
			BaseDir: app.cfg.Workspace.DownloadsDir,
		})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Workspace.DownloadsDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if !app.cfg.DB.Enabled || app.cfg.DB.DSN == "" {
		app.logger.Warn("No database configured, skipping result archive and run repository initialization")
		return nil
	}
	var err error
	app.archiveStore, err = pgstore.NewArchiveStore(ctx, pgstore.ArchiveStoreConfig{
		DSN:      app.cfg.DB.DSN,
		MaxConns: int32(app.cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return fmt.Errorf("archive store init failed: %w", err)
	}
	app.logger.Info("result archive initialized")
	app.runStore, err = pgstore.NewRunStore(ctx, app.cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.logger.Info("run repository initialized")
	return nil
}

func setupPublisher(ctx context.Context, app *App) (lens.Publisher, error) {
	if !app.cfg.PubSub.Enabled || app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(app *App) progress.Emitter {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
	}
	if promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer); err != nil {
		app.logger.Warn("progress prometheus sink init failed", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if app.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runStore, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	app.progressHub = progress.NewHub(progress.Config{
		BaseContext: app.workersCtx,
		Logger:      app.logger.Named("progress_hub"),
	}, sinkList...)
	return app.progressHub
}
