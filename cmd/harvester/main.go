// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"harvester/internal/api"
	"harvester/internal/browser"
	"harvester/internal/clock/system"
	"harvester/internal/config"
	"harvester/internal/driver"
	"harvester/internal/fetch"
	collyfetcher "harvester/internal/fetcher/colly"
	"harvester/internal/harvest"
	"harvester/internal/id/uuid"
	"harvester/internal/identity"
	"harvester/internal/logging"
	"harvester/internal/orchestrator"
	"harvester/internal/policy/hostbudget"
	queuememory "harvester/internal/queue/memory"
	"harvester/internal/session"
	sinkmemory "harvester/internal/sink/memory"
	sinkpostgres "harvester/internal/sink/postgres"
	sinkpubsub "harvester/internal/sink/pubsub"
	"harvester/internal/storage/gcs"
	"harvester/internal/storage/local"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	identities := identity.New(cfg.Identity.UserAgents, cfg.Identity.Proxies)
	queue := queuememory.NewQueue(cfg.Fetch.QueueDepth)

	budgets := hostbudget.New(hostbudget.Config{
		RefillPerSecond: cfg.Budget.RefillPerSecond,
		Burst:           cfg.Budget.Burst,
		BackoffBase:     cfg.BackoffBase(),
		BackoffCap:      cfg.Budget.BackoffCap,
		MaxHosts:        cfg.Budget.MaxHosts,
	}, clock)

	resolver := driver.NewEnvResolver(driver.Config{
		BinaryPath: cfg.Driver.BinaryPath,
		CacheDir:   cfg.Driver.CacheDir,
	})
	launcher := browser.NewLauncher(browser.LauncherConfig{
		NavigationTimeout: cfg.FetchTimeout(),
	})

	pool, err := session.New(session.Config{
		MaxSessions:    cfg.Session.MaxSessions,
		MaxUses:        cfg.Session.MaxUses,
		StaleAfter:     cfg.StaleAfter(),
		BrowserVersion: cfg.Session.BrowserVersion,
	}, resolver, launcher, identities, idGen, clock, logger.Named("pool"))
	if err != nil {
		logger.Fatal("session pool init failed", zap.Error(err))
	}

	httpFetcher := collyfetcher.New(collyfetcher.Config{
		Timeout: cfg.FetchTimeout(),
	})
	detector := fetch.NewBlockDetector(cfg.Fetch.BlockBodyMarkers)
	dispatcher := fetch.NewDispatcher(budgets, httpFetcher, pool, identities, detector, fetch.Config{
		FetchTimeout:   cfg.FetchTimeout(),
		AcquireTimeout: cfg.AcquireTimeout(),
	}, logger.Named("dispatch"))

	sink, closeSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("record sink init failed", zap.Error(err))
	}
	defer closeSink()

	events, closeEvents, err := buildEventPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("event publisher init failed", zap.Error(err))
	}
	defer closeEvents()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		HTTPConcurrency:    cfg.Fetch.HTTPConcurrency,
		BrowserConcurrency: cfg.Session.MaxSessions,
		DefaultMaxAttempts: cfg.Fetch.MaxAttempts,
		RequeueMinDelay:    cfg.RequeueMinDelay(),
		BlobPrefix:         cfg.Blob.Prefix,
	}, queue, dispatcher, cfg.Extract, sink, events, blobs, idGen, clock, logger.Named("orchestrator"))
	if err != nil {
		logger.Fatal("orchestrator init failed", zap.Error(err))
	}

	apiServer := api.NewServer(orch, orch.Progress(), api.Config{}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("orchestrator started")
		orch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	pool.Close()
	logger.Info("shutdown complete")
}

// buildSink selects the record sink: Postgres when a DSN is configured,
// otherwise an in-memory sink for local development.
func buildSink(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.RecordSink, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, records stay in memory")
		return sinkmemory.NewRecordSink(), func() {}, nil
	}
	store, err := sinkpostgres.New(ctx, sinkpostgres.Config{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// buildEventPublisher selects Pub/Sub when configured, otherwise memory.
func buildEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.EventPublisher, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Warn("pubsub not configured, failure events stay in memory")
		return sinkmemory.NewEventRecorder(), func() {}, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher := sinkpubsub.New(client.Topic(cfg.PubSub.TopicName))
	closeFn := func() {
		publisher.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	return publisher, closeFn, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (harvest.BlobStore, error) {
	switch cfg.Blob.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Blob.GCSBucket})
	default:
		return local.New(local.Config{BaseDir: cfg.Blob.LocalDir})
	}
}
