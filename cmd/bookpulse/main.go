// Package main wires together the tracker service binary.
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

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	pubsubclient "cloud.google.com/go/pubsub"

	"github.com/bookpulse/bookpulse/internal/api"
	gcsarchive "github.com/bookpulse/bookpulse/internal/archive/gcs"
	localarchive "github.com/bookpulse/bookpulse/internal/archive/local"
	"github.com/bookpulse/bookpulse/internal/clock/system"
	"github.com/bookpulse/bookpulse/internal/config"
	"github.com/bookpulse/bookpulse/internal/extract"
	"github.com/bookpulse/bookpulse/internal/fetch"
	"github.com/bookpulse/bookpulse/internal/hash/sha256"
	"github.com/bookpulse/bookpulse/internal/id/uuid"
	"github.com/bookpulse/bookpulse/internal/logging"
	memorypublisher "github.com/bookpulse/bookpulse/internal/publish/memory"
	pubsubpublisher "github.com/bookpulse/bookpulse/internal/publish/pubsub"
	"github.com/bookpulse/bookpulse/internal/run"
	"github.com/bookpulse/bookpulse/internal/sched"
	memorystore "github.com/bookpulse/bookpulse/internal/store/memory"
	postgresstore "github.com/bookpulse/bookpulse/internal/store/postgres"
	"github.com/bookpulse/bookpulse/internal/targets"
	"github.com/bookpulse/bookpulse/internal/tracker"
	"github.com/bookpulse/bookpulse/internal/trend"
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

	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        cfg.FetchTimeout(),
		Delay:          cfg.FetchDelay(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, logger)

	resolver := targets.NewResolver(cfg.Targets)
	extractor := extract.New(logger)
	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	orchestrator := run.New(
		resolver,
		fetcher,
		extractor,
		store,
		archive,
		hasher,
		clock,
		idGen,
		run.Config{
			Concurrency:        cfg.Crawler.Concurrency,
			DetailConcurrency:  cfg.Crawler.DetailConcurrency,
			StoreRetries:       cfg.Crawler.StoreRetries,
			DetailURLTemplate:  cfg.Crawler.DetailURL,
			ArchivePrefix:      cfg.Archive.Prefix,
			ArchiveContentType: cfg.Archive.ContentType,
		},
		logger,
	)

	scheduler := sched.New(orchestrator, publisher, sched.Config{
		Interval: time.Duration(cfg.Sched.IntervalMinutes) * time.Minute,
		PageIDs:  schedulePageIDs(cfg, resolver),
		Topic:    cfg.PubSub.TopicName,
	}, logger)

	trendLoc, err := time.LoadLocation(cfg.Trend.Timezone)
	if err != nil {
		logger.Fatal("trend timezone invalid", zap.Error(err))
	}
	policies, err := trendPolicies(cfg)
	if err != nil {
		logger.Fatal("trend policy invalid", zap.Error(err))
	}
	trends := trend.New(store, trendLoc, policies)

	server := api.NewServer(store, trends, scheduler, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go scheduler.Start(ctx)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildStore prefers Postgres when a DSN is configured and falls back to
// the in-memory store for local development.
func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (tracker.SnapshotStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, using in-memory snapshot store")
		return memorystore.New(), func() {}, nil
	}
	store, err := postgresstore.New(ctx, postgresstore.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildArchive(ctx context.Context, cfg config.Config) (tracker.BlobStore, error) {
	switch cfg.Archive.Backend {
	case "local":
		return localarchive.New(localarchive.Config{BaseDir: cfg.Archive.BaseDir})
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsarchive.New(client, gcsarchive.Config{Bucket: cfg.Archive.GCSBucket})
	default:
		return nil, nil // archiving disabled
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (tracker.Publisher, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("pubsub not configured, run events stay in memory")
		return memorypublisher.New(), nil
	}
	client, err := pubsubclient.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName)), nil
}

func schedulePageIDs(cfg config.Config, resolver *targets.Resolver) []string {
	if len(cfg.Sched.PageIDs) > 0 {
		return cfg.Sched.PageIDs
	}
	return resolver.PageIDs()
}

func trendPolicies(cfg config.Config) (map[tracker.Metric]trend.Policy, error) {
	collections, err := trend.ParsePolicy(cfg.Trend.CollectionsPolicy)
	if err != nil {
		return nil, err
	}
	clicks, err := trend.ParsePolicy(cfg.Trend.ChapterClicksPolicy)
	if err != nil {
		return nil, err
	}
	return map[tracker.Metric]trend.Policy{
		tracker.MetricCollections:   collections,
		tracker.MetricChapterClicks: clicks,
	}, nil
}
