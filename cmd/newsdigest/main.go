// Package main wires together the newsletter service binary.
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

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/koreamedinfo/newsdigest/internal/api"
	"github.com/koreamedinfo/newsdigest/internal/clock/system"
	"github.com/koreamedinfo/newsdigest/internal/compose"
	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/coordinator"
	"github.com/koreamedinfo/newsdigest/internal/delivery"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/id/uuid"
	"github.com/koreamedinfo/newsdigest/internal/logging"
	"github.com/koreamedinfo/newsdigest/internal/mailer"
	memorypublisher "github.com/koreamedinfo/newsdigest/internal/publisher/memory"
	pubsubpublisher "github.com/koreamedinfo/newsdigest/internal/publisher/pubsub"
	"github.com/koreamedinfo/newsdigest/internal/search"
	"github.com/koreamedinfo/newsdigest/internal/storage/gcs"
	"github.com/koreamedinfo/newsdigest/internal/storage/local"
	memorystorage "github.com/koreamedinfo/newsdigest/internal/storage/memory"
	"github.com/koreamedinfo/newsdigest/internal/storage/postgres"
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

	subscribers, queue, logs, runMetrics, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStores()

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	events, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	mailClient, err := mailer.New(cfg.Mail, logger.Named("mailer"))
	if err != nil {
		logger.Fatal("mailer init failed", zap.Error(err))
	}
	notifier, err := mailer.NewAdminNotifier(mailClient, cfg.Mail.AdminEmail)
	if err != nil {
		logger.Warn("admin notifier disabled", zap.Error(err))
		notifier = nil
	}

	searchClient, err := search.New(cfg.Search, cfg.Filter, clock, logger.Named("search"))
	if err != nil {
		logger.Fatal("search client init failed", zap.Error(err))
	}

	composer := compose.New(cfg.Newsletter, clock)
	sender := delivery.New(
		cfg.Delivery,
		mailClient,
		subscribers,
		queue,
		logs,
		idGen,
		clock,
		logger.Named("delivery"),
	)
	coord := coordinator.New(
		&cfg,
		searchClient,
		composer,
		sender,
		subscribers,
		runMetrics,
		notifierOrNil(notifier),
		archive,
		events,
		idGen,
		clock,
		logger.Named("coordinator"),
	)

	apiServer := api.NewServer(coord, logs, runMetrics, clock, &cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

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
	logger.Info("shutdown complete")
}

// notifierOrNil avoids handing the coordinator a typed nil.
func notifierOrNil(n *mailer.AdminNotifier) digest.Notifier {
	if n == nil {
		return nil
	}
	return n
}

func buildStores(ctx context.Context, cfg config.Config) (
	digest.SubscriberStore,
	digest.QueueStore,
	digest.LogStore,
	digest.MetricsStore,
	func(),
	error,
) {
	switch cfg.DB.Provider {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return postgres.NewSubscriberStore(pool),
			postgres.NewQueueStore(pool, cfg.Delivery.MaxQueueRetries),
			postgres.NewLogStore(pool),
			postgres.NewMetricsStore(pool),
			pool.Close,
			nil
	case "memory":
		return memorystorage.NewSubscriberStore(),
			memorystorage.NewQueueStore(cfg.Delivery.MaxQueueRetries),
			memorystorage.NewLogStore(),
			memorystorage.NewMetricsStore(),
			func() {},
			nil
	default:
		return nil, nil, nil, nil, nil, fmt.Errorf("unknown db.provider %q", cfg.DB.Provider)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (digest.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket, Prefix: cfg.Archive.Prefix})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive.provider %q", cfg.Archive.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (digest.Publisher, error) {
	switch cfg.PubSub.Provider {
	case "pubsub":
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		return pubsubpublisher.New(client)
	case "memory":
		return memorypublisher.New(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown pubsub.provider %q", cfg.PubSub.Provider)
	}
}
