package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/uscrn-ingest/internal/adapter/archive"
	"github.com/couchcryptid/uscrn-ingest/internal/adapter/geocode"
	httpadapter "github.com/couchcryptid/uscrn-ingest/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/uscrn-ingest/internal/adapter/kafka"
	"github.com/couchcryptid/uscrn-ingest/internal/config"
	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/observability"
	"github.com/couchcryptid/uscrn-ingest/internal/scheduler"
	"github.com/couchcryptid/uscrn-ingest/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	archiveClient, err := archive.NewClient(cfg.Source.BaseURL, logger, metrics)
	if err != nil {
		logger.Error("failed to create archive client", "error", err)
		os.Exit(1)
	}

	// Geocoding is feature-flagged: enabled by MAPBOX_TOKEN unless the file
	// says otherwise.
	var geocoder domain.Geocoder
	if cfg.Geocoder.IsEnabled() {
		client := geocode.NewClient(cfg.Geocoder.Token, cfg.Geocoder.Timeout, logger, metrics)
		geocoder = geocode.NewCachedGeocoder(client, cfg.Geocoder.CacheSize, metrics)
		logger.Info("geocoding enabled", "cache_size", cfg.Geocoder.CacheSize, "timeout", cfg.Geocoder.Timeout)
	} else {
		logger.Info("geocoding disabled")
	}

	var events scheduler.EventPublisher
	var publisher *kafkaadapter.Publisher
	if cfg.Events.IsEnabled() {
		publisher = kafkaadapter.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic, logger, metrics)
		events = publisher
		logger.Info("file events enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	} else {
		logger.Info("file events disabled")
	}

	parser := domain.NewParserWithThreshold(cfg.Source.ParseFailureThreshold, logger)

	sched := scheduler.New(
		archiveClient,
		store.New(pool, logger),
		parser,
		logger,
		metrics,
		scheduler.Options{
			Geocoder:     geocoder,
			Events:       events,
			Filter:       &cfg.Locations,
			Years:        cfg.Source.Years,
			Interval:     cfg.Scheduler.Interval(),
			InitialDelay: cfg.Scheduler.InitialDelay(),
			FileDelay:    cfg.Source.RequestDelay(),
		},
	)

	srv := httpadapter.NewServer(cfg.HTTP.Addr, sched, sched, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("event publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL())
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
