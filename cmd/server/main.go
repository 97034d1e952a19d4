package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/sweeper"
	"github.com/example/ride-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch-server", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(pg.DB()); err != nil {
				return err
			}
			logger.Info("migrations_applied")
		}
		store = pg
		checks = append(checks, pg.DB().PingContext)
		logger.Info("store_selected", "backend", "postgres")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("store_selected", "backend", "memory", "reason", "PG_DSN not set")
	}

	var (
		locator geo.Locator = geo.NewIndex()
		locker  lock.Locker = lock.NewLocalLocker()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		locker = lock.NewRedisLocker(rc)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("redis_enabled", "addr", cfg.RedisAddr)
	}

	var events ingest.Publisher = ingest.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic)
		defer producer.Close()
		events = producer
		logger.Info("kafka_enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic, "events_topic", cfg.KafkaEventsTopic)
	}

	hub := dispatch.NewHub(logger)
	solicitor := dispatch.NewSolicitor(hub, logger)
	trips := trip.NewService(store, availability.NewService(store, logger), hub, events,
		trip.Config{DurationTolerance: cfg.DurationTolerance()}, logger)
	ranker := &matcher.Service{Drivers: store, Logger: logger}

	sw := sweeper.New(store, ranker, solicitor, trips, locker, sweeper.Config{
		Interval:      cfg.SweepInterval,
		MatchWindow:   cfg.MatchWindow(),
		MatchDeadline: cfg.MatchDeadline(),
		ReplyTimeout:  cfg.DriverReplyTimeout,
		Concurrency:   cfg.SweepConcurrency,
	}, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Geo:       locator,
		Events:    events,
		Hub:       hub,
		Solicitor: solicitor,
		Trips:     trips,
		Auth:      auth.NewJWTService(cfg.JWTSecret, cfg.JWTTTL),
		Logger:    logger,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", "error", err)
	}
	select {
	case <-sweepDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("sweeper_shutdown_timeout")
	}
	return nil
}
