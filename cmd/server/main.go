package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/gateway"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/store"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
}

type streams interface {
	httpapi.LocationSink
	lifecycle.EventSink
	Close() error
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promReg)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rc.Close()
	fast := store.NewRedisStore(rc)
	if err := fast.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	rides, clients, ready, closeDB, err := openRideStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()
	ready["redis"] = fast.Ping

	var events streams = ingest.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		events = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideEventsTopic)
	} else {
		logger.Warn("kafka_disabled", "reason", "KAFKA_BROKERS not set")
	}
	defer events.Close()

	broker := dispatch.NewRedisBroker(rc, logger)
	hub := dispatch.NewHub(logger)
	registry := presence.NewRegistry(fast, presence.Options{
		TTL:       cfg.Presence.TTL,
		RideTTL:   12 * time.Hour,
		MirrorTTL: cfg.Presence.RideMirrorTTL,
	}, logger)

	var estimator eta.Estimator = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator = eta.Fallback{Primary: eta.NewOSRMClient(cfg.OSRMEndpoint), Secondary: estimator}
	}

	acks := dispatch.NewAcks(fast, broker)
	life := &lifecycle.Service{
		Rides:     rides,
		Presence:  registry,
		Publisher: broker,
		Events:    events,
		Offers:    acks,
		Logger:    logger.With("component", "lifecycle"),
		Metrics:   metrics,
	}
	assigner := &assign.Service{
		Clients: clients,
		Rides:   rides,
		Matcher: &matcher.Service{
			Presence: registry,
			Locks:    lock.NewManager(fast),
			Radii:    cfg.Matcher.Radii,
			TopN:     cfg.Matcher.TopN,
			LockTTL:  cfg.Matcher.LockTTL,
			Scoring: matcher.Scoring{
				Base:         cfg.Matcher.ScoreBase,
				AcceptWeight: cfg.Matcher.ScoreAcceptWeight,
				DefaultRate:  cfg.Matcher.ScoreDefaultRate,
			},
			Logger:  logger.With("component", "matcher"),
			Metrics: metrics,
		},
		Presence:    registry,
		Acks:        acks,
		Lifecycle:   life,
		Publisher:   broker,
		Estimator:   eta.NewCache(estimator, 10*time.Minute),
		Fares:       fare.DefaultTable(),
		AckTimeout:  cfg.Assign.AckTimeout,
		MaxAttempts: cfg.Assign.MaxAttempts,
		Deadline:    cfg.Assign.Deadline,
		Logger:      logger.With("component", "assign"),
		Metrics:     metrics,
	}

	verifier := auth.NewVerifier(cfg.JWTSecrets)
	gw := gateway.New(gateway.Config{
		AuthTimeout:         cfg.Presence.AuthTimeout,
		HeartbeatTimeout:    cfg.Presence.HeartbeatTimeout,
		LocationMinInterval: cfg.Presence.LocationMinPeriod,
	}, gateway.Deps{
		Verifier:  verifier,
		Presence:  registry,
		Rides:     assigner,
		Publisher: broker,
		Hub:       hub,
		Locations: events,
		Logger:    logger.With("component", "gateway"),
		Metrics:   metrics,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Rides:     assigner,
		Lifecycle: life,
		Auth:      verifier,
		Locations: events,
		Realtime:  gw,
		Ready:     ready,
		Gatherer:  promReg,
	}, logger, metrics)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return broker.Run(gctx, func(channel string, msg dispatch.Message) { hub.Deliver(channel, msg) })
	})
	g.Go(func() error {
		return assigner.RunSweeper(gctx, cfg.Assign.OfferSweepInterval)
	})
	g.Go(func() error {
		return registry.RunReaper(gctx, cfg.Presence.ReapInterval, func(n int) { metrics.DriversReaped.Add(float64(n)) })
	})
	return g.Wait()
}

// openRideStore picks Postgres when PG_DSN is set and an in-memory store
// otherwise. The returned readiness map already holds the database check.
func openRideStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.RideStore, storage.ClientDirectory, map[string]httpapi.Check, func(), error) {
	ready := map[string]httpapi.Check{}
	if cfg.PGDSN == "" {
		logger.Warn("durable_store_in_memory", "reason", "PG_DSN not set")
		mem := storage.NewMemoryStore()
		return mem, mem, ready, func() {}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
		if err != nil {
			_ = pg.Close()
			return nil, nil, nil, nil, fmt.Errorf("read migration: %w", err)
		}
		if err := pg.Migrate(ctx, string(b)); err != nil {
			_ = pg.Close()
			return nil, nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migration_applied", "file", "001_create_rides.sql")
	}
	ready["postgres"] = pg.Ping
	return pg, pg, ready, func() { _ = pg.Close() }, nil
}
