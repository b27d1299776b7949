package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/store"
)

type consumerMetrics struct {
	consumed prometheus.Counter
	invalid  prometheus.Counter
	applied  prometheus.Counter
	failed   prometheus.Counter
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	f := promauto.With(reg)
	return &consumerMetrics{
		consumed: f.NewCounter(prometheus.CounterOpts{Name: "consumer_messages_consumed_total", Help: "Total driver location messages consumed"}),
		invalid:  f.NewCounter(prometheus.CounterOpts{Name: "consumer_messages_invalid_total", Help: "Total invalid messages received"}),
		applied:  f.NewCounter(prometheus.CounterOpts{Name: "consumer_presence_updates_total", Help: "Total locations applied to presence"}),
		failed:   f.NewCounter(prometheus.CounterOpts{Name: "consumer_presence_errors_total", Help: "Total locations that could not be applied"}),
	}
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "location-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	reg := presence.NewRegistry(store.NewRedisStore(rc), presence.Options{TTL: cfg.PresenceTTL}, logger)

	promReg := prometheus.NewRegistry()
	metrics := newConsumerMetrics(promReg)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics_listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics_server_stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer_listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)
	consume(ctx, r, reg, metrics, logger)
	logger.Info("consumer_stopped")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// LocationUpdater applies one position report to driver presence.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, c models.Coord) error
}

func consume(ctx context.Context, r messageReader, up LocationUpdater, m *consumerMetrics, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		m.consumed.Inc()

		loc, err := ingest.DecodeLocation(msg)
		if err == nil && loc.DriverID == "" {
			err = errors.New("driver_id is required")
		}
		if err == nil {
			err = geo.ValidateCoord(loc.Loc)
		}
		if err != nil {
			m.invalid.Inc()
			logger.Warn("invalid_location_message", "offset", msg.Offset, "error", err)
			continue
		}

		if err := updateWithRetry(ctx, up, loc, 3, 200*time.Millisecond); err != nil {
			m.failed.Inc()
			logger.Error("presence_update_failed", "driver_id", loc.DriverID, "error", err)
			continue
		}
		m.applied.Inc()
	}
}

// updateWithRetry applies the location, doubling delay between attempts.
func updateWithRetry(ctx context.Context, up LocationUpdater, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = up.UpdateLocation(ctx, loc.DriverID, loc.Loc); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
