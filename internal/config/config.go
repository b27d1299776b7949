package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers         []string
	KafkaLocationTopic   string
	KafkaRideEventsTopic string

	PGDSN string

	OSRMEndpoint    string
	DefaultSpeedMps float64

	JWTSecrets map[models.Role]string

	Matcher  MatcherConfig
	Assign   AssignConfig
	Presence PresenceConfig

	LogLevel      string
	RunMigrations bool
}

// MatcherConfig holds radius and scoring policy.
// score = Base + AcceptWeight * acceptanceRate.
type MatcherConfig struct {
	TopN              int
	Radii             map[models.Tariff]float64
	ScoreBase         float64
	ScoreAcceptWeight float64
	ScoreDefaultRate  float64
	LockTTL           time.Duration
}

// AssignConfig bounds one ride request. Deadline caps the whole request and
// must leave WriteMargin before the HTTP write timeout.
type AssignConfig struct {
	AckTimeout         time.Duration
	MaxAttempts        int
	Deadline           time.Duration
	OfferSweepInterval time.Duration
}

// WriteMargin is the slack kept between an assignment deadline and the HTTP
// write timeout for the response itself.
const WriteMargin = 2 * time.Second

type PresenceConfig struct {
	TTL               time.Duration
	RideMirrorTTL     time.Duration
	LocationMinPeriod time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	ReapInterval      time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         30 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisAddr:            "localhost:6379",
		KafkaLocationTopic:   "driver-locations",
		KafkaRideEventsTopic: "ride-events",
		DefaultSpeedMps:      10,
		JWTSecrets:           map[models.Role]string{},
		Matcher: MatcherConfig{
			TopN: 8,
			Radii: map[models.Tariff]float64{
				models.TariffEconomy:  3000,
				models.TariffComfort:  5000,
				models.TariffBusiness: 8000,
			},
			ScoreBase:         1,
			ScoreAcceptWeight: 2,
			ScoreDefaultRate:  0.5,
			LockTTL:           10 * time.Second,
		},
		Assign: AssignConfig{
			AckTimeout:         5 * time.Second,
			MaxAttempts:        3,
			Deadline:           20 * time.Second,
			OfferSweepInterval: 2 * time.Second,
		},
		Presence: PresenceConfig{
			TTL:               90 * time.Second,
			RideMirrorTTL:     6 * time.Hour,
			LocationMinPeriod: time.Second,
			HeartbeatTimeout:  30 * time.Second,
			AuthTimeout:       5 * time.Second,
			ReapInterval:      30 * time.Second,
		},
		LogLevel: "info",
	}
}

// LoadServerConfig reads an optional .env file and then the process
// environment. All invalid values are reported together.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaRideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	for role, key := range map[models.Role]string{
		models.RoleClient: "JWT_CLIENT_SECRET",
		models.RoleDriver: "JWT_DRIVER_SECRET",
		models.RoleAdmin:  "JWT_ADMIN_SECRET",
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			cfg.JWTSecrets[role] = v
		}
	}

	setIntFromEnv(&cfg.Matcher.TopN, "MATCHER_TOP_N", &errs)
	if v := os.Getenv("MATCHER_RADII"); v != "" {
		radii, err := parseRadii(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid MATCHER_RADII: %w", err))
		} else {
			cfg.Matcher.Radii = radii
		}
	}
	setFloatFromEnv(&cfg.Matcher.ScoreBase, "MATCHER_SCORE_BASE", &errs)
	setFloatFromEnv(&cfg.Matcher.ScoreAcceptWeight, "MATCHER_SCORE_ACCEPT_WEIGHT", &errs)
	setFloatFromEnv(&cfg.Matcher.ScoreDefaultRate, "MATCHER_SCORE_DEFAULT_RATE", &errs)
	setDurationFromEnv(&cfg.Matcher.LockTTL, "LOCK_TTL", &errs)

	setDurationFromEnv(&cfg.Assign.AckTimeout, "ASSIGN_ACK_TIMEOUT", &errs)
	setIntFromEnv(&cfg.Assign.MaxAttempts, "ASSIGN_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Assign.Deadline, "ASSIGN_DEADLINE", &errs)
	setDurationFromEnv(&cfg.Assign.OfferSweepInterval, "OFFER_SWEEP_INTERVAL", &errs)

	setDurationFromEnv(&cfg.Presence.TTL, "PRESENCE_TTL", &errs)
	setDurationFromEnv(&cfg.Presence.RideMirrorTTL, "RIDE_MIRROR_TTL", &errs)
	setDurationFromEnv(&cfg.Presence.LocationMinPeriod, "LOCATION_MIN_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Presence.HeartbeatTimeout, "HEARTBEAT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Presence.AuthTimeout, "AUTH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Presence.ReapInterval, "PRESENCE_REAP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.Matcher.TopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.Assign.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_MAX_ATTEMPTS must be > 0"))
	}
	if c.Assign.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_ACK_TIMEOUT must be > 0"))
	}
	if c.Assign.Deadline <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_DEADLINE must be > 0"))
	}
	if c.WriteTimeout > 0 {
		if c.WriteTimeout <= c.Assign.Deadline+WriteMargin {
			errs = append(errs, fmt.Errorf("HTTP_WRITE_TIMEOUT (%s) must exceed ASSIGN_DEADLINE (%s) by more than %s",
				c.WriteTimeout, c.Assign.Deadline, WriteMargin))
		}
		if worst := time.Duration(c.Assign.MaxAttempts) * c.Assign.AckTimeout; c.WriteTimeout <= worst+WriteMargin {
			errs = append(errs, fmt.Errorf("HTTP_WRITE_TIMEOUT (%s) must exceed ASSIGN_MAX_ATTEMPTS x ASSIGN_ACK_TIMEOUT (%s) by more than %s",
				c.WriteTimeout, worst, WriteMargin))
		}
	}
	// the claim must outlive the acknowledgment wait or exclusivity is lost mid-offer
	if c.Matcher.LockTTL <= c.Assign.AckTimeout {
		errs = append(errs, fmt.Errorf("LOCK_TTL (%s) must exceed ASSIGN_ACK_TIMEOUT (%s)", c.Matcher.LockTTL, c.Assign.AckTimeout))
	}
	if c.Presence.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TIMEOUT must be > 0"))
	}
	if len(c.Matcher.Radii) == 0 {
		errs = append(errs, fmt.Errorf("MATCHER_RADII must define at least one tariff"))
	}
	return errs
}

// parseRadii parses "economy=3000,comfort=5000" into meters per tariff.
func parseRadii(v string) (map[models.Tariff]float64, error) {
	out := make(map[models.Tariff]float64)
	for _, pair := range splitAndTrim(v) {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected tariff=meters, got %q", pair)
		}
		meters, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("tariff %q: %w", name, err)
		}
		if meters <= 0 {
			return nil, fmt.Errorf("tariff %q: radius must be > 0", name)
		}
		out[models.Tariff(strings.ToLower(strings.TrimSpace(name)))] = meters
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig configures the location stream consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	Topic         string
	Group         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration
	MetricsAddr   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()

	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "driver-locations",
		Group:        "ride-dispatch-locations",
		RedisAddr:    "localhost:6379",
		PresenceTTL:  90 * time.Second,
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}
