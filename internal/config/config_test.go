package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Assign.AckTimeout)
	assert.Greater(t, cfg.WriteTimeout, cfg.Assign.Deadline+WriteMargin)
	assert.Equal(t, 3000.0, cfg.Matcher.Radii[models.TariffEconomy])
	assert.Equal(t, 1.0, cfg.Matcher.ScoreBase)
	assert.Equal(t, 2.0, cfg.Matcher.ScoreAcceptWeight)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("MATCHER_RADII", "economy=1500, vip=9000")
	t.Setenv("ASSIGN_ACK_TIMEOUT", "2s")
	t.Setenv("LOCK_TTL", "4s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("JWT_DRIVER_SECRET", "driver-secret")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, map[models.Tariff]float64{"economy": 1500, "vip": 9000}, cfg.Matcher.Radii)
	assert.Equal(t, 2*time.Second, cfg.Assign.AckTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "driver-secret", cfg.JWTSecrets[models.RoleDriver])
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("MATCHER_TOP_N", "abc")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("LOCK_TTL", "1s")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCHER_TOP_N")
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "LOCK_TTL")
}

func TestWriteTimeoutMustOutlastAssignment(t *testing.T) {
	// three silent drivers at 5s each would outlive a 15s write timeout
	t.Setenv("HTTP_WRITE_TIMEOUT", "15s")
	t.Setenv("ASSIGN_DEADLINE", "10s")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ASSIGN_MAX_ATTEMPTS x ASSIGN_ACK_TIMEOUT")
	assert.NotContains(t, err.Error(), "ASSIGN_DEADLINE (")

	t.Setenv("ASSIGN_DEADLINE", "14s")
	t.Setenv("ASSIGN_ACK_TIMEOUT", "2s")
	t.Setenv("LOCK_TTL", "4s")
	_, err = LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ASSIGN_DEADLINE (14s)")

	t.Setenv("ASSIGN_DEADLINE", "12s")
	_, err = LoadServerConfig()
	assert.NoError(t, err)
}

func TestParseRadiiRejectsGarbage(t *testing.T) {
	_, err := parseRadii("economy")
	assert.Error(t, err)
	_, err = parseRadii("economy=-1")
	assert.Error(t, err)
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("KAFKA_GROUP", "loc-workers")
	t.Setenv("PRESENCE_TTL", "45s")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "loc-workers", cfg.Group)
	assert.Equal(t, "driver-locations", cfg.Topic)
	assert.Equal(t, 45*time.Second, cfg.PresenceTTL)
}
