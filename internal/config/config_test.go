package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_HOST", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("GATEWAY_TIMEOUT", "")

	cfg := Load()

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "host=localhost port=5432 user=postgres password=password dbname=deal_settlement sslmode=disable",
		cfg.GetDBConnectionString())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("GATEWAY_TIMEOUT", "3")
	t.Setenv("RECONCILE_AFTER", "90s")
	t.Setenv("RATE_CACHE_TTL", "not-a-duration")

	cfg := Load()

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 90*time.Second, cfg.ReconcileAfter)
	assert.Equal(t, 10*time.Minute, cfg.RateCacheTTL)
}
