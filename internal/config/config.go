package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings loaded from the environment.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	ServerPort string

	// Optional shared rate cache; the in-process cache is used when empty.
	RedisAddr    string
	RateCacheTTL time.Duration

	// Optional event sink; events are only logged when no brokers are set.
	KafkaBrokers []string
	KafkaTopic   string

	GatewayTimeout    time.Duration
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
}

// Load reads the configuration, falling back to local development defaults.
func Load() *Config {
	return &Config{
		DBHost:            getenv("DB_HOST", "localhost"),
		DBPort:            getenv("DB_PORT", "5432"),
		DBUser:            getenv("DB_USER", "postgres"),
		DBPassword:        getenv("DB_PASSWORD", "password"),
		DBName:            getenv("DB_NAME", "deal_settlement"),
		DBSSLMode:         getenv("DB_SSLMODE", "disable"),
		ServerPort:        getenv("SERVER_PORT", "8080"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RateCacheTTL:      getenvDuration("RATE_CACHE_TTL", 10*time.Minute),
		KafkaBrokers:      getenvList("KAFKA_BROKERS"),
		KafkaTopic:        getenv("KAFKA_TOPIC", "deal-settlement.events"),
		GatewayTimeout:    getenvDuration("GATEWAY_TIMEOUT", 10*time.Second),
		ReconcileInterval: getenvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileAfter:    getenvDuration("RECONCILE_AFTER", 5*time.Minute),
	}
}

// GetDBConnectionString builds a lib/pq keyword/value DSN.
func (c *Config) GetDBConnectionString() string {
	sslMode := c.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, sslMode)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// bare integers are seconds
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
