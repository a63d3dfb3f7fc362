package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisRateCache shares quotes between service instances so every replica
// invoices with the same rate inside one TTL window.
type RedisRateCache struct {
	client *redis.Client
}

func NewRedisRateCache(client *redis.Client) *RedisRateCache {
	return &RedisRateCache{client: client}
}

func rateKey(from, to string) string {
	return "fx:rate:" + from + ":" + to
}

func (c *RedisRateCache) Get(ctx context.Context, from, to string) (Quote, bool, error) {
	raw, err := c.client.Get(ctx, rateKey(from, to)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, err
	}

	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false, fmt.Errorf("decode cached rate: %w", err)
	}
	return q, true, nil
}

func (c *RedisRateCache) Set(ctx context.Context, q Quote, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, rateKey(q.From, q.To), raw, ttl).Err()
}
