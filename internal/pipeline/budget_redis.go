package pipeline

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisUsageSource reads the gateway's accumulated monthly spend from a
// single Redis key, maintained externally by a billing sidecar (nexus never
// writes to it). Grounded on the teacher's RedisClient: namespaced key,
// plain GET, fail-open on any Redis error (spec §4.4.3's usage source is
// explicitly a placeholder — treat unavailability as zero usage, never a
// hard failure).
type RedisUsageSource struct {
	Client    *redis.Client
	Namespace string // e.g. "nexus:budget"
}

// NewRedisUsageSource dials url (a redis://... connection string).
func NewRedisUsageSource(url, namespace string) (*RedisUsageSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisUsageSource{Client: redis.NewClient(opts), Namespace: namespace}, nil
}

func (s *RedisUsageSource) key() string {
	if s.Namespace == "" {
		return "nexus:budget:monthly_usage_usd"
	}
	return s.Namespace + ":monthly_usage_usd"
}

// CurrentUsageUSD implements UsageSource.
func (s *RedisUsageSource) CurrentUsageUSD(ctx context.Context) (float64, error) {
	val, err := s.Client.Get(ctx, s.key()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

// Close releases the underlying Redis connection pool.
func (s *RedisUsageSource) Close() error {
	return s.Client.Close()
}
