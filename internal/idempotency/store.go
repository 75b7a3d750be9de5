package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podsight/attribution-engine/internal/metrics"
)

// Store is the fast-path duplicate filter for event ingestion. The
// database primary key remains the durable backstop; a Store miss or
// failure never lets a duplicate through, it only costs one extra
// round trip to the database.
type Store interface {
	// CheckAndReserve atomically reserves the (tenant, event) pair and
	// reports whether it was already reserved.
	CheckAndReserve(ctx context.Context, tenantID, eventID string, ttl time.Duration) (duplicate bool, err error)

	// Release drops a reservation so a failed ingest can be retried.
	Release(ctx context.Context, tenantID, eventID string) error
}

// RedisStore implements Store with SETNX keys that expire alongside
// the tenant's retention window.
type RedisStore struct {
	client  *redis.Client
	metrics *metrics.Metrics
}

func NewRedisStore(client *redis.Client, m *metrics.Metrics) *RedisStore {
	return &RedisStore{client: client, metrics: m}
}

func (s *RedisStore) key(tenantID, eventID string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, eventID)
}

func (s *RedisStore) CheckAndReserve(ctx context.Context, tenantID, eventID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	reserved, err := s.client.SetNX(ctx, s.key(tenantID, eventID), 1, ttl).Result()
	s.observe("setnx", start)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return !reserved, nil
}

func (s *RedisStore) Release(ctx context.Context, tenantID, eventID string) error {
	start := time.Now()
	err := s.client.Del(ctx, s.key(tenantID, eventID)).Err()
	s.observe("del", start)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RedisLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
