package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps challenge secrets in Redis, leaning on native key expiry
// instead of tracking expiration itself.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis instance at the given URL
// (redis://host:port/db).
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis secrets backend requires a URL")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	logger.Info("redis secret store ready")
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Put(ctx context.Context, name, value string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; writing would create an immortal key with no TTL.
		return fmt.Errorf("challenge secret %q expires in the past", name)
	}
	if err := s.client.Set(ctx, name, value, ttl).Err(); err != nil {
		logger.Error("failed to store challenge secret", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("storing challenge secret %q: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (string, error) {
	value, err := s.client.Get(ctx, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		logger.Error("failed to read challenge secret", zap.String("name", name), zap.Error(err))
		return "", fmt.Errorf("reading challenge secret %q: %w", name, err)
	}
	return value, nil
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
