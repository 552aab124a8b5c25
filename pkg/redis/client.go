package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLockTTL bounds how long a crashed syncer can hold a source lock.
const DefaultLockTTL = 10 * time.Minute

// Client wraps the Redis client for per-source sync locks and best-effort
// event notifications.
type Client struct {
	client  *redis.Client
	logger  *zap.Logger
	lockTTL time.Duration
}

// NewClient creates a Redis client using environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_LOCK_TTL: sync lock expiry (default: 10m)
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)
	lockTTL := utils.EnvDuration("REDIS_LOCK_TTL", DefaultLockTTL)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Duration("lockTTL", lockTTL))

	return &Client{
		client:  rdb,
		logger:  logger,
		lockTTL: lockTTL,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// TryLock claims the sync lock for a source. Returns false when another
// process already holds it. The lock expires after the configured TTL so a
// crashed holder cannot wedge the source forever.
func (c *Client) TryLock(ctx context.Context, sourceID string) (bool, error) {
	key := "cryptosync:lock:" + sourceID
	ok, err := c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), c.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", sourceID, err)
	}
	return ok, nil
}

// Unlock releases the sync lock for a source.
func (c *Client) Unlock(ctx context.Context, sourceID string) {
	key := "cryptosync:lock:" + sourceID
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("Failed to release sync lock",
			zap.String("source_id", sourceID),
			zap.Error(err))
	}
}

// Publish publishes a message to a Pub/Sub channel. This is best-effort:
// errors are logged but not returned so notification failures never fail a
// sync run.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
