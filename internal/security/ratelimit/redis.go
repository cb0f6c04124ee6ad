package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/common/config"
)

// RedisLimiter is a fixed-window limiter shared across processes. Each
// key gets a counter per window bucket with a TTL, so limits hold when
// multiple instances sit behind one load balancer.
type RedisLimiter struct {
	logger *zap.Logger
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis-backed limiter and verifies
// connectivity.
func NewRedisLimiter(logger *zap.Logger, cfg *config.RateLimitConfig) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &RedisLimiter{
		logger: logger.Named("ratelimit.redis"),
		client: client,
		limit:  cfg.Limit,
		window: cfg.Window,
		prefix: prefix,
	}, nil
}

// Allow implements Limiter.Allow
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		key = "anonymous"
	}
	windowBucket := time.Now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowBucket)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("increment rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			l.logger.Warn("failed to set rate limit TTL",
				zap.String("key", redisKey),
				zap.Error(err))
		}
	}
	return count <= int64(l.limit), nil
}

// Close implements Limiter.Close
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
