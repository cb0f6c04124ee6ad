package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threatscope/threatscope/internal/common/config"
)

// Limiter bounds how often a client key may perform an action within a
// fixed window. Used to throttle websocket handshakes per remote
// address.
type Limiter interface {
	// Allow reports whether the key is under its limit for the
	// current window and consumes one slot if so.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases any backing resources.
	Close() error
}

// NewLimiter creates a limiter based on configuration.
func NewLimiter(logger *zap.Logger, cfg *config.RateLimitConfig) (Limiter, error) {
	logger.Info("initializing rate limiter",
		zap.String("type", cfg.Type),
		zap.Int("limit", cfg.Limit),
		zap.Duration("window", cfg.Window))
	switch cfg.Type {
	case "memory":
		return NewMemoryLimiter(cfg.Limit, cfg.Window), nil
	case "redis":
		return NewRedisLimiter(logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported rate limiter type: %s", cfg.Type)
	}
}

// MemoryLimiter is a fixed-window in-process limiter.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	buckets   map[string]bucket
	lastSweep time.Time
}

type bucket struct {
	start time.Time
	count int
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		limit:     limit,
		window:    window,
		buckets:   make(map[string]bucket),
		lastSweep: time.Now(),
	}
}

// Allow implements Limiter.Allow
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if key == "" {
		key = "anonymous"
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b := l.buckets[key]
	if b.start.IsZero() || now.Sub(b.start) >= l.window {
		l.buckets[key] = bucket{start: now, count: 1}
		return true, nil
	}
	if b.count >= l.limit {
		return false, nil
	}
	b.count++
	l.buckets[key] = b
	return true, nil
}

// sweep drops expired buckets so one-shot keys do not accumulate. Runs
// at most once per window. Caller holds the mutex.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// Close implements Limiter.Close
func (l *MemoryLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]bucket)
	return nil
}
