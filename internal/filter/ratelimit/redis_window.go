package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// RedisWindow counts requests per fixed window in redis, so every gateway
// instance sharing the server shares the quota.
type RedisWindow struct {
	client      redis.UniversalClient
	keyPrefix   string
	window      time.Duration
	maxRequests int
	clock       clock.Clock
	logger      log.Logger
}

// NewRedisWindow connects to redis and returns a fixed window limiter
func NewRedisWindow(cfg config.RedisConfig, window time.Duration, maxRequests int, logger log.Logger) (*RedisWindow, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWindowWithClient(client, cfg.KeyPrefix, window, maxRequests, logger), nil
}

// NewRedisWindowWithClient uses an existing client
func NewRedisWindowWithClient(client redis.UniversalClient, keyPrefix string, window time.Duration, maxRequests int, logger log.Logger) *RedisWindow {
	if logger == nil {
		logger = log.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisWindow{
		client:      client,
		keyPrefix:   keyPrefix,
		window:      window,
		maxRequests: maxRequests,
		clock:       clock.New(),
		logger:      logger,
	}
}

// Allow increments the counter of the current window
func (w *RedisWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := w.clock.Now()
	start := now.Truncate(w.window)
	windowKey := w.keyPrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, w.window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count request: %w", err)
	}

	count := int(incr.Val())
	d := Decision{
		Allowed:   count <= w.maxRequests,
		Limit:     w.maxRequests,
		Remaining: w.maxRequests - count,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = start.Add(w.window).Sub(now)
	}
	return d, nil
}

// Close closes the redis client
func (w *RedisWindow) Close() error {
	return w.client.Close()
}
