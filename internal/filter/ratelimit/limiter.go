package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/songzhibin97/relaygate/internal/auth"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/filter"
	"github.com/songzhibin97/relaygate/internal/filter/ipacl"
	"github.com/songzhibin97/relaygate/pkg/log"
)

// Strategies understood by New
const (
	StrategyTokenBucket = "token_bucket"
	StrategyFixedWindow = "fixed_window"
)

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether one more request for key fits the quota
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// New builds the limiter selected by cfg.Strategy
func New(cfg *config.RateLimitConfig, logger log.Logger) (Limiter, error) {
	switch cfg.Strategy {
	case StrategyTokenBucket, "":
		return NewTokenBucket(TokenBucketConfig{
			Rate:            cfg.Rate,
			Burst:           cfg.Burst,
			CleanupInterval: cfg.CleanupInterval,
		}), nil
	case StrategyFixedWindow:
		return NewRedisWindow(cfg.Redis, cfg.WindowSize, cfg.MaxRequests, logger)
	default:
		return nil, fmt.Errorf("unknown rate limit strategy: %s", cfg.Strategy)
	}
}

// KeyFunc extracts the quota key of a request
type KeyFunc func(ex *filter.Exchange) string

// KeyByIP keys requests by client address
func KeyByIP(trustForwarded bool) KeyFunc {
	return func(ex *filter.Exchange) string {
		return "ip:" + ipacl.ClientIP(ex.Request, trustForwarded)
	}
}

// KeyByConsumer keys requests by the authenticated consumer and falls back to
// the client address for anonymous requests. Authentication filters must run
// first.
func KeyByConsumer(trustForwarded bool) KeyFunc {
	byIP := KeyByIP(trustForwarded)
	return func(ex *filter.Exchange) string {
		if v, ok := ex.Get(auth.AttrConsumer); ok {
			if consumer, ok := v.(string); ok && consumer != "" {
				return "consumer:" + consumer
			}
		}
		return byIP(ex)
	}
}

// Filter rejects requests over quota with 429. Limiter errors let the request
// through.
func Filter(l Limiter, key KeyFunc, logger log.Logger) filter.SyncFilter {
	if logger == nil {
		logger = log.NewNop()
	}
	return func(ex *filter.Exchange) (bool, error) {
		k := key(ex)
		d, err := l.Allow(ex.Request.Context(), k)
		if err != nil {
			logger.WithContext(ex.Request.Context()).Warn("rate limiter unavailable, request admitted",
				log.String("key", k),
				log.Error(err),
			)
			return true, nil
		}

		h := ex.Response.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.Allowed {
			return true, nil
		}

		retry := int(math.Ceil(d.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", strconv.Itoa(retry))
		logger.WithContext(ex.Request.Context()).Debug("request rate limited",
			log.String("key", k),
			log.String("path", ex.Request.URL.Path),
		)
		ex.Response.Reject(http.StatusTooManyRequests, "rate limit exceeded")
		return false, nil
	}
}
