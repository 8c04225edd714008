package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/casaflow/gateway/pkg/observability"
)

// Evaluator is implemented by both the in-memory and the Redis-backed
// limiter so the dispatcher does not care which one it was wired with.
type Evaluator interface {
	Allow(ctx context.Context, apiKeyID, method, path string, ceiling Ceiling) (Decision, error)
}

var (
	_ Evaluator = (*Limiter)(nil)
	_ Evaluator = (*RedisLimiter)(nil)
)

// RedisLimiter shares fixed-window counters across gateway instances.
// Counters use the INCR-then-compare idiom: a denied attempt still advances
// the counter, which is fine for fixed windows since the whole counter
// expires at the window boundary. On Redis errors the limiter fails open so
// a cache outage does not take the API down.
type RedisLimiter struct {
	client  *redis.Client
	rules   *Rules
	prefix  string
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, rules *Rules, logger *observability.Logger, metrics *observability.Metrics) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		rules:   rules,
		prefix:  "ratelimit",
		logger:  logger,
		metrics: metrics,
	}
}

// Allow evaluates the quotas for one request against shared counters.
func (l *RedisLimiter) Allow(ctx context.Context, apiKeyID, method, path string, ceiling Ceiling) (Decision, error) {
	rule := l.rules.Resolve(method, path)
	limit, windowDuration := effectiveSustained(rule, ceiling)

	if rule.Burst != nil {
		burstKey := l.counterKey(TierBurst, apiKeyID, rule.Key)
		count, resetAt, err := l.bump(ctx, burstKey, rule.Burst.Window)
		if err != nil {
			return l.failOpen(limit, err)
		}
		if count > int64(rule.Burst.MaxRequests) {
			l.countDenial(TierBurst)
			return Decision{
				Allowed:    false,
				Limit:      rule.Burst.MaxRequests,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: time.Until(resetAt),
				Tier:       TierBurst,
			}, nil
		}
	}

	sustainedKey := l.counterKey(TierSustained, apiKeyID, rule.Key)
	count, resetAt, err := l.bump(ctx, sustainedKey, windowDuration)
	if err != nil {
		return l.failOpen(limit, err)
	}
	if count > int64(limit) {
		l.countDenial(TierSustained)
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Until(resetAt),
			Tier:       TierSustained,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   resetAt,
		Tier:      TierSustained,
	}, nil
}

// bump increments a fixed-window counter, starting its expiry on first use.
func (l *RedisLimiter) bump(ctx context.Context, key string, windowDuration time.Duration) (int64, time.Time, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, windowDuration).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("redis expire: %w", err)
		}
		return count, time.Now().Add(windowDuration), nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// TTL lost (e.g. expiry raced); fall back to a full window.
		ttl = windowDuration
	}
	return count, time.Now().Add(ttl), nil
}

// Reset clears counters for a key/rule pair. Used by tests and admin tooling.
func (l *RedisLimiter) Reset(ctx context.Context, apiKeyID, ruleKey string) error {
	return l.client.Del(ctx,
		l.counterKey(TierBurst, apiKeyID, ruleKey),
		l.counterKey(TierSustained, apiKeyID, ruleKey),
	).Err()
}

func (l *RedisLimiter) counterKey(tier Tier, apiKeyID, ruleKey string) string {
	return fmt.Sprintf("%s:%s:%s:%s", l.prefix, tier, apiKeyID, ruleKey)
}

func (l *RedisLimiter) failOpen(limit int, err error) (Decision, error) {
	l.logger.WithError(err).Warn("rate limit store unavailable, failing open")
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now(),
		Tier:      TierSustained,
	}, nil
}

func (l *RedisLimiter) countDenial(tier Tier) {
	if l.metrics != nil {
		l.metrics.RateLimitDenialsTotal.WithLabelValues(string(tier)).Inc()
	}
}
