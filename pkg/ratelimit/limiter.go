package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/casaflow/gateway/pkg/observability"
)

// Tier names the two quota tiers.
type Tier string

const (
	TierSustained Tier = "sustained"
	TierBurst     Tier = "burst"
)

// Ceiling is the per-key ceiling carried on the API key. It can only
// tighten an endpoint rule: the effective limit is the smaller of the two,
// the effective window the larger.
type Ceiling struct {
	MaxRequests   int
	WindowSeconds int
}

// Decision is the outcome of a rate limit evaluation.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       Tier
}

// window is one fixed-window counter. It resets to zero the first time it is
// read after resetAt has elapsed; a new window of the same duration then
// begins.
type window struct {
	count   int
	resetAt time.Time
}

func (w *window) roll(now time.Time, duration time.Duration) {
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(duration)
	}
}

// entry holds both tier counters for one (api key, rule) pair. A single
// mutex covers both so the check-and-increment across tiers is atomic:
// concurrent requests cannot interleave between the burst check and the
// sustained increment and sneak past the ceiling.
type entry struct {
	mu        sync.Mutex
	burst     window
	sustained window
}

// Limiter evaluates two-tier fixed-window quotas in process memory.
// Counters are advisory: loss on restart is acceptable.
type Limiter struct {
	rules   *Rules
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewLimiter creates a limiter over the given rule table.
func NewLimiter(rules *Rules, logger *observability.Logger, metrics *observability.Metrics) *Limiter {
	return &Limiter{
		rules:   rules,
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// Allow evaluates the quotas for one request. Burst is checked before
// sustained: it is stricter and cheaper to reject on. Counters increment
// only when the request is admitted by both tiers; in particular a
// burst-denied request does not count against the sustained window, since it
// consumed no downstream capacity.
func (l *Limiter) Allow(ctx context.Context, apiKeyID, method, path string, ceiling Ceiling) (Decision, error) {
	rule := l.rules.Resolve(method, path)
	limit, windowDuration := effectiveSustained(rule, ceiling)

	e := l.entry(apiKeyID + "|" + rule.Key)
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if rule.Burst != nil {
		e.burst.roll(now, rule.Burst.Window)
		if e.burst.count >= rule.Burst.MaxRequests {
			l.countDenial(TierBurst)
			return Decision{
				Allowed:    false,
				Limit:      rule.Burst.MaxRequests,
				Remaining:  0,
				ResetAt:    e.burst.resetAt,
				RetryAfter: e.burst.resetAt.Sub(now),
				Tier:       TierBurst,
			}, nil
		}
	}

	e.sustained.roll(now, windowDuration)
	if e.sustained.count >= limit {
		l.countDenial(TierSustained)
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    e.sustained.resetAt,
			RetryAfter: e.sustained.resetAt.Sub(now),
			Tier:       TierSustained,
		}, nil
	}

	// Admitted: both tiers consume the request.
	if rule.Burst != nil {
		e.burst.count++
	}
	e.sustained.count++

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - e.sustained.count,
		ResetAt:   e.sustained.resetAt,
		Tier:      TierSustained,
	}, nil
}

// effectiveSustained combines the endpoint rule with the key's own ceiling:
// the caller's ceiling can only tighten, never loosen, the rule.
func effectiveSustained(rule *Rule, ceiling Ceiling) (int, time.Duration) {
	limit := rule.Sustained.MaxRequests
	windowDuration := rule.Sustained.Window

	if ceiling.MaxRequests > 0 && ceiling.MaxRequests < limit {
		limit = ceiling.MaxRequests
	}
	if keyWindow := time.Duration(ceiling.WindowSeconds) * time.Second; keyWindow > windowDuration {
		windowDuration = keyWindow
	}
	return limit, windowDuration
}

func (l *Limiter) entry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	return e
}

// Sweep deletes counters whose windows have all closed, bounding memory
// regardless of caller churn.
func (l *Limiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		e.mu.Lock()
		expired := !now.Before(e.sustained.resetAt) && !now.Before(e.burst.resetAt)
		e.mu.Unlock()
		if expired {
			delete(l.entries, key)
		}
	}
	if l.metrics != nil {
		l.metrics.RateLimitCounters.Set(float64(len(l.entries)))
	}
}

// StartSweeping runs Sweep on the given interval until ctx is cancelled.
func (l *Limiter) StartSweeping(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Limiter) countDenial(tier Tier) {
	if l.metrics != nil {
		l.metrics.RateLimitDenialsTotal.WithLabelValues(string(tier)).Inc()
	}
}
