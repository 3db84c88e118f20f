// Package ratelimit provides per-event-type rate limiting for inbound
// WebSocket frames, guarding the stream processor against a misbehaving or
// compromised peer flooding a single event type.
//
// Directly grounded on the teacher's EventRateLimiter
// (internal/heartbeat/ratelimit.go): the same token-bucket shape, generalized
// from the teacher's closed MessageType enum to arbitrary event-name strings
// so it can gate any of the agent service's wire event types.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Limit configures the token bucket for a single event type.
type Limit struct {
	MaxBurst       int
	RefillInterval time.Duration
}

// DefaultLimits returns sensible per-event rate limits for the agent service's
// inbound event vocabulary. Unlisted event types fall back to a generous
// default applied lazily by Allow.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"text_delta":            {MaxBurst: 60, RefillInterval: 1 * time.Second},
		"thought_delta":         {MaxBurst: 60, RefillInterval: 1 * time.Second},
		"tool_select_delta":     {MaxBurst: 20, RefillInterval: 1 * time.Second},
		"tool_call":             {MaxBurst: 20, RefillInterval: 1 * time.Second},
		"completion":            {MaxBurst: 5, RefillInterval: 1 * time.Second},
		"render_media":          {MaxBurst: 5, RefillInterval: 1 * time.Second},
		"chat_session_changed":  {MaxBurst: 3, RefillInterval: 5 * time.Second},
		"cancelled":             {MaxBurst: 5, RefillInterval: 5 * time.Second},
		"subsession_started":    {MaxBurst: 5, RefillInterval: 1 * time.Second},
		"subsession_ended":      {MaxBurst: 5, RefillInterval: 1 * time.Second},
	}
}

type bucket struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// Limiter is a token-bucket rate limiter keyed by event type.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*bucket
}

// New creates a Limiter with the given per-event limits.
func New(limits map[string]Limit) *Limiter {
	buckets := make(map[string]*bucket, len(limits))
	for name, lim := range limits {
		buckets[name] = &bucket{
			tokens:     lim.MaxBurst,
			maxTokens:  lim.MaxBurst,
			refillRate: lim.RefillInterval,
			lastRefill: time.Now(),
		}
	}
	return &Limiter{limits: limits, buckets: buckets}
}

// Allow reports whether an event of the given type should be processed. A
// false return means the caller should silently drop the event.
func (l *Limiter) Allow(eventType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[eventType]
	if !ok {
		b = &bucket{tokens: 30, maxTokens: 30, refillRate: 5 * time.Second, lastRefill: time.Now()}
		l.buckets[eventType] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed >= b.refillRate && b.tokens < b.maxTokens {
		add := int(elapsed / b.refillRate)
		b.tokens += add
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	slog.Warn("ratelimit: dropping event, rate limit exceeded", "event", eventType)
	return false
}
