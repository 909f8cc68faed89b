// Package ratelimit provides sliding-window admission control keyed by
// (subject, action), backed by a Redis sorted set of request timestamps.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	limiterMeter      = otel.Meter("finance-sync/ratelimit")
	degradedChecks, _ = limiterMeter.Int64Counter("ratelimit.degraded_checks",
		metric.WithDescription("Rate limit checks allowed fail-open because the store was unreachable"))
	rejectedChecks, _ = limiterMeter.Int64Counter("ratelimit.rejected",
		metric.WithDescription("Requests rejected by the rate limiter"))
)

// Eviction, insertion, count and expiry refresh must run as one atomic unit,
// otherwise two concurrent requests can both observe a pre-insert count under
// the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, now, member)
local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
redis.call('PEXPIRE', key, window)
return {count, oldest[2]}
`)

// Rule is the admission policy for one (subject, action) pair.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// Result reports the outcome of a single admission check.
type Result struct {
	Allowed       bool          `json:"allowed"`
	Remaining     int           `json:"remainingRequests"`
	NextAllowedAt time.Time     `json:"nextAllowedAt"`
	Limit         int           `json:"limit"`
	Window        time.Duration `json:"windowMs"`

	// Degraded is set when the store was unreachable and the check was
	// allowed without enforcement.
	Degraded bool `json:"degraded,omitempty"`
}

// Limiter performs sliding-window admission checks against Redis.
type Limiter struct {
	rdb redis.Scripter
	now func() time.Time
}

// NewLimiter creates a limiter on the given Redis client.
func NewLimiter(rdb redis.Scripter) *Limiter {
	return &Limiter{
		rdb: rdb,
		now: time.Now,
	}
}

// Check records one request for (subject, action) and reports whether it is
// within rule. This limiter protects against abuse, not correctness: when
// the store is unreachable the check fails open and flags degraded mode.
func (l *Limiter) Check(ctx context.Context, subject, action string, rule Rule) Result {
	key := fmt.Sprintf("ratelimit:%s:%s", action, subject)
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := rule.Window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.New().String())

	raw, err := slidingWindowScript.Run(ctx, l.rdb, []string{key}, nowMs, windowMs, member).Slice()
	if err != nil {
		log.Printf("Rate limiter degraded, allowing request for %s: %v", key, err)
		degradedChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
		return Result{
			Allowed:   true,
			Remaining: rule.MaxRequests,
			Limit:     rule.MaxRequests,
			Window:    rule.Window,
			Degraded:  true,
		}
	}

	count, oldestMs := parseScriptReply(raw, nowMs)

	result := Result{
		Allowed:       count <= int64(rule.MaxRequests),
		Remaining:     rule.MaxRequests - int(count),
		NextAllowedAt: time.UnixMilli(oldestMs + windowMs),
		Limit:         rule.MaxRequests,
		Window:        rule.Window,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		rejectedChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}

	return result
}

// parseScriptReply decodes {count, oldestScore} from the Lua reply. Redis
// returns the score as a string; count as an integer.
func parseScriptReply(raw []any, fallbackMs int64) (count, oldestMs int64) {
	count = 1
	oldestMs = fallbackMs

	if len(raw) > 0 {
		if n, ok := raw[0].(int64); ok {
			count = n
		}
	}
	if len(raw) > 1 {
		switch v := raw[1].(type) {
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				oldestMs = int64(f)
			}
		case int64:
			oldestMs = v
		}
	}
	return count, oldestMs
}
