package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig bounds how many requests a key may make per window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult reports the outcome of a limit check. Limit echoes the
// configured ceiling for response headers; ResetAt is when a rejected
// caller can expect headroom again.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter over a Redis sorted set: each
// admitted request is a member scored by its arrival time, and members older
// than the window are trimmed before counting. It gates alert creation per
// subject only; response submission is never limited, since a supporter
// answering a crisis must not be turned away.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	cfg    RateLimitConfig
}

func NewRateLimiter(client *Client, logger *zap.Logger, cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, logger: logger, cfg: cfg}
}

// Allow admits a single request under the limit for key.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return rl.AllowN(ctx, key, 1)
}

// AllowN admits n requests atomically: either all n fit in the window or
// none are recorded.
func (rl *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	setKey := "ratelimit:" + key
	cutoff := strconv.FormatInt(now.Add(-rl.cfg.Window).UnixNano(), 10)

	trim := rl.client.rdb.Pipeline()
	trim.ZRemRangeByScore(ctx, setKey, "0", cutoff)
	inWindow := trim.ZCard(ctx, setKey)
	if _, err := trim.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit window trim: %w", err)
	}

	used := int(inWindow.Val())
	res := &RateLimitResult{
		Limit:     rl.cfg.Limit,
		Remaining: rl.cfg.Limit - used,
		ResetAt:   now.Add(rl.cfg.Window),
	}

	if used+n > rl.cfg.Limit {
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		rl.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("in_window", used),
			zap.Int("limit", rl.cfg.Limit),
		)
		return res, nil
	}

	record := rl.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		record.ZAdd(ctx, setKey, redis.Z{
			Score:  float64(now.UnixNano() + int64(i)),
			Member: fmt.Sprintf("%d:%d", now.UnixNano(), i),
		})
	}
	// Keep the set alive slightly past the window so the last trim can
	// still see it, then let Redis reclaim it.
	record.Expire(ctx, setKey, rl.cfg.Window+time.Second)
	if _, err := record.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit record: %w", err)
	}

	res.Allowed = true
	res.Remaining -= n
	return res, nil
}
