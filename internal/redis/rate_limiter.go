package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a single rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// RateLimiter allows or denies requests using a sliding-window count in Redis.
type RateLimiter interface {
	// Allow charges one event to subject. A non-empty token identifies a
	// retryable request: it is charged once per window and later events with
	// the same token are allowed without counting again.
	Allow(ctx context.Context, subject, token string) (Decision, error)
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of events allowed per window for a given subject.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func rateLimitKey(subject string) string { return "ratelimit:messages:" + subject }

// Allow records one event for subject and reports whether it is within the
// limit. Rejected events without a token still count toward the window.
func (r *slidingWindowLimiter) Allow(ctx context.Context, subject, token string) (Decision, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := rateLimitKey(subject)

	// Members must be unique or concurrent events in the same nanosecond collapse.
	member := uuid.NewString()
	if token != "" {
		member = tokenMember(token)
	}

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	addCmd := pipe.ZAddNX(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.PExpire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, translate("rate limit "+subject, err)
	}

	if token != "" && addCmd.Val() == 0 {
		return admitted(countCmd.Val(), r.limit), nil
	}
	d := decide(countCmd.Val(), r.limit)
	if !d.Allowed && token != "" {
		// A rejected token must not look admitted to its retry. Best effort:
		// if this fails the retry passes once without being charged.
		_ = r.client.ZRem(ctx, rkey, member).Err()
	}
	return d, nil
}

func tokenMember(token string) string { return "token:" + token }

func decide(count int64, limit int) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
	}
}

// admitted is the decision for a token already charged inside the window.
func admitted(count int64, limit int) Decision {
	d := decide(count, limit)
	d.Allowed = true
	return d
}
