// Package gateway implements the front door of the platform: admission,
// dual-write, enqueue, and merged status reads.
package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/muxite/taskplane/internal/interfaces"
)

// TokenBucketQuota gates task admission against a per-user daily tick
// allowance, one rate.Limiter per user keyed by userID, refilling
// continuously over a day rather than resetting at midnight (grounded on
// eodhd.Client's per-client rate.Limiter, generalized to per-user and to a
// daily rather than per-second window).
type TokenBucketQuota struct {
	dailyLimit int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucketQuota creates a quota checker allowing dailyLimit ticks per
// user per rolling 24h window.
func NewTokenBucketQuota(dailyLimit int) *TokenBucketQuota {
	if dailyLimit <= 0 {
		dailyLimit = 1
	}
	return &TokenBucketQuota{
		dailyLimit: dailyLimit,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (q *TokenBucketQuota) limiterFor(userID string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.limiters[userID]
	if !ok {
		perSecond := rate.Limit(float64(q.dailyLimit) / (24 * time.Hour).Seconds())
		l = rate.NewLimiter(perSecond, q.dailyLimit)
		q.limiters[userID] = l
	}
	return l
}

// CheckAndConsume admits units ticks against userID's daily allowance.
func (q *TokenBucketQuota) CheckAndConsume(ctx context.Context, accessToken, userID, email string, units int) (interfaces.QuotaResult, error) {
	l := q.limiterFor(userID)
	if !l.AllowN(time.Now(), units) {
		return interfaces.QuotaResult{Allowed: false, Remaining: int(l.Tokens())}, nil
	}
	return interfaces.QuotaResult{Allowed: true, Remaining: int(l.Tokens())}, nil
}

// NoopQuota always admits; backs DISABLE_QUOTA_CHECKS=1.
type NoopQuota struct{}

// CheckAndConsume always permits and reports an unbounded remainder.
func (NoopQuota) CheckAndConsume(ctx context.Context, accessToken, userID, email string, units int) (interfaces.QuotaResult, error) {
	return interfaces.QuotaResult{Allowed: true, Remaining: -1}, nil
}
