package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepThreshold is how many tracked users trigger a sweep of idle limiters.
const sweepThreshold = 10000

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is an in-process token bucket per user, used when no Redis is
// configured. Limits are not shared between server instances.
type Local struct {
	mu     sync.Mutex
	users  map[string]*userLimiter
	limit  int
	window time.Duration
	every  time.Duration
}

func NewLocal(limit int, window time.Duration) *Local {
	if limit < 1 {
		limit = 1
	}
	return &Local{
		users:  make(map[string]*userLimiter),
		limit:  limit,
		window: window,
		every:  window / time.Duration(limit),
	}
}

func (l *Local) Allow(ctx context.Context, userID string) (Result, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		if len(l.users) >= sweepThreshold {
			l.sweep(now)
		}
		u = &userLimiter{limiter: rate.NewLimiter(rate.Every(l.every), l.limit)}
		l.users[userID] = u
	}
	u.lastSeen = now

	allowed := u.limiter.AllowN(now, 1)
	remaining := int(u.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	var reset time.Duration
	if !allowed {
		reset = l.every
	}
	return Result{Allowed: allowed, Limit: l.limit, Remaining: remaining, Reset: reset}, nil
}

// sweep drops users idle for a full window; their buckets would be full anyway.
func (l *Local) sweep(now time.Time) {
	for id, u := range l.users {
		if now.Sub(u.lastSeen) > l.window {
			delete(l.users, id)
		}
	}
}

func (l *Local) Ping(ctx context.Context) error {
	return nil
}
