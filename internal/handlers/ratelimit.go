package handlers

import (
	"sync"

	"golang.org/x/time/rate"
)

// userLimiter keeps one token bucket per user. A nil userLimiter allows everything.
type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *userLimiter) allow(user string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[user]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[user] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

func (l *userLimiter) reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	clear(l.limiters)
	l.mu.Unlock()
}
