package app

import (
	"sync"
	"time"

	"github.com/soundline/voicemesh/internal/domain"
)

// JoinRateLimiter caps how often a single user may attempt a voice join
// inside a sliding window.
type JoinRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewJoinRateLimiter(limit int, interval time.Duration) *JoinRateLimiter {
	return &JoinRateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *JoinRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[uid] = fresh
	return true
}
