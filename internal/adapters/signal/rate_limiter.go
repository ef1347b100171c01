package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/jonboulle/clockwork"
)

// RoomRateLimiter is a sliding window limiter keyed by member.
type RoomRateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	history  map[domain.MemberID][]time.Time
	limit    int
	interval time.Duration
}

func NewRoomRateLimiter(limit int, interval time.Duration, clock clockwork.Clock) *RoomRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RoomRateLimiter{
		clock:    clock,
		history:  make(map[domain.MemberID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RoomRateLimiter) Allow(id domain.MemberID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	rl.history[id] = append(fresh, now)
	return true
}
