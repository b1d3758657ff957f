// Package ratelimiter — ratelimiter.go
//
// Per-user sliding-window rate limiting: per-minute, per-hour, per-day
// windows plus a burst token bucket, strictly isolated per user. The
// burst bucket generalizes internal/budget.Bucket from the teacher
// (capacity + linear refill) but without its background goroutine — see
// window.go.
//
// When disabled in configuration, check_rate_limit is a no-op that
// always reports allowed.

package ratelimiter

import (
	"sync"
	"time"

	"github.com/flowkernel/flowkernel/internal/types"
)

// Config holds the limiter's window sizes and burst parameters.
type Config struct {
	Enabled         bool
	PerMinuteLimit  int
	PerHourLimit    int
	PerDayLimit     int
	BurstCapacity   int
	BurstRefillSecs int
}

// DefaultConfig mirrors a reasonable always-on limiter.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		PerMinuteLimit:  60,
		PerHourLimit:    1000,
		PerDayLimit:     10000,
		BurstCapacity:   10,
		BurstRefillSecs: 60,
	}
}

// Result is the verdict of one check_rate_limit call.
type Result struct {
	Allowed bool
	Reason  types.Window // only meaningful when !Allowed
}

// Rates is the current per-window snapshot for a user.
type Rates struct {
	PerMinute     int
	PerHour       int
	PerDay        int
	BurstRemaining int
}

type userState struct {
	minute *slidingWindow
	hour   *slidingWindow
	day    *slidingWindow
	burst  *burstBucket
}

// Limiter owns the per-user window state.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	byUser map[types.UserId]*userState
}

// New creates a Limiter with the given configuration.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, byUser: make(map[types.UserId]*userState)}
}

func (l *Limiter) stateFor(user types.UserId, now time.Time) *userState {
	s, ok := l.byUser[user]
	if ok {
		return s
	}
	s = &userState{
		minute: newSlidingWindow(60*time.Second, l.cfg.PerMinuteLimit),
		hour:   newSlidingWindow(3600*time.Second, l.cfg.PerHourLimit),
		day:    newSlidingWindow(86400*time.Second, l.cfg.PerDayLimit),
		burst:  newBurstBucket(l.cfg.BurstCapacity, time.Duration(l.cfg.BurstRefillSecs)*time.Second, now),
	}
	l.byUser[user] = s
	return s
}

// CheckRateLimit admits or rejects one event for user at time now. Strict
// per-user isolation: one user's windows never observe another's events.
func (l *Limiter) CheckRateLimit(user types.UserId, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Enabled {
		return Result{Allowed: true}
	}

	s := l.stateFor(user, now)

	// Evaluate admission for every window without mutating state first,
	// so a rejection on a later window does not leave an earlier window
	// holding a phantom admitted entry.
	if s.minute.count(now) >= l.cfg.PerMinuteLimit && l.cfg.PerMinuteLimit > 0 {
		return Result{Allowed: false, Reason: types.WindowPerMinute}
	}
	if s.hour.count(now) >= l.cfg.PerHourLimit && l.cfg.PerHourLimit > 0 {
		return Result{Allowed: false, Reason: types.WindowPerHour}
	}
	if s.day.count(now) >= l.cfg.PerDayLimit && l.cfg.PerDayLimit > 0 {
		return Result{Allowed: false, Reason: types.WindowPerDay}
	}
	if !s.burst.tryConsume(now) {
		return Result{Allowed: false, Reason: types.WindowBurst}
	}

	s.minute.tryAdmit(now)
	s.hour.tryAdmit(now)
	s.day.tryAdmit(now)
	return Result{Allowed: true}
}

// GetCurrentRate reports the in-window counts and remaining burst tokens
// for a user, without admitting a new event.
func (l *Limiter) GetCurrentRate(user types.UserId, now time.Time) Rates {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stateFor(user, now)
	return Rates{
		PerMinute:      s.minute.count(now),
		PerHour:        s.hour.count(now),
		PerDay:         s.day.count(now),
		BurstRemaining: s.burst.remaining(now),
	}
}

// EvictStaleUsers removes per-user state for users with no activity in
// any window as of now. Called by the cleanup service.
func (l *Limiter) EvictStaleUsers(now time.Time, hasActivePCB func(types.UserId) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for user, s := range l.byUser {
		if s.day.count(now) > 0 {
			continue
		}
		if hasActivePCB != nil && hasActivePCB(user) {
			continue
		}
		delete(l.byUser, user)
		removed++
	}
	return removed
}
