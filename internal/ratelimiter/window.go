// Package ratelimiter — window.go
//
// slidingWindow is a deque of event timestamps bounded by a duration and
// a count limit. On every check, expired entries are popped from the
// front before the new timestamp is appended and the size is compared
// against the limit.

package ratelimiter

import (
	"container/list"
	"time"
)

type slidingWindow struct {
	span  time.Duration
	limit int
	times *list.List
}

func newSlidingWindow(span time.Duration, limit int) *slidingWindow {
	return &slidingWindow{span: span, limit: limit, times: list.New()}
}

// evict drops every entry older than now-span.
func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	for e := w.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			w.times.Remove(e)
		} else {
			break // entries are appended in order, so the rest are newer
		}
		e = next
	}
}

// tryAdmit evicts expired entries, then admits now if the window has
// room. Returns false without mutating state if the window is full.
func (w *slidingWindow) tryAdmit(now time.Time) bool {
	w.evict(now)
	if w.limit <= 0 {
		return true // unconfigured/unbounded window
	}
	if w.times.Len() >= w.limit {
		return false
	}
	w.times.PushBack(now)
	return true
}

// count returns the number of entries currently inside the window.
func (w *slidingWindow) count(now time.Time) int {
	w.evict(now)
	return w.times.Len()
}

// burstBucket is a linear-refill token bucket, directly generalized from
// the teacher's budget.Bucket: capacity tokens, refilled to full once per
// refillPeriod. Unlike the teacher's version there is no background
// refill goroutine — refill is computed lazily from elapsed time, since
// the rate limiter is driven entirely by check_rate_limit calls under
// the kernel's single lock and never needs to tick on its own.
type burstBucket struct {
	capacity     int
	tokens       float64
	refillPeriod time.Duration
	lastRefill   time.Time
}

func newBurstBucket(capacity int, refillPeriod time.Duration, now time.Time) *burstBucket {
	return &burstBucket{
		capacity:     capacity,
		tokens:       float64(capacity),
		refillPeriod: refillPeriod,
		lastRefill:   now,
	}
}

func (b *burstBucket) refill(now time.Time) {
	if b.refillPeriod <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	rate := float64(b.capacity) / b.refillPeriod.Seconds()
	b.tokens += elapsed.Seconds() * rate
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

func (b *burstBucket) tryConsume(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *burstBucket) remaining(now time.Time) int {
	b.refill(now)
	return int(b.tokens)
}
