package api

import (
	"math"
	"sync"
	"time"
)

// ownerRate returns a per-minute submit rate that replaces the node default
// for one owner.
type ownerRate func(owner string) (float64, bool)

type bucket struct {
	tokens float64
	last   time.Time
}

// submitLimiter is a token bucket per owner. A rate of zero disables it.
type submitLimiter struct {
	mu        sync.Mutex
	perMinute float64
	burst     float64
	override  ownerRate
	buckets   map[string]*bucket
}

func newSubmitLimiter(perMinute float64, burst int, override ownerRate) *submitLimiter {
	if burst < 1 {
		burst = 1
	}
	return &submitLimiter{
		perMinute: max(0, perMinute),
		burst:     float64(burst),
		override:  override,
		buckets:   map[string]*bucket{},
	}
}

// allow takes a token for owner. When none is left it reports how long
// until the next one.
func (l *submitLimiter) allow(owner string, now time.Time) (time.Duration, bool) {
	if owner == "" {
		owner = "default"
	}
	rate := l.perMinute
	if l.override != nil {
		if r, ok := l.override(owner); ok {
			rate = r
		}
	}
	if rate <= 0 {
		return 0, true
	}
	perSecond := rate / 60

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[owner]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[owner] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*perSecond)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return wait, false
}
