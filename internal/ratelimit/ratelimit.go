// Package ratelimit implements a per-key sliding window limiter over
// admission timestamps.
package ratelimit

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

// ErrRateLimited is returned by Check when a key has exhausted its window.
var ErrRateLimited = xerrors.New("rate limit exceeded")

// Limiter keeps, per key, the timestamps admitted within the trailing
// window. Entries are pruned lazily on each call. State is not persisted.
type Limiter struct {
	clock quartz.Clock

	mu      sync.Mutex
	windows map[string][]time.Time
}

func New(clock quartz.Clock) *Limiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Limiter{
		clock:   clock,
		windows: make(map[string][]time.Time),
	}
}

// Allow admits the call and records it if fewer than limit calls were
// admitted for key within window.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	valid := prune(l.windows[key], now, window)
	if len(valid) >= limit {
		l.windows[key] = valid
		return false
	}
	l.windows[key] = append(valid, now)
	return true
}

// Check is Allow for callers that surface rejections as errors.
func (l *Limiter) Check(key string, limit int, window time.Duration) error {
	if !l.Allow(key, limit, window) {
		return xerrors.Errorf("%s: %w", key, ErrRateLimited)
	}
	return nil
}

// Count returns the number of admissions for key within window.
func (l *Limiter) Count(key string, window time.Duration) int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	valid := prune(l.windows[key], now, window)
	l.windows[key] = valid
	return len(valid)
}

// Prune drops expired timestamps for every key and forgets empty keys.
func (l *Limiter) Prune(window time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, stamps := range l.windows {
		valid := prune(stamps, now, window)
		if len(valid) == 0 {
			delete(l.windows, key)
			continue
		}
		l.windows[key] = valid
	}
}

func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// prune keeps timestamps with now - t < window. Stamps are appended in
// clock order, so the first valid index splits the slice.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(stamps) && now.Sub(stamps[i]) >= window {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
