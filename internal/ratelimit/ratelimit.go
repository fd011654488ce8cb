// Package ratelimit implements token-bucket rate limiting for the venue
// REST APIs.
//
// Each named Limiter refills continuously based on wall-clock time, computed
// lazily on every entry; there is no background timer while the bucket is
// idle. Callers block in Acquire until their token count is available or the
// deadline passes. Waiters are served strictly in FIFO order so a large
// acquisition cannot be starved by a stream of small ones.
//
// A Registry pre-configures one limiter per venue endpoint category:
//
//	polymarket.orders  500 burst / 60 per sec
//	polymarket.read    100 burst / 50 per sec
//	kalshi.orders      fixed tier rate, no burst
//	kalshi.read        fixed tier rate, no burst
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrAcquireTimeout is returned when the deadline passes before the
	// requested tokens become available.
	ErrAcquireTimeout = errors.New("ratelimit: acquire timed out")

	// ErrLimiterReset is returned to queued waiters when Reset drains the
	// limiter underneath them.
	ErrLimiterReset = errors.New("ratelimit: limiter reset")
)

// waiter is one queued Acquire call.
type waiter struct {
	n    float64
	done chan error // buffered; receives exactly one result
}

// Limiter is a token bucket with a FIFO wait queue.
// The mutex is held only for token accounting, never across I/O or sleeps.
type Limiter struct {
	mu       sync.Mutex
	tokens   float64 // current available tokens (fractional allowed)
	capacity float64 // maximum burst size
	rate     float64 // tokens refilled per second
	last     time.Time
	queue    []*waiter
	timer    *time.Timer // pending wakeup for the queue head, nil if none
}

// New creates a limiter. With allowBurst the bucket starts full; without it
// the bucket starts with a single token so callers pay the fixed rate from
// the first request.
func New(capacity, ratePerSecond float64, allowBurst bool) *Limiter {
	tokens := capacity
	if !allowBurst {
		tokens = 1
		if capacity < 1 {
			tokens = capacity
		}
	}
	return &Limiter{
		tokens:   tokens,
		capacity: capacity,
		rate:     ratePerSecond,
		last:     time.Now(),
	}
}

// refillLocked credits tokens for elapsed wall-clock time, capped at capacity.
func (l *Limiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.last = now
}

// TryAcquire takes n tokens without blocking. It fails when a waiter is
// already queued (FIFO order would be violated by jumping ahead).
func (l *Limiter) TryAcquire(n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked(time.Now())
	if len(l.queue) > 0 || l.tokens < n {
		return false
	}
	l.tokens -= n
	return true
}

// Acquire blocks until n tokens are available, the timeout elapses, or ctx
// is cancelled. Timeout failures return ErrAcquireTimeout; a Reset while
// queued returns ErrLimiterReset.
func (l *Limiter) Acquire(ctx context.Context, n float64, timeout time.Duration) error {
	l.mu.Lock()
	l.refillLocked(time.Now())

	if len(l.queue) == 0 && l.tokens >= n {
		l.tokens -= n
		l.mu.Unlock()
		return nil
	}

	w := &waiter{n: n, done: make(chan error, 1)}
	l.queue = append(l.queue, w)
	l.scheduleLocked()
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		return l.abandon(w, ErrAcquireTimeout)
	case <-ctx.Done():
		return l.abandon(w, ctx.Err())
	}
}

// abandon removes w from the queue. If w was served in the race window
// between wakeup and removal, the served result wins.
func (l *Limiter) abandon(w *waiter, reason error) error {
	l.mu.Lock()
	for i, qw := range l.queue {
		if qw == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.scheduleLocked()
			l.mu.Unlock()
			return reason
		}
	}
	l.mu.Unlock()

	// Not queued: already served (or reset), so take that result instead.
	return <-w.done
}

// scheduleLocked serves the queue head(s) if tokens allow, and otherwise
// arms a single timer for the moment the head's deficit refills.
func (l *Limiter) scheduleLocked() {
	now := time.Now()
	l.refillLocked(now)

	for len(l.queue) > 0 {
		head := l.queue[0]
		if l.tokens >= head.n {
			l.tokens -= head.n
			l.queue = l.queue[1:]
			head.done <- nil
			continue
		}
		if l.rate <= 0 {
			return // never refills; the waiter's own deadline will fire
		}
		deficit := head.n - l.tokens
		wait := time.Duration(deficit / l.rate * float64(time.Second))
		if l.timer == nil {
			l.timer = time.AfterFunc(wait, l.onTimer)
		} else {
			l.timer.Reset(wait)
		}
		return
	}

	if l.timer != nil {
		l.timer.Stop()
	}
}

func (l *Limiter) onTimer() {
	l.mu.Lock()
	l.scheduleLocked()
	l.mu.Unlock()
}

// Reset refills the bucket to its starting level and fails every queued
// waiter with ErrLimiterReset.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.queue {
		w.done <- ErrLimiterReset
	}
	l.queue = nil
	l.tokens = l.capacity
	l.last = time.Now()
	if l.timer != nil {
		l.timer.Stop()
	}
}

// Tokens returns the current token count after refill. Always within
// [0, capacity].
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(time.Now())
	return l.tokens
}

// Capacity returns the bucket's burst size.
func (l *Limiter) Capacity() float64 {
	return l.capacity
}

// ————————————————————————————————————————————————————————————————————————
// Registry
// ————————————————————————————————————————————————————————————————————————

// Registry groups named limiters so venue clients can look up the bucket
// for each endpoint category.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// kalshiTierRates maps the Kalshi access tier to its fixed request rate.
var kalshiTierRates = map[string]float64{
	"basic":    20,
	"advanced": 100,
	"premier":  400,
}

// NewRegistry creates the pre-configured per-venue limiters. The Kalshi
// tier defaults to basic when unknown.
func NewRegistry(kalshiTier string) *Registry {
	kr, ok := kalshiTierRates[kalshiTier]
	if !ok {
		kr = kalshiTierRates["basic"]
	}
	return &Registry{
		limiters: map[string]*Limiter{
			"polymarket.orders": New(500, 60, true),
			"polymarket.read":   New(100, 50, true),
			"kalshi.orders":     New(kr, kr, false),
			"kalshi.read":       New(kr, kr, false),
		},
	}
}

// Get returns the named limiter, creating a permissive default if the name
// is unknown (misconfiguration should not deadlock the caller).
func (r *Registry) Get(name string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.limiters[name]; ok {
		return l
	}
	l = New(100, 50, true)
	r.limiters[name] = l
	return l
}

// Names returns the registered limiter names (for metrics labels).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	return names
}

// String implements fmt.Stringer for log lines.
func (l *Limiter) String() string {
	return fmt.Sprintf("bucket(%.0f/%.0f @ %.0f/s)", l.Tokens(), l.capacity, l.rate)
}
