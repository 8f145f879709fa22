package parentsync

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// backoff yields base·2^attempt plus up to base/2 of jitter, capped at max.
type backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	attempt int
	until   time.Time
	jitter  func() float64
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, jitter: rand.Float64}
}

func (b *backoff) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextDelayLocked()
}

func (b *backoff) nextDelayLocked() time.Duration {
	jitter := time.Duration(b.jitter() * float64(b.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return delay
}

// fail records a failure at now and returns the time before which
// opportunistic retries are held back.
func (b *backoff) fail(now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until = now.Add(b.nextDelayLocked())
	return b.until
}

// ready reports whether the gate is open at now.
func (b *backoff) ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.until)
}

func (b *backoff) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.until = time.Time{}
}
