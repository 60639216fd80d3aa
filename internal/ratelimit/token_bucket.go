package ratelimit

import "time"

// TokenBucket admits up to capacity tokens in a burst and refills at rate
// tokens per second. It tracks a single theoretical arrival time instead of a
// token count, so refills need no timer and no fractional arithmetic.
//
// TokenBucket is not safe for concurrent use; ConnLimiter serializes access.
type TokenBucket struct {
	clock Clock

	capacity int64
	// interval is the refill time of one token; burst is the refill time of
	// a full bucket.
	interval time.Duration
	burst    time.Duration

	// tat is when the bucket would be full again given everything admitted
	// so far.
	tat time.Time
}

// NewTokenBucket returns a full bucket. A non-positive capacity or rate
// yields a bucket that rejects every positive request.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	b := &TokenBucket{clock: clock, capacity: capacity}
	if capacity > 0 && rate > 0 {
		b.interval = time.Second / time.Duration(rate)
		if b.interval <= 0 {
			b.interval = 1
		}
		b.burst = time.Duration(capacity) * b.interval
	}
	return b
}

// Allow consumes tokens if the bucket holds that many. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	if b.interval == 0 || tokens > b.capacity {
		return false
	}

	now := b.clock.Now()
	tat := b.tat
	if tat.Before(now) {
		tat = now
	}
	next := tat.Add(time.Duration(tokens) * b.interval)
	if next.Sub(now) > b.burst {
		return false
	}
	b.tat = next
	return true
}
