package ratelimit

import "sync"

// ConnLimiter enforces a per-connection inbound message rate. Each connection
// gets its own bucket holding one second's worth of burst.
type ConnLimiter struct {
	clock Clock
	rate  int64

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

// NewConnLimiter returns a limiter allowing perSecond messages per connection.
// A non-positive rate disables limiting.
func NewConnLimiter(clock Clock, perSecond int) *ConnLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	return &ConnLimiter{
		clock:   clock,
		rate:    int64(perSecond),
		buckets: make(map[string]*TokenBucket),
	}
}

// Allow consumes one message token for connID.
func (l *ConnLimiter) Allow(connID string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[connID]
	if !ok {
		b = NewTokenBucket(l.clock, l.rate, l.rate)
		l.buckets[connID] = b
	}
	l.mu.Unlock()
	return b.Allow(1)
}

// Forget drops connID's bucket. Call it when the connection closes.
func (l *ConnLimiter) Forget(connID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, connID)
	l.mu.Unlock()
}

// Len reports the number of tracked connections.
func (l *ConnLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
