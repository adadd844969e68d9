// Package limits provides per-connection inbound message rate limiting on
// token buckets.
package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// MessageLimiter holds one token bucket per connection. A bucket allows a
// configured burst and refills at a sustained per-second rate. Entries must
// be removed on disconnect.
type MessageLimiter struct {
	ratePerSec rate.Limit
	burst      int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewMessageLimiter builds a limiter allowing burst messages at once and
// ratePerSec sustained. Non-positive values disable limiting.
func NewMessageLimiter(ratePerSec float64, burst int) *MessageLimiter {
	return &MessageLimiter{
		ratePerSec: rate.Limit(ratePerSec),
		burst:      burst,
		buckets:    make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token for the connection, creating its bucket on first
// use.
func (l *MessageLimiter) Allow(connID string) bool {
	if l == nil || l.ratePerSec <= 0 || l.burst <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[connID]
	if !ok {
		b = rate.NewLimiter(l.ratePerSec, l.burst)
		l.buckets[connID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Remove drops the connection's bucket. Required on disconnect to keep the
// table bounded by live connections.
func (l *MessageLimiter) Remove(connID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, connID)
	l.mu.Unlock()
}

// Len reports the number of tracked connections.
func (l *MessageLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
