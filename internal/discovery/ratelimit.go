// ratelimit.go paces outbound Gamma API requests.
//
// Discovery fans out one search per configured query plus one detail fetch
// per market missing clobTokenIds; with broad queries that can burst into
// hundreds of requests per cycle. A token bucket with continuous refill
// keeps the collector well under the public API limits instead of slamming
// the window edge.
package discovery

import (
	"context"
	"sync"
	"time"
)

// Gamma is a public read-only API; stay conservative.
const (
	gammaBurst  = 20
	gammaPerSec = 5
)

// requestBucket is a token-bucket limiter with fractional continuous
// refill. Wait blocks until a token is available or ctx is cancelled.
type requestBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newRequestBucket(capacity, ratePerSecond float64) *requestBucket {
	return &requestBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait consumes one token, blocking for refill when the bucket is empty.
func (b *requestBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.lastTime).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
