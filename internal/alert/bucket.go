package alert

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket holding at most capacity tokens and refilling at
// refillPerSecond. It starts full.
type Bucket struct {
	limiter  *rate.Limiter
	capacity int
}

// NewBucket returns a full bucket. A non-positive capacity yields a bucket that
// never admits. A refill rate of zero never refills.
func NewBucket(capacity int, refillPerSecond float64) *Bucket {
	if capacity < 0 {
		capacity = 0
	}
	if refillPerSecond < 0 {
		refillPerSecond = 0
	}
	return &Bucket{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
	}
}

// Take debits one token at now if one is available.
func (b *Bucket) Take(now time.Time) bool {
	if b.capacity == 0 {
		return false
	}
	return b.limiter.AllowN(now, 1)
}

// Tokens reports the tokens available at now.
func (b *Bucket) Tokens(now time.Time) float64 {
	tokens := b.limiter.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return tokens
}

func (b *Bucket) Capacity() int { return b.capacity }
