package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket gates venue calls. Callers cooperatively block on Wait up to
// maxWait; past that the call fails with ErrRateLimited instead of queueing
// unboundedly.
type tokenBucket struct {
	lim     *rate.Limiter
	maxWait time.Duration
}

// newTokenBucket allows perMinute calls with a burst of perMinute/10
// (minimum 1).
func newTokenBucket(perMinute int, maxWait time.Duration) *tokenBucket {
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		lim:     rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		maxWait: maxWait,
	}
}

// take blocks until a token is available, the ceiling elapses, or ctx ends.
func (b *tokenBucket) take(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, b.maxWait)
	defer cancel()

	if err := b.lim.Wait(wctx); err != nil {
		// Distinguish our ceiling from caller cancellation.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}
	return nil
}
