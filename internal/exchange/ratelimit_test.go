package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	// 600/min = 10/s with burst 60.
	b := newTokenBucket(600, time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		require.NoError(t, b.take(ctx))
	}
}

func TestTokenBucketBoundedWait(t *testing.T) {
	// 6/min with burst 1: the second call would need ~10s.
	b := newTokenBucket(6, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.take(ctx))

	start := time.Now()
	err := b.take(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTokenBucketCallerCancellation(t *testing.T) {
	b := newTokenBucket(6, time.Minute)
	require.NoError(t, b.take(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := b.take(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
