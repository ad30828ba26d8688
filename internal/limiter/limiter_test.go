package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketBurstUpToCapacity(t *testing.T) {
	b := NewBucket(2)
	now := time.Now()
	b.now = func() time.Time { return now }

	ok, _ := b.Try()
	require.True(t, ok)
	ok, _ = b.Try()
	require.True(t, ok)

	ok, wait := b.Try()
	assert.False(t, ok, "third take must exceed capacity")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 30*time.Second+time.Second)
}

func TestBucketRefillsOverTime(t *testing.T) {
	b := NewBucket(2) // one token every 30s
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, _ := b.Try()
		require.True(t, ok)
	}
	ok, _ := b.Try()
	require.False(t, ok)

	now = now.Add(30 * time.Second)
	ok, _ = b.Try()
	assert.True(t, ok, "one token must refill after 30s at 2/min")

	ok, _ = b.Try()
	assert.False(t, ok, "refill must not exceed elapsed*rate")
}

func TestBucketTokensCapAtCapacity(t *testing.T) {
	b := NewBucket(3)
	now := time.Now()
	b.now = func() time.Time { return now }

	// Idle for far longer than a full refill cycle.
	now = now.Add(time.Hour)

	taken := 0
	for i := 0; i < 10; i++ {
		if ok, _ := b.Try(); ok {
			taken++
		}
	}
	assert.Equal(t, 3, taken, "idle accumulation is bounded by capacity")
}

func TestBucketClampsNonPositiveLimit(t *testing.T) {
	b := NewBucket(0)
	ok, _ := b.Try()
	assert.True(t, ok)
	ok, _ = b.Try()
	assert.False(t, ok)
}

func TestWaitHonorsContextDeadline(t *testing.T) {
	b := NewBucket(1)
	ok, _ := b.Try()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Wait(ctx)
	assert.Error(t, err, "empty bucket cannot yield within the deadline")
}

func TestRegistrySharesBucketPerChannel(t *testing.T) {
	r := NewRegistry()

	a := r.Bucket("#general", 5)
	b := r.Bucket("#general", 99)
	c := r.Bucket("#other", 5)

	assert.Same(t, a, b, "jobs targeting the same channel share one bucket")
	assert.NotSame(t, a, c)
}
