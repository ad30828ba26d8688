package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket sized from an uploads-per-minute figure: burst
// capacity equals the per-minute limit, tokens refill evenly across the
// minute and accumulate up to capacity while idle.
type Bucket struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewBucket builds a bucket for the given uploads-per-minute limit.
// Non-positive limits are clamped to one upload per minute.
func NewBucket(perMinute int) *Bucket {
	if perMinute < 1 {
		perMinute = 1
	}
	return &Bucket{
		lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		now: time.Now,
	}
}

// Try takes a token if one is available right now. When the bucket is empty
// it leaves the bucket untouched and reports how long until the next token,
// so the caller can decide to block or defer.
func (b *Bucket) Try() (bool, time.Duration) {
	now := b.now()
	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	r := b.lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Wait blocks until a token is available or the context is done. The context
// deadline bounds the wait in one-shot mode.
func (b *Bucket) Wait(ctx context.Context) error {
	return b.lim.Wait(ctx)
}

// Registry hands out one shared Bucket per channel so that multiple folder
// jobs posting to the same channel never over-issue tokens between them.
// The rate.Limiter serializes its own token accounting.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// Bucket returns the limiter for a channel, creating it on first use. The
// first job to reference a channel fixes its rate; later jobs share it.
func (r *Registry) Bucket(channel string, perMinute int) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[channel]; ok {
		return b
	}
	b := NewBucket(perMinute)
	r.buckets[channel] = b
	return b
}
