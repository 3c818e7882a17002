// Package ratelimit provides the per-class token buckets that pace every
// gateway RPC. Buckets never block on acquire; callers poll TryAcquire
// through Wait, which sleeps in short jittered intervals.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket with per-minute refill and burst capacity.
type Bucket struct {
	limiter *rate.Limiter
	name    string
}

// NewBucket creates a bucket refilling perMinute tokens per minute with
// the given burst capacity.
func NewBucket(name string, perMinute, burst int) *Bucket {
	if burst < 1 {
		burst = 1
	}
	rps := float64(perMinute) / 60.0
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		name:    name,
	}
}

// Name returns the bucket's class name.
func (b *Bucket) Name() string { return b.name }

// TryAcquire takes n tokens if available without blocking.
func (b *Bucket) TryAcquire(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// Wait polls TryAcquire until a token is granted or the context ends.
// Poll intervals are 100-500ms with jitter.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		if b.TryAcquire(1) {
			return nil
		}
		sleep := 100*time.Millisecond + time.Duration(rand.Int64N(int64(400*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Class bundles a bucket with its concurrency bound.
type Class struct {
	*Bucket
	MaxConcurrent int
}

// Classes holds the three independent request classes.
type Classes struct {
	Discovery  Class
	Snapshot   Class
	Historical Class
}

// ClassConfig is one class definition.
type ClassConfig struct {
	PerMinute     int
	Burst         int
	MaxConcurrent int
}

// NewClasses builds the standard three classes.
func NewClasses(discovery, snapshot, historical ClassConfig) *Classes {
	mk := func(name string, c ClassConfig) Class {
		mc := c.MaxConcurrent
		if mc < 1 {
			mc = 1
		}
		return Class{Bucket: NewBucket(name, c.PerMinute, c.Burst), MaxConcurrent: mc}
	}
	return &Classes{
		Discovery:  mk("discovery", discovery),
		Snapshot:   mk("snapshot", snapshot),
		Historical: mk("historical", historical),
	}
}
