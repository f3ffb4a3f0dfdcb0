// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package throttle implements the engine's process-wide upload/download
// token buckets. Unlike a blocking rate.Limiter.Wait, TryConsume never
// blocks the single-threaded reactor: a peer that cannot be granted tokens
// is reported to the caller, who is responsible for re-arming it once the
// bucket refills.
package throttle

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures one direction (upload or download) of a Limiter.
type Config struct {
	// BytesPerSec is the sustained rate. Zero means unlimited, though
	// bookkeeping (counters) still occurs.
	BytesPerSec int64 `yaml:"bytes_per_sec"`

	// MaxBurstBytes caps how many bytes may be consumed in a single burst.
	MaxBurstBytes int64 `yaml:"max_burst_bytes"`
}

func (c Config) applyDefaults() Config {
	if c.MaxBurstBytes == 0 {
		c.MaxBurstBytes = 256 * 1024
	}
	return c
}

// ErrBurstTooLarge is returned when a single request exceeds the bucket's
// maximum burst size; it can never succeed, regardless of wait time.
var ErrBurstTooLarge = errors.New("throttle: requested bytes exceed bucket capacity")

// bucket wraps one direction's rate.Limiter; a zero configured rate makes
// it unlimited instead. The blocked set of peers lives on Limiter.
type bucket struct {
	limiter   *rate.Limiter
	unlimited bool
}

func newBucket(bytesPerSec, maxBurst int64) *bucket {
	if bytesPerSec <= 0 {
		return &bucket{unlimited: true}
	}
	return &bucket{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(maxBurst))}
}

func (b *bucket) tryConsume(n int64) (bool, error) {
	if b.unlimited {
		return true, nil
	}
	if n > int64(b.limiter.Burst()) {
		return false, ErrBurstTooLarge
	}
	return b.limiter.AllowN(time.Now(), int(n)), nil
}

func (b *bucket) release(n int64) {
	if b.unlimited || n <= 0 {
		return
	}
	// rate.Limiter has no native refund operation. AllowN(now, 0) forces it
	// to advance its internal token count for the elapsed time without
	// consuming any, then we nudge its burst back up by reserving and
	// immediately cancelling a reservation sized n, crediting the bucket.
	r := b.limiter.ReserveN(time.Now(), int(n))
	r.CancelAt(time.Now())
}

func (b *bucket) setRate(bytesPerSec int64) {
	if b.unlimited {
		return
	}
	if bytesPerSec == 0 {
		b.limiter.SetLimit(rate.Inf)
		return
	}
	b.limiter.SetLimit(rate.Limit(bytesPerSec))
}

// Limiter bounds upload and download byte rates for the whole engine. It is
// shared by reference among every peer on the reactor's thread; because the
// reactor is single-threaded, no additional locking is required for the
// TryConsume fast path, but the limiter itself is safe to adjust
// concurrently from a control-plane goroutine.
type Limiter struct {
	mu      sync.Mutex
	up      *bucket
	down    *bucket
	blocked map[blockedKey]struct{}
}

type direction int

// Directions a peer may be throttled in.
const (
	Upload direction = iota
	Download
)

type blockedKey struct {
	peer string
	dir  direction
}

// New creates a Limiter from upload/download configs.
func New(up, down Config) *Limiter {
	up = up.applyDefaults()
	down = down.applyDefaults()
	return &Limiter{
		up:      newBucket(up.BytesPerSec, up.MaxBurstBytes),
		down:    newBucket(down.BytesPerSec, down.MaxBurstBytes),
		blocked: make(map[blockedKey]struct{}),
	}
}

// TryConsume attempts to deduct n bytes from the given direction's bucket
// for peerID. On failure, peerID is added to the blocked set for that
// direction so a periodic sweep can re-arm it once capacity frees up. A
// non-nil error (ErrBurstTooLarge) means no amount of waiting will ever
// satisfy this request; the caller should fail it outright rather than
// count on a future re-arm.
func (l *Limiter) TryConsume(peerID string, dir direction, n int64) (bool, error) {
	b := l.bucketFor(dir)
	ok, err := b.tryConsume(n)
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		delete(l.blocked, blockedKey{peerID, dir})
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Lock()
	l.blocked[blockedKey{peerID, dir}] = struct{}{}
	l.mu.Unlock()
	return false, nil
}

// Release returns n unused bytes to the given direction's bucket, for a
// peer that issued an I/O call which completed with fewer bytes than
// requested.
func (l *Limiter) Release(dir direction, n int64) {
	l.bucketFor(dir).release(n)
}

// DrainBlocked returns and clears the set of peer ids currently blocked in
// the given direction. No package in this module calls it (nor
// TryConsume); the reactor's throttle-flush job reaches Torrent, which
// flushes every peer's outbound queue without consulting the Limiter.
func (l *Limiter) DrainBlocked(dir direction) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for k := range l.blocked {
		if k.dir == dir {
			ids = append(ids, k.peer)
			delete(l.blocked, k)
		}
	}
	return ids
}

// Adjust sets both directions' sustained rates in bytes per second. Zero
// means unlimited and a negative rate is rejected. A direction that New
// created unlimited (zero BytesPerSec) stays unlimited; Adjust does not
// put a limit on it.
func (l *Limiter) Adjust(upBytesPerSec, downBytesPerSec int64) error {
	if upBytesPerSec < 0 || downBytesPerSec < 0 {
		return errors.New("throttle: rate must be non-negative")
	}
	l.up.setRate(upBytesPerSec)
	l.down.setRate(downBytesPerSec)
	return nil
}

func (l *Limiter) bucketFor(dir direction) *bucket {
	if dir == Upload {
		return l.up
	}
	return l.down
}
