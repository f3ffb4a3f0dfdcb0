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

// Package choke implements the unchoke rotation algorithm: a bounded
// unchoked group and an unbounded interested group, periodically
// reshuffled by transfer rate so that upload capacity goes to whichever
// peers are currently making the best use of it.
package choke

import (
	"math/rand"
	"time"

	"github.com/arcspin/torrentcore/core"
)

// Config configures the choker's capacity and rotation cadence.
type Config struct {
	// UnchokedCapacity bounds how many peers may be unchoked at once.
	UnchokedCapacity int `yaml:"unchoked_capacity"`

	// RotationInterval is how often the slowest unchoked peer is
	// reconsidered for eviction, provided there is contention.
	RotationInterval time.Duration `yaml:"rotation_interval"`
}

func (c Config) applyDefaults() Config {
	if c.UnchokedCapacity == 0 {
		c.UnchokedCapacity = 5
	}
	if c.RotationInterval == 0 {
		c.RotationInterval = 10 * time.Second
	}
	return c
}

// RateFunc reports a peer's current transfer rate, in bytes/sec, used to
// rank candidates for eviction and promotion. The engine supplies download
// rate while leeching and upload rate while seeding.
type RateFunc func(core.PeerID) float64

// Choker tracks which interested peers are currently unchoked.
//
// Choker is NOT thread-safe; the caller (reactor) serializes access.
type Choker struct {
	config Config

	unchoked   map[core.PeerID]struct{}
	interested map[core.PeerID]struct{}

	lastRotation time.Time
	rand         *rand.Rand
}

// New creates a Choker. seed makes eviction/promotion random selection
// reproducible in tests; pass time.Now().UnixNano() in production.
func New(cfg Config, seed int64) *Choker {
	cfg = cfg.applyDefaults()
	return &Choker{
		config:     cfg,
		unchoked:   make(map[core.PeerID]struct{}),
		interested: make(map[core.PeerID]struct{}),
		rand:       rand.New(rand.NewSource(seed)),
	}
}

// OnInterested admits peerID to the interested pool and, if a slot is
// free, immediately unchokes it. Returns whether the peer was just
// unchoked (the caller must send an Unchoke message in that case).
func (c *Choker) OnInterested(peerID core.PeerID) (unchoked bool) {
	c.interested[peerID] = struct{}{}
	if _, ok := c.unchoked[peerID]; ok {
		return false
	}
	if len(c.unchoked) < c.config.UnchokedCapacity {
		c.unchoked[peerID] = struct{}{}
		return true
	}
	return false
}

// OnUninterested removes peerID from both pools. Returns whether the
// peer was unchoked and must now be sent a Choke.
func (c *Choker) OnUninterested(peerID core.PeerID) (wasUnchoked bool) {
	delete(c.interested, peerID)
	if _, ok := c.unchoked[peerID]; ok {
		delete(c.unchoked, peerID)
		return true
	}
	return false
}

// OnDisconnect removes peerID from all bookkeeping.
func (c *Choker) OnDisconnect(peerID core.PeerID) {
	delete(c.interested, peerID)
	delete(c.unchoked, peerID)
}

// Unchoked reports whether peerID currently holds an unchoke slot.
func (c *Choker) Unchoked(peerID core.PeerID) bool {
	_, ok := c.unchoked[peerID]
	return ok
}

// Rotation describes one eviction/promotion swap the caller must act on
// by sending Choke to Evicted and Unchoke to Promoted.
type Rotation struct {
	Evicted  core.PeerID
	Promoted core.PeerID
}

// MaybeRotate evicts the slowest unchoked peer (by rate) in favor of a
// random parked interested peer, but only if RotationInterval has
// elapsed and there is contention (more interested peers than slots). It
// returns ok=false when no rotation occurred.
func (c *Choker) MaybeRotate(now time.Time, rate RateFunc) (Rotation, bool) {
	if now.Sub(c.lastRotation) < c.config.RotationInterval {
		return Rotation{}, false
	}
	c.lastRotation = now

	parked := c.parkedPeers()
	if len(parked) == 0 || len(c.unchoked) < c.config.UnchokedCapacity {
		// No contention: either nobody is waiting, or there's a free slot
		// that OnInterested will fill directly.
		return Rotation{}, false
	}

	slowest, ok := c.slowestUnchoked(rate)
	if !ok {
		return Rotation{}, false
	}

	promoted := parked[c.rand.Intn(len(parked))]

	delete(c.unchoked, slowest)
	c.unchoked[promoted] = struct{}{}

	return Rotation{Evicted: slowest, Promoted: promoted}, true
}

func (c *Choker) parkedPeers() []core.PeerID {
	var parked []core.PeerID
	for id := range c.interested {
		if _, ok := c.unchoked[id]; !ok {
			parked = append(parked, id)
		}
	}
	return parked
}

func (c *Choker) slowestUnchoked(rate RateFunc) (core.PeerID, bool) {
	var slowest core.PeerID
	var slowestRate float64
	found := false
	for id := range c.unchoked {
		r := rate(id)
		if !found || r < slowestRate {
			slowest = id
			slowestRate = r
			found = true
		}
	}
	return slowest, found
}

// UnchokedPeers returns a snapshot of currently unchoked peer ids.
func (c *Choker) UnchokedPeers() []core.PeerID {
	ids := make([]core.PeerID, 0, len(c.unchoked))
	for id := range c.unchoked {
		ids = append(ids, id)
	}
	return ids
}
