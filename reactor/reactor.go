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

// Package reactor implements the single-threaded cooperative event loop
// that serializes every state mutation in the engine: peer readiness,
// disk responses, tracker responses, and job-wheel timers all funnel
// through one goroutine via a single events channel, exactly as a real
// poll-based reactor would dispatch readiness events synchronously.
//
// Per-peer socket I/O cannot be made non-blocking in user space with
// Go's net.Conn, so instead dedicated reader/writer goroutines block on
// the socket and post decoded events back onto the reactor's channel.
// The single-dispatch invariant is preserved because apply() is only
// ever called from the loop goroutine.
package reactor

import (
	"errors"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/arcspin/torrentcore/core"
	"go.uber.org/zap"
)

// ErrReactorStopped is returned by Send when the reactor has already shut
// down.
var ErrReactorStopped = errors.New("reactor: stopped")

// Event mutates Reactor-owned state. It is guaranteed exclusive access
// while apply runs.
type Event interface {
	Apply(*Reactor)
}

// Handler receives the torrent-level callbacks the job wheel and network
// events drive. One Handler is registered per torrent info hash.
type Handler interface {
	OnPeerReadable(peerID core.PeerID)
	OnDiskResponse(req DiskResponse)
	OnTrackerResponse(peers []core.PeerInfo)
	OnThrottleTick()
	OnThrottleFlush()
	OnTrackerRefresh(now time.Time)
	OnChokeRotation(now time.Time)
	OnSessionSerialize()
	OnPeerReap(now time.Time)
	OnRPCLiveness()
}

// DiskResponseKind distinguishes which disk operation a DiskResponse
// reports the outcome of.
type DiskResponseKind int

// Kinds of disk operations a torrent's handler may be notified about.
const (
	DiskWriteDone DiskResponseKind = iota
	DiskReadDone
	DiskValidateDone
)

// DiskResponse is a completed disk I/O result routed back to its
// originating torrent.
type DiskResponse struct {
	Kind      DiskResponseKind
	InfoHash  core.InfoHash
	Piece     int
	Begin     uint32
	Data      []byte
	Validated bool
	Err       error
}

// Reactor is the engine's central event loop.
type Reactor struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger

	events chan Event
	done   chan struct{}

	handlers map[core.InfoHash]Handler
}

// New creates a Reactor. It does not start running until Run is called.
func New(cfg Config, clk clock.Clock, logger *zap.SugaredLogger) *Reactor {
	return &Reactor{
		config:   cfg.applyDefaults(),
		clk:      clk,
		logger:   logger,
		events:   make(chan Event),
		done:     make(chan struct{}),
		handlers: make(map[core.InfoHash]Handler),
	}
}

// Register associates h with hash so job-wheel ticks and routed
// responses reach it. Must be called from the loop goroutine (i.e. from
// inside an Event.Apply), since the handler map is reactor-owned state.
func (r *Reactor) Register(hash core.InfoHash, h Handler) {
	r.handlers[hash] = h
}

// Deregister removes a torrent's handler, e.g. on removal, so subsequent
// job-wheel ticks skip it.
func (r *Reactor) Deregister(hash core.InfoHash) {
	delete(r.handlers, hash)
}

// Handlers returns a snapshot of every registered handler, used by
// callers that need to act on all torrents, e.g. on shutdown.
func (r *Reactor) Handlers() map[core.InfoHash]Handler {
	out := make(map[core.InfoHash]Handler, len(r.handlers))
	for k, v := range r.handlers {
		out[k] = v
	}
	return out
}

// Send enqueues e for the loop goroutine to apply on its next iteration.
// Safe to call from any goroutine, including peer reader/writer loops.
func (r *Reactor) Send(e Event) error {
	select {
	case r.events <- e:
		return nil
	case <-r.done:
		return ErrReactorStopped
	}
}

// Stop halts the loop after its current iteration.
func (r *Reactor) Stop() {
	close(r.done)
}

// Run blocks, dispatching events and job-wheel ticks one at a time until
// Stop is called. It should be invoked from its own goroutine.
func (r *Reactor) Run() {
	throttleTick := r.clk.Tick(r.config.ThrottleTickInterval)
	throttleFlush := r.clk.Tick(r.config.ThrottleFlushInterval)
	trackerRefresh := r.clk.Tick(r.config.TrackerRefreshInterval)
	chokeRotation := r.clk.Tick(r.config.ChokeRotationInterval)
	sessionSerialize := r.clk.Tick(r.config.SessionSerializeInterval)
	peerReap := r.clk.Tick(r.config.PeerReapInterval)
	rpcLiveness := r.clk.Tick(r.config.RPCLivenessInterval)

	for {
		select {
		case e := <-r.events:
			e.Apply(r)

		case <-throttleTick:
			r.forEachHandler(func(h Handler) { h.OnThrottleTick() })

		case <-throttleFlush:
			r.forEachHandler(func(h Handler) { h.OnThrottleFlush() })

		case now := <-trackerRefresh:
			r.forEachHandler(func(h Handler) { h.OnTrackerRefresh(now) })

		case now := <-chokeRotation:
			r.forEachHandler(func(h Handler) { h.OnChokeRotation(now) })

		case <-sessionSerialize:
			r.forEachHandler(func(h Handler) { h.OnSessionSerialize() })

		case now := <-peerReap:
			r.forEachHandler(func(h Handler) { h.OnPeerReap(now) })

		case <-rpcLiveness:
			r.forEachHandler(func(h Handler) { h.OnRPCLiveness() })

		case <-r.done:
			return
		}
	}
}

func (r *Reactor) forEachHandler(f func(Handler)) {
	for _, h := range r.handlers {
		f(h)
	}
}
