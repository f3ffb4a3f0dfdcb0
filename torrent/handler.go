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
package torrent

import (
	"time"

	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/reactor"
)

// Ensure Torrent satisfies reactor.Handler so it can be registered
// directly against a Reactor for its info hash.
var _ reactor.Handler = (*Torrent)(nil)

// OnPeerReadable flushes any outbound frames queued for peerID. Message
// decoding itself happens on the peer's reader goroutine, which posts
// HandleMessage calls as their own FuncEvents; this hook exists for the
// writer side of the same readiness notification.
func (t *Torrent) OnPeerReadable(peerID core.PeerID) {
	t.flush(peerID)
}

// OnDiskResponse is unused by Torrent directly: read/write/validate
// completions are delivered through the closures passed to the disk
// Dispatcher at submission time, which already carry the context
// (piece, begin, requesting peer) a generic event would have to
// reconstruct. It is kept to satisfy reactor.Handler for components
// that do route through the generic channel.
func (t *Torrent) OnDiskResponse(resp reactor.DiskResponse) {}

// OnTrackerResponse is unused by Torrent directly; new-peer connection
// establishment from a tracker's peer list is owned by the session
// layer, which has access to the socket dialer Torrent deliberately
// does not.
func (t *Torrent) OnTrackerResponse(peers []core.PeerInfo) {}

// OnThrottleTick is a no-op for Torrent: throttle.Limiter's token buckets
// refill from elapsed time, so there is nothing to tick.
func (t *Torrent) OnThrottleTick() {}

// OnThrottleFlush flushes every connected peer's outbound queue. Torrent
// does not consult throttle.Limiter, so no peer is held back by it.
func (t *Torrent) OnThrottleFlush() {
	for id := range t.outqueues {
		t.flush(id)
	}
}

// OnTrackerRefresh re-announces to the tracker by way of the session
// layer's hook, which holds the trackerclient Torrent deliberately does
// not import.
func (t *Torrent) OnTrackerRefresh(now time.Time) {
	if t.hooks.TrackerRefresh != nil {
		t.hooks.TrackerRefresh()
	}
}

// OnChokeRotation reconsiders the unchoked set, ranking candidates by
// upload rate while complete (seeding) or download rate while leeching.
func (t *Torrent) OnChokeRotation(now time.Time) {
	t.rotateChoke(now, t.have.Complete())
}

// OnSessionSerialize persists resume state by way of the session layer's
// hook. It runs on the reactor goroutine, so the hook itself must read
// Torrent's status here and hand the actual disk write off to another
// goroutine rather than block the loop on it.
func (t *Torrent) OnSessionSerialize() {
	if t.hooks.Serialize != nil {
		t.hooks.Serialize()
	}
}

// OnPeerReap disconnects idle or over-age peers.
func (t *Torrent) OnPeerReap(now time.Time) {
	t.Tick(now)
}

// OnRPCLiveness reports current status to rpc subscribers by way of the
// session layer's hook, which owns the rpc.Bus.
func (t *Torrent) OnRPCLiveness() {
	if t.hooks.RPCLiveness != nil {
		t.hooks.RPCLiveness()
	}
}
