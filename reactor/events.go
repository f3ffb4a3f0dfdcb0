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
package reactor

import "github.com/arcspin/torrentcore/core"

// PeerReadableEvent asks the owning torrent's handler to drive the writer
// for a peer, flushing any queued outbound frames. Decoded messages are
// not carried by this event; connmgr posts them as FuncEvents.
type PeerReadableEvent struct {
	Hash   core.InfoHash
	PeerID core.PeerID
}

// Apply routes the readiness notification to the owning torrent's handler.
func (e PeerReadableEvent) Apply(r *Reactor) {
	if h, ok := r.handlers[e.Hash]; ok {
		h.OnPeerReadable(e.PeerID)
	}
}

// DiskResponseEvent carries a completed disk I/O result back onto the
// loop goroutine.
type DiskResponseEvent struct {
	Resp DiskResponse
}

// Apply forwards the response to the originating torrent's handler.
func (e DiskResponseEvent) Apply(r *Reactor) {
	if h, ok := r.handlers[e.Resp.InfoHash]; ok {
		h.OnDiskResponse(e.Resp)
	}
}

// TrackerResponseEvent carries a completed tracker announce result back
// onto the loop goroutine.
type TrackerResponseEvent struct {
	Hash  core.InfoHash
	Peers []core.PeerInfo
}

// Apply forwards the new peer list to the originating torrent's handler.
func (e TrackerResponseEvent) Apply(r *Reactor) {
	if h, ok := r.handlers[e.Hash]; ok {
		h.OnTrackerResponse(e.Peers)
	}
}

// FuncEvent adapts an arbitrary closure into an Event, used by control-
// plane callers (the session layer) to schedule work such as adding or
// removing a torrent onto the loop goroutine without exposing Reactor
// internals.
type FuncEvent func(*Reactor)

// Apply invokes the wrapped closure.
func (e FuncEvent) Apply(r *Reactor) { e(r) }
