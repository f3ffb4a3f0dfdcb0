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

// Package connstate implements the per-peer wire protocol state machine
// (§4.2) and the per-torrent admission bookkeeping (pending/active/
// blacklisted connections) that governs it.
package connstate

import (
	"time"

	"github.com/arcspin/torrentcore/bitfield"
	"github.com/arcspin/torrentcore/core"
)

// Phase is a peer connection's position in the BEP 3 handshake/choke
// lifecycle.
type Phase int

// Peer phases.
const (
	Initial Phase = iota
	Valid
	AwaitingUnchoke
	Unchoked
	AwaitingPiece
	Seeding
)

func (p Phase) String() string {
	switch p {
	case Initial:
		return "initial"
	case Valid:
		return "valid"
	case AwaitingUnchoke:
		return "awaiting_unchoke"
	case Unchoked:
		return "unchoked"
	case AwaitingPiece:
		return "awaiting_piece"
	case Seeding:
		return "seeding"
	default:
		return "unknown"
	}
}

const emaAlpha = 0.2

// Peer is the mutable state the engine tracks for one connected remote peer
// within a single torrent.
type Peer struct {
	PeerID   core.PeerID
	Addr     string
	DHT      bool
	Phase    Phase

	Bitfield *bitfield.Bitfield

	LocalChoke     bool
	LocalInterest  bool
	RemoteChoke    bool
	RemoteInterest bool

	InFlight  int
	MaxQueue  int
	downEMA   float64
	upEMA     float64
	lastSeen  time.Time
}

// NewPeer creates a Peer in the Initial phase, choked and uninterested in
// both directions per BEP 3 defaults, with a conservative starting queue
// depth.
func NewPeer(id core.PeerID, addr string, numPieces int) *Peer {
	return &Peer{
		PeerID:        id,
		Addr:          addr,
		Phase:         Initial,
		Bitfield:      bitfield.New(numPieces),
		LocalChoke:    true,
		RemoteChoke:   true,
		MaxQueue:      2,
	}
}

// MarkValid transitions a peer out of Initial after a successful handshake.
func (p *Peer) MarkValid() {
	p.Phase = Valid
}

// OnLocalUnchoke records that we have unchoked the peer.
func (p *Peer) OnLocalUnchoke() {
	p.LocalChoke = false
}

// OnLocalChoke records that we have choked the peer, which per BEP 3 implies
// discarding any Requests it has made of us.
func (p *Peer) OnLocalChoke() {
	p.LocalChoke = true
}

// OnRemoteChoke handles a Choke received from the peer: in-flight requests
// are voided since the remote will not answer them, and the peer becomes
// non-downloadable until unchoked again.
func (p *Peer) OnRemoteChoke() {
	p.RemoteChoke = true
	p.InFlight = 0
	if p.Phase == Unchoked || p.Phase == AwaitingPiece {
		p.Phase = AwaitingUnchoke
	}
}

// OnRemoteUnchoke handles an Unchoke received from the peer.
func (p *Peer) OnRemoteUnchoke() {
	p.RemoteChoke = false
	if p.Phase == Valid || p.Phase == AwaitingUnchoke {
		p.Phase = Unchoked
	}
}

// OnRemoteInterested records that the peer is interested in our pieces.
func (p *Peer) OnRemoteInterested() {
	p.RemoteInterest = true
}

// OnRemoteUninterested records that the peer is no longer interested.
func (p *Peer) OnRemoteUninterested() {
	p.RemoteInterest = false
}

// Downloadable reports whether we may issue new block requests to this
// peer: it has not choked us. Whether it holds a piece we lack is not
// checked here.
func (p *Peer) Downloadable() bool {
	return !p.RemoteChoke
}

// WantFromUs reports whether we may service Requests from this peer: we
// must not have choked it.
func (p *Peer) WantFromUs() bool {
	return !p.LocalChoke
}

// RecordBlockReceived decrements the in-flight counter and folds nbytes
// into the download EMA, then recomputes the adaptive request queue depth
// per §4.2's formula. Should be called once per second at minimum cadence;
// callers that call it more or less often still converge, just faster or
// slower.
func (p *Peer) RecordBlockReceived(nbytes int) {
	if p.InFlight > 0 {
		p.InFlight--
	}
	p.downEMA = emaAlpha*float64(nbytes) + (1-emaAlpha)*p.downEMA
	p.recomputeMaxQueue()
}

// RecordBytesUploaded folds nbytes into the upload EMA, used by the choker
// to rank peers while seeding.
func (p *Peer) RecordBytesUploaded(nbytes int) {
	p.upEMA = emaAlpha*float64(nbytes) + (1-emaAlpha)*p.upEMA
}

// DownloadRate returns the current EMA download rate in bytes/sec.
func (p *Peer) DownloadRate() float64 { return p.downEMA }

// UploadRate returns the current EMA upload rate in bytes/sec.
func (p *Peer) UploadRate() float64 { return p.upEMA }

func (p *Peer) recomputeMaxQueue() {
	const kib = 1024
	rateKiBps := p.downEMA / kib

	var target int
	if rateKiBps < 20 {
		target = int(rateKiBps) + 2
	} else {
		target = int(rateKiBps/5) + 18
	}

	prev := p.MaxQueue
	if target < prev-15 {
		target = prev - 15
	}
	if target > prev+50 {
		target = prev + 50
	}
	if target < 1 {
		target = 1
	}
	if target > 400 {
		target = 400
	}
	p.MaxQueue = target
}

// WantsMore returns how many additional blocks should be requested from
// this peer right now, given its current in-flight count.
func (p *Peer) WantsMore() int {
	n := p.MaxQueue - p.InFlight
	if n < 1 {
		return 1
	}
	return n
}

// Touch records activity for idle-timeout purposes.
func (p *Peer) Touch(now time.Time) {
	p.lastSeen = now
}

// Idle reports whether the peer has been inactive for at least d.
func (p *Peer) Idle(now time.Time, d time.Duration) bool {
	return now.Sub(p.lastSeen) >= d
}
