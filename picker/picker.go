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

// Package picker selects which block to request next from which peer. It
// factors a shared block-bookkeeping table out from the piece-selection
// policy, which is swappable between sequential and rarest-first.
package picker

import (
	"time"

	"github.com/arcspin/torrentcore/bitfield"
	"github.com/arcspin/torrentcore/core"
)

// Request records who asked for a block and when, so that duplicate
// endgame requests can be credited or blamed and stale requests expired.
type Request struct {
	PeerID      core.PeerID
	RequestedAt time.Time
}

// Downloading tracks in-flight progress for one piece that has at least
// one block requested or completed.
type Downloading struct {
	Piece     int
	NumBlocks int
	Completed []bool
	Requested [][]Request
}

func newDownloading(piece, length, pieceLength int) *Downloading {
	n := numBlocks(length, pieceLength)
	return &Downloading{
		Piece:     piece,
		NumBlocks: n,
		Completed: make([]bool, n),
		Requested: make([][]Request, n),
	}
}

func numBlocks(totalLength, pieceLength int) int {
	const blockSize = 16384
	n := pieceLength / blockSize
	if pieceLength%blockSize != 0 {
		n++
	}
	return n
}

func (d *Downloading) fullyRequested() bool {
	for _, reqs := range d.Requested {
		if len(reqs) == 0 {
			return false
		}
	}
	return true
}

func (d *Downloading) fullyCompleted() bool {
	for _, c := range d.Completed {
		if !c {
			return false
		}
	}
	return true
}

// strategy selects which piece a peer should be offered next.
type strategy interface {
	// next returns the index of a piece the peer holds that isn't already
	// being downloaded, or ok=false if none remain.
	next(peerHas *bitfield.Bitfield, inProgress map[int]bool, have *bitfield.Bitfield) (piece int, ok bool)
	onPieceComplete(piece int)
	onAvailabilityChange(piece int, delta int)
}

// Config configures picker policy.
type Config struct {
	RarestFirst bool `yaml:"rarest_first"`

	// EndgameThreshold is the number of remaining incomplete pieces at or
	// below which duplicate in-flight requests are permitted.
	EndgameThreshold int `yaml:"endgame_threshold"`

	// RequestTimeout bounds how long an outstanding request is honored
	// before being considered expired and eligible for re-issue.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 20
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Manager owns the shared block-bookkeeping table and delegates
// piece-selection decisions to a strategy.
type Manager struct {
	config      Config
	pieceLength int
	totalLength int64
	numPieces   int

	have     *bitfield.Bitfield
	strategy strategy

	downloading map[int]*Downloading
}

// NewManager constructs a Manager for a torrent with the given piece
// geometry and the local completion bitfield (shared by reference: the
// Manager observes it, never mutates it).
func NewManager(cfg Config, numPieces, pieceLength int, totalLength int64, have *bitfield.Bitfield) *Manager {
	cfg = cfg.applyDefaults()

	var s strategy
	if cfg.RarestFirst {
		s = newRarestFirst(numPieces)
	} else {
		s = newSequential(numPieces)
	}

	return &Manager{
		config:      cfg,
		pieceLength: pieceLength,
		totalLength: totalLength,
		numPieces:   numPieces,
		have:        have,
		strategy:    s,
		downloading: make(map[int]*Downloading),
	}
}

// OnPeerHave updates availability bookkeeping for the rarest-first
// strategy when a peer announces, via Bitfield or Have, that it holds
// piece.
func (m *Manager) OnPeerHave(piece int) {
	m.strategy.onAvailabilityChange(piece, 1)
}

// OnPeerGone decrements availability for every piece the disconnecting
// peer held.
func (m *Manager) OnPeerGone(peerHas *bitfield.Bitfield) {
	for i := 0; i < m.numPieces; i++ {
		if peerHas.Has(i) {
			m.strategy.onAvailabilityChange(i, -1)
		}
	}
}

// pieceLengthAt returns the byte length of piece i, accounting for the
// final piece potentially being shorter.
func (m *Manager) pieceLengthAt(i int) int {
	if i < m.numPieces-1 {
		return m.pieceLength
	}
	last := m.totalLength - int64(m.pieceLength)*int64(m.numPieces-1)
	return int(last)
}

// BlockRequest is a single block offered to a peer.
type BlockRequest struct {
	Piece  int
	Begin  uint32
	Length uint32
}

// ReservePieces returns up to n block requests to issue to peerID, given
// the pieces it holds (peerHas) and which blocks it already has
// outstanding (assigned). Endgame permits handing out blocks that already
// have an outstanding request from a different peer once the number of
// incomplete pieces drops to or below EndgameThreshold.
func (m *Manager) ReservePieces(peerID core.PeerID, peerHas *bitfield.Bitfield, n int, now time.Time) []BlockRequest {
	var out []BlockRequest
	endgame := m.incompletePieces() <= m.config.EndgameThreshold

	for len(out) < n {
		req, ok := m.reserveOne(peerID, peerHas, now, endgame)
		if !ok {
			break
		}
		out = append(out, req)
	}
	return out
}

func (m *Manager) incompletePieces() int {
	n := 0
	for i := 0; i < m.numPieces; i++ {
		if !m.have.Has(i) {
			n++
		}
	}
	return n
}

func (m *Manager) reserveOne(peerID core.PeerID, peerHas *bitfield.Bitfield, now time.Time, endgame bool) (BlockRequest, bool) {
	inProgress := make(map[int]bool, len(m.downloading))
	for p := range m.downloading {
		inProgress[p] = true
	}

	// First prefer a piece already in flight that this peer can help with.
	for piece, d := range m.downloading {
		if !peerHas.Has(piece) {
			continue
		}
		if blk, ok := pickBlock(d, peerID, endgame); ok {
			d.Requested[blk] = append(d.Requested[blk], Request{PeerID: peerID, RequestedAt: now})
			if d.fullyRequested() {
				m.strategy.onPieceComplete(piece)
			}
			return blockRequestFor(m, d, blk), true
		}
	}

	// Otherwise start a new piece via the strategy.
	piece, ok := m.strategy.next(peerHas, inProgress, m.have)
	if !ok {
		return BlockRequest{}, false
	}
	d := newDownloading(piece, int(m.pieceLengthAt(piece)), m.pieceLength)
	m.downloading[piece] = d
	blk, ok := pickBlock(d, peerID, endgame)
	if !ok {
		return BlockRequest{}, false
	}
	d.Requested[blk] = append(d.Requested[blk], Request{PeerID: peerID, RequestedAt: now})
	return blockRequestFor(m, d, blk), true
}

func pickBlock(d *Downloading, peerID core.PeerID, endgame bool) (int, bool) {
	for i, completed := range d.Completed {
		if completed {
			continue
		}
		alreadyAssigned := false
		for _, r := range d.Requested[i] {
			if r.PeerID == peerID {
				alreadyAssigned = true
				break
			}
		}
		if alreadyAssigned {
			continue
		}
		if len(d.Requested[i]) == 0 || endgame {
			return i, true
		}
	}
	return 0, false
}

func blockRequestFor(m *Manager, d *Downloading, blockIdx int) BlockRequest {
	const blockSize = 16384
	begin := blockIdx * blockSize
	length := blockSize
	pieceLen := m.pieceLengthAt(d.Piece)
	if begin+length > pieceLen {
		length = pieceLen - begin
	}
	return BlockRequest{Piece: d.Piece, Begin: uint32(begin), Length: uint32(length)}
}

// OnBlockReceived marks a block complete and returns whether the whole
// piece is now complete along with the list of peers who had outstanding
// requests for that block, so the engine can issue Cancels to the losers
// in endgame.
func (m *Manager) OnBlockReceived(piece int, begin uint32) (pieceComplete bool, otherRequesters []core.PeerID) {
	d, ok := m.downloading[piece]
	if !ok {
		return false, nil
	}
	const blockSize = 16384
	idx := int(begin) / blockSize
	if idx < 0 || idx >= len(d.Completed) {
		return false, nil
	}
	d.Completed[idx] = true
	for _, r := range d.Requested[idx] {
		otherRequesters = append(otherRequesters, r.PeerID)
	}

	if d.fullyCompleted() {
		delete(m.downloading, piece)
		return true, otherRequesters
	}
	return false, otherRequesters
}

// Invalidate removes a piece's in-flight bookkeeping after a hash
// verification failure and re-admits it to the selection strategy.
func (m *Manager) Invalidate(piece int) {
	delete(m.downloading, piece)
	m.strategy.onAvailabilityChange(piece, 0)
}

// ExpireStaleRequests drops outstanding requests older than
// RequestTimeout, making their blocks eligible for re-request.
func (m *Manager) ExpireStaleRequests(now time.Time) {
	for _, d := range m.downloading {
		for i, reqs := range d.Requested {
			if d.Completed[i] || len(reqs) == 0 {
				continue
			}
			kept := reqs[:0]
			for _, r := range reqs {
				if now.Sub(r.RequestedAt) < m.config.RequestTimeout {
					kept = append(kept, r)
				}
			}
			d.Requested[i] = kept
		}
	}
}

// ExpirePeer drops every outstanding request attributed to peerID, e.g.
// after a disconnect, so its blocks can be re-requested elsewhere.
func (m *Manager) ExpirePeer(peerID core.PeerID) {
	for _, d := range m.downloading {
		for i, reqs := range d.Requested {
			kept := reqs[:0]
			for _, r := range reqs {
				if r.PeerID != peerID {
					kept = append(kept, r)
				}
			}
			d.Requested[i] = kept
		}
	}
}
