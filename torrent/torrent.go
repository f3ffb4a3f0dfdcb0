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
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/arcspin/torrentcore/bitfield"
	"github.com/arcspin/torrentcore/choke"
	"github.com/arcspin/torrentcore/connstate"
	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/disk"
	"github.com/arcspin/torrentcore/metainfo"
	"github.com/arcspin/torrentcore/picker"
	"github.com/arcspin/torrentcore/reactor"
	"github.com/arcspin/torrentcore/throttle"
	"github.com/arcspin/torrentcore/wire"
	"go.uber.org/zap"
)

// Protocol errors, each of which is fatal to the offending connection.
var (
	ErrNotValid        = errors.New("torrent: message received before handshake validated")
	ErrChokedRequest   = errors.New("torrent: peer sent request while we have it choked")
	ErrUnknownPeer     = errors.New("torrent: message from an unregistered peer")
	ErrAlreadyReceived = errors.New("torrent: peer sent a second bitfield")
)

// FrameSender delivers an outbound frame to a connected peer's socket. A
// real implementation lives alongside the per-peer writer goroutine;
// tests substitute a recording fake.
type FrameSender interface {
	Send(peerID core.PeerID, m wire.Message)

	// Close tears down peerID's underlying connection. Callers invoke
	// this once they've decided the peer is gone (idle reap, protocol
	// violation) so its socket and I/O goroutines don't outlive it.
	Close(peerID core.PeerID)
}

// Counters tracks cumulative transfer and protocol statistics for
// status reporting.
type Counters struct {
	BytesUploaded   int64
	BytesDownloaded int64
	PiecesVerified  int
	PiecesFailed    int
}

// Hooks lets the session layer react to the reactor's per-torrent
// job-wheel ticks without Torrent importing trackerclient, sessionfile,
// or rpc directly. Each hook runs synchronously on the reactor's loop
// goroutine, the same goroutine that mutates Torrent state, so a hook
// may read Torrent's exported status directly but must not block on
// anything that itself waits on the reactor (disk I/O, tracker HTTP
// calls) — those belong on a separate goroutine the hook spawns.
// A nil hook is simply skipped.
type Hooks struct {
	// TrackerRefresh re-announces to the torrent's trackers.
	TrackerRefresh func()
	// Serialize persists the torrent's resume state.
	Serialize func()
	// RPCLiveness reports the torrent's current status to rpc subscribers.
	RPCLiveness func()
}

// Torrent drives one info hash's protocol exchange: it owns the local
// completion bitfield, the connected peer set, the piece picker, and the
// unchoke rotation, turning inbound wire.Message values into picker and
// disk actions and outbound frames.
type Torrent struct {
	config Config
	info   *metainfo.TorrentInfo
	have   *bitfield.Bitfield

	conns  *connstate.State
	picker *picker.Manager
	choker *choke.Choker

	outqueues      map[core.PeerID]*wire.Writer
	connectedSince map[core.PeerID]time.Time
	bitfieldSeen   map[core.PeerID]bool

	// pendingReads tracks Request frames with a disk read submitted but
	// not yet answered. A Cancel for a key still in this set deletes it,
	// which the read's completion callback treats as "drop the result."
	pendingReads map[requestKey]struct{}

	limiter     *throttle.Limiter
	diskq       *disk.Dispatcher
	reactor     *reactor.Reactor
	sender      FrameSender
	hooks       Hooks
	localPeerID core.PeerID

	clk    clock.Clock
	logger *zap.SugaredLogger

	counters Counters
	paused   bool
}

// New constructs a Torrent ready to accept connections. have is the
// locally-known completion bitfield (e.g. restored from a prior session)
// and is owned thereafter by the Torrent.
func New(
	cfg Config,
	info *metainfo.TorrentInfo,
	have *bitfield.Bitfield,
	localPeerID core.PeerID,
	limiter *throttle.Limiter,
	diskq *disk.Dispatcher,
	rct *reactor.Reactor,
	sender FrameSender,
	hooks Hooks,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Torrent {
	return &Torrent{
		config:         cfg,
		info:           info,
		have:           have,
		conns:          connstate.New(cfg.Conn, clk, logger),
		picker:         picker.NewManager(cfg.Picker, info.NumPieces(), int(info.PieceLength()), info.TotalLength(), have),
		choker:         choke.New(cfg.Choke, clk.Now().UnixNano()),
		outqueues:      make(map[core.PeerID]*wire.Writer),
		connectedSince: make(map[core.PeerID]time.Time),
		bitfieldSeen:   make(map[core.PeerID]bool),
		pendingReads:   make(map[requestKey]struct{}),
		limiter:        limiter,
		diskq:          diskq,
		reactor:        rct,
		sender:         sender,
		hooks:          hooks,
		localPeerID:    localPeerID,
		clk:            clk,
		logger:         logger,
	}
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash { return t.info.InfoHash() }

// Bitfield returns the local completion bitfield.
func (t *Torrent) Bitfield() *bitfield.Bitfield { return t.have }

// Counters returns a snapshot of cumulative transfer statistics.
func (t *Torrent) Counters() Counters { return t.counters }

// Pause stops issuing new block requests and makes AddPendingPeer refuse
// new connections, without tearing down existing ones.
func (t *Torrent) Pause() { t.paused = true }

// Resume reverses Pause.
func (t *Torrent) Resume() { t.paused = false }

// AddPendingPeer reserves admission capacity for peerID before a handshake
// round-trip begins, so dials and accepts past capacity or against a
// blacklisted peer are rejected before any bytes cross the wire.
func (t *Torrent) AddPendingPeer(peerID core.PeerID) error {
	if t.paused {
		return fmt.Errorf("torrent: paused, not accepting peer %s", peerID)
	}
	if t.conns.Blacklisted(peerID) {
		return fmt.Errorf("torrent: peer %s is blacklisted", peerID)
	}
	return t.conns.AddPending(peerID)
}

// OnHandshake admits a freshly validated peer connection. Callers must
// already have reserved capacity for peerID via AddPendingPeer before the
// handshake round-trip began; this call transitions that reservation into
// an active connection and sends our own bitfield.
func (t *Torrent) OnHandshake(peerID core.PeerID, addr string, dht bool) error {
	if t.conns.Blacklisted(peerID) {
		return fmt.Errorf("torrent: peer %s is blacklisted", peerID)
	}
	p := connstate.NewPeer(peerID, addr, t.info.NumPieces())
	p.DHT = dht
	p.MarkValid()
	p.Touch(t.clk.Now())

	if err := t.conns.MovePendingToActive(p); err != nil {
		return err
	}
	t.connectedSince[peerID] = t.clk.Now()
	t.outqueues[peerID] = wire.NewWriter()

	t.enqueue(peerID, wire.NewBitfield(t.have.MarshalWire()))
	if dht {
		// DHT reserved bit set: hint our DHT port. Real port plumbing is
		// owned by the session/config layer; zero is a valid placeholder
		// until that's wired through.
		t.enqueue(peerID, wire.NewPort(0))
	}
	return nil
}

// RemovePeer tears down bookkeeping for a disconnecting peer.
func (t *Torrent) RemovePeer(peerID core.PeerID) {
	p, ok := t.conns.Get(peerID)
	if ok {
		t.conns.DeleteActive(p)
	} else {
		t.conns.DeletePending(peerID)
	}
	t.picker.ExpirePeer(peerID)
	t.choker.OnDisconnect(peerID)
	delete(t.outqueues, peerID)
	delete(t.connectedSince, peerID)
	delete(t.bitfieldSeen, peerID)
	t.clearPendingReads(peerID)
	t.sender.Close(peerID)
}

func (t *Torrent) enqueue(peerID core.PeerID, m wire.Message) {
	q, ok := t.outqueues[peerID]
	if !ok {
		return
	}
	q.Push(m)
	// Drive the writer immediately; OnPeerReadable also flushes, covering
	// the case where frames are queued faster than the reactor's
	// readiness callbacks fire.
	t.flush(peerID)
}

func (t *Torrent) flush(peerID core.PeerID) {
	q, ok := t.outqueues[peerID]
	if !ok {
		return
	}
	for {
		m, ok := q.Pop()
		if !ok {
			return
		}
		t.sender.Send(peerID, m)
	}
}

// HandleMessage applies one decoded frame from peerID to torrent state.
// It must be called from the reactor's loop goroutine.
func (t *Torrent) HandleMessage(peerID core.PeerID, m wire.Message) error {
	p, ok := t.conns.Get(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	p.Touch(t.clk.Now())

	if m.IsKeepAlive() {
		return nil
	}

	switch m.ID {
	case wire.Choke:
		p.OnRemoteChoke()
	case wire.Unchoke:
		p.OnRemoteUnchoke()
		t.requestMore(p)
	case wire.Interested:
		p.OnRemoteInterested()
		if unchoked := t.choker.OnInterested(peerID); unchoked {
			p.OnLocalUnchoke()
			t.enqueue(peerID, wire.Simple(wire.Unchoke))
		}
	case wire.Uninterested:
		p.OnRemoteUninterested()
		if wasUnchoked := t.choker.OnUninterested(peerID); wasUnchoked {
			p.OnLocalChoke()
			t.enqueue(peerID, wire.Simple(wire.Choke))
		}
	case wire.Have:
		p.Bitfield.Set(int(m.Index))
		t.picker.OnPeerHave(int(m.Index))
		if !t.have.Has(int(m.Index)) {
			t.requestMore(p)
		}
	case wire.Bitfield:
		if t.bitfieldSeen[peerID] {
			return ErrAlreadyReceived
		}
		t.bitfieldSeen[peerID] = true
		bf, err := bitfield.UnmarshalWire(t.info.NumPieces(), m.Payload)
		if err != nil {
			return err
		}
		p.Bitfield = bf
		for i := 0; i < t.info.NumPieces(); i++ {
			if bf.Has(i) {
				t.picker.OnPeerHave(i)
			}
		}
		t.requestMore(p)
	case wire.Request:
		return t.handleRequest(p, m)
	case wire.Piece:
		t.handlePiece(p, m)
	case wire.Cancel:
		delete(t.pendingReads, requestKey{peerID, m.Index, m.Begin})
		if q, ok := t.outqueues[peerID]; ok {
			q.Cancel(m.Index, m.Begin)
		}
	case wire.Port:
		// DHT hint; no local DHT implementation to feed.
	}
	return nil
}

// requestKey identifies one outstanding block request, so a Cancel that
// arrives while its disk read is in flight can be matched back to it.
type requestKey struct {
	peer  core.PeerID
	index uint32
	begin uint32
}

func (t *Torrent) handleRequest(p *connstate.Peer, m wire.Message) error {
	if !p.WantFromUs() {
		return ErrChokedRequest
	}
	if !t.have.Has(int(m.Index)) {
		return nil
	}
	peerID := p.PeerID
	key := requestKey{peerID, m.Index, m.Begin}
	t.pendingReads[key] = struct{}{}
	t.diskq.SubmitRead(disk.ReadRequest{
		InfoHash: t.info.InfoHash(),
		Piece:    int(m.Index),
		Begin:    m.Begin,
		Length:   m.Length,
	}, func(res disk.ReadResult) {
		t.reactor.Send(reactor.FuncEvent(func(*reactor.Reactor) {
			if _, pending := t.pendingReads[key]; !pending {
				// A Cancel for this block arrived while the read was in
				// flight; drop the result instead of enqueueing a Piece
				// the peer no longer wants.
				return
			}
			delete(t.pendingReads, key)
			if res.Err != nil {
				t.logger.With("peer", peerID, "err", res.Err).Error("disk read failed")
				return
			}
			t.counters.BytesUploaded += int64(len(res.Data))
			if up, ok := t.conns.Get(peerID); ok {
				up.RecordBytesUploaded(len(res.Data))
			}
			t.enqueue(peerID, wire.NewPiece(m.Index, m.Begin, res.Data))
		}))
	})
	return nil
}

// clearPendingReads drops any in-flight read bookkeeping for a
// disconnecting peer, so a stale completion can't reference it.
func (t *Torrent) clearPendingReads(peerID core.PeerID) {
	for k := range t.pendingReads {
		if k.peer == peerID {
			delete(t.pendingReads, k)
		}
	}
}

func (t *Torrent) handlePiece(p *connstate.Peer, m wire.Message) {
	p.RecordBlockReceived(len(m.Block))
	t.counters.BytesDownloaded += int64(len(m.Block))

	peerID := p.PeerID
	piece := int(m.Index)
	begin := m.Begin
	data := m.Block

	t.diskq.SubmitWrite(disk.WriteRequest{
		InfoHash: t.info.InfoHash(),
		Piece:    piece,
		Begin:    begin,
		Data:     data,
	}, func(err error) {
		// data has reached disk (or failed to); release any pool-backed
		// buffer under it before the completion event is even posted.
		m.Release()
		t.reactor.Send(reactor.FuncEvent(func(*reactor.Reactor) {
			if err != nil {
				t.logger.With("piece", piece, "err", err).Error("disk write failed")
				return
			}
			t.onBlockWritten(peerID, piece, begin)
		}))
	})
}

func (t *Torrent) onBlockWritten(peerID core.PeerID, piece int, begin uint32) {
	complete, others := t.picker.OnBlockReceived(piece, begin)
	for _, other := range others {
		if other == peerID {
			continue
		}
		if q, ok := t.outqueues[other]; ok {
			q.Push(wire.NewCancel(uint32(piece), begin, wire.BlockSize))
			t.flush(other)
		}
	}
	if p, ok := t.conns.Get(peerID); ok {
		t.requestMore(p)
	}
	if !complete {
		return
	}
	t.verifyPiece(piece)
}

func (t *Torrent) verifyPiece(piece int) {
	t.diskq.SubmitValidate(disk.ValidateRequest{InfoHash: t.info.InfoHash(), Piece: piece}, func(ok bool, err error) {
		t.reactor.Send(reactor.FuncEvent(func(*reactor.Reactor) {
			if err != nil {
				t.logger.With("piece", piece, "err", err).Error("validate failed")
				return
			}
			if !ok {
				t.counters.PiecesFailed++
				t.picker.Invalidate(piece)
				return
			}
			t.counters.PiecesVerified++
			t.have.Set(piece)
			t.broadcastHave(piece)
		}))
	})
}

func (t *Torrent) broadcastHave(piece int) {
	for _, p := range t.conns.ActiveConns() {
		if !p.Bitfield.Has(piece) {
			t.enqueue(p.PeerID, wire.NewHave(uint32(piece)))
		}
	}
}

// requestMore asks the picker for as many new blocks as p's adaptive
// queue depth allows and enqueues Request frames for them.
func (t *Torrent) requestMore(p *connstate.Peer) {
	if t.paused || !p.Downloadable() {
		return
	}
	n := p.WantsMore()
	reqs := t.picker.ReservePieces(p.PeerID, p.Bitfield, n, t.clk.Now())
	for _, r := range reqs {
		p.InFlight++
		t.enqueue(p.PeerID, wire.NewRequest(uint32(r.Piece), r.Begin, r.Length))
	}
}

// Tick performs the periodic bookkeeping driven by the reactor's peer-reap
// job (every 2s by default): expiring stale picker requests and idle
// connections.
func (t *Torrent) Tick(now time.Time) {
	t.picker.ExpireStaleRequests(now)
	for _, p := range t.conns.ReapIdle(t.connectedSince) {
		t.RemovePeer(p.PeerID)
	}
}

// rotateChoke asks the choker to reconsider the unchoked set and
// applies any swap it returns.
func (t *Torrent) rotateChoke(now time.Time, seeding bool) {
	rot, ok := t.choker.MaybeRotate(now, func(id core.PeerID) float64 {
		p, ok := t.conns.Get(id)
		if !ok {
			return 0
		}
		if seeding {
			return p.UploadRate()
		}
		return p.DownloadRate()
	})
	if !ok {
		return
	}
	if p, ok := t.conns.Get(rot.Evicted); ok {
		p.OnLocalChoke()
		t.enqueue(rot.Evicted, wire.Simple(wire.Choke))
	}
	if p, ok := t.conns.Get(rot.Promoted); ok {
		p.OnLocalUnchoke()
		t.enqueue(rot.Promoted, wire.Simple(wire.Unchoke))
	}
}
