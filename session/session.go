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
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/arcspin/torrentcore/bitfield"
	"github.com/arcspin/torrentcore/connmgr"
	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/disk"
	"github.com/arcspin/torrentcore/metainfo"
	"github.com/arcspin/torrentcore/reactor"
	"github.com/arcspin/torrentcore/rpc"
	"github.com/arcspin/torrentcore/sessionfile"
	"github.com/arcspin/torrentcore/throttle"
	"github.com/arcspin/torrentcore/torrent"
	"github.com/arcspin/torrentcore/trackerclient"
	"go.uber.org/zap"
)

// Session errors.
var (
	ErrTorrentNotFound = errors.New("session: torrent not found")
	ErrTorrentExists   = errors.New("session: torrent already added")
	ErrSessionStopped  = errors.New("session: stopped")
)

// Session is the top-level control surface: it owns the shared Reactor,
// connection manager, and disk dispatcher, and wires up one Torrent per
// info hash added to it. Grounded on scheduler.scheduler's
// listenLoop/tickerLoop/announceLoop/Stop trio, generalized to the
// public handle names in the control surface (AddTorrent, RemoveTorrent,
// Pause, Resume, Validate, UpdateThrottle, AddPeer, AddTracker,
// UpdateTracker).
type Session struct {
	config     Config
	pctx       core.PeerContext
	torrentCfg torrent.Config
	clk        clock.Clock
	logger     *zap.SugaredLogger

	reactor     *reactor.Reactor
	conns       *connmgr.Manager
	diskq       *disk.Dispatcher
	worker      disk.Worker
	trackerDial trackerclient.Dialer
	files       *sessionfile.Store
	events      *rpc.Bus
	limiter     *throttle.Limiter

	mu       sync.Mutex
	torrents map[core.InfoHash]*entry

	listener net.Listener

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type entry struct {
	t        *torrent.Torrent
	info     *metainfo.TorrentInfo
	trackers []string
}

// New constructs a Session. It does not start listening or ticking until
// Start is called.
func New(
	cfg Config,
	pctx core.PeerContext,
	worker disk.Worker,
	trackerDial trackerclient.Dialer,
	files *sessionfile.Store,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Session {
	cfg = cfg.applyDefaults()
	// AnnounceTTL is the session-level name for how often a torrent
	// re-announces; the reactor's job wheel is what actually drives that
	// cadence per torrent, so thread it through rather than keeping two
	// independently configured tracker intervals.
	cfg.Reactor.TrackerRefreshInterval = cfg.AnnounceTTL

	rct := reactor.New(cfg.Reactor, clk, logger)

	s := &Session{
		config:      cfg,
		pctx:        pctx,
		torrentCfg:  cfg.Torrent,
		clk:         clk,
		logger:      logger,
		reactor:     rct,
		diskq:       disk.NewDispatcher(worker, cfg.DiskWorkers),
		worker:      worker,
		trackerDial: trackerDial,
		files:       files,
		events:      rpc.NewBus(),
		limiter:     throttle.New(cfg.ThrottleUp, cfg.ThrottleDn),
		torrents:    make(map[core.InfoHash]*entry),
		done:        make(chan struct{}),
	}
	s.conns = connmgr.New(cfg.Conn, pctx.PeerID, rct, s.lookup, clk, logger)
	return s
}

// Events returns the resource event bus for control-plane subscribers.
func (s *Session) Events() *rpc.Bus { return s.events }

func (s *Session) lookup(hash core.InfoHash) (*torrent.Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.torrents[hash]
	if !ok {
		return nil, false
	}
	return e.t, true
}

// Start begins listening for incoming peer connections and running the
// reactor's event loop.
func (s *Session) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	s.listener = l

	s.wg.Add(2)
	go s.runReactor()
	go s.listenLoop()

	s.events.Publish(rpc.Event{Kind: rpc.KindServer, Action: rpc.Extant, ID: s.pctx.PeerID.String(), Time: s.clk.Now()})
	return nil
}

func (s *Session) runReactor() {
	defer s.wg.Done()
	s.reactor.Run()
}

func (s *Session) listenLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.logger.Infow("accept failed, exiting listen loop", "error", err)
				return
			}
		}
		go func() {
			if err := s.conns.Accept(nc); err != nil {
				s.logger.Debugw("rejecting incoming connection", "error", err)
			}
		}()
	}
}

// Stop halts the listener and reactor and waits for every background
// goroutine to exit.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		// Persist resume state for every torrent before the reactor
		// stops accepting events; withTorrent below depends on it
		// still being able to service a round trip.
		s.serializeAll()
		s.reactor.Stop()
		s.wg.Wait()
		s.diskq.Stop()
		s.events.Publish(rpc.Event{Kind: rpc.KindServer, Action: rpc.Removed, ID: s.pctx.PeerID.String(), Time: s.clk.Now()})
	})
}

// buildRecord snapshots hash's resume state from t. It must be called
// either from the reactor goroutine (e.g. from a Hooks callback, where
// reading t's exported status directly is safe) or via withTorrent.
func (s *Session) buildRecord(hash core.InfoHash, t *torrent.Torrent) (sessionfile.Record, bool) {
	s.mu.Lock()
	e, ok := s.torrents[hash]
	s.mu.Unlock()
	if !ok {
		return sessionfile.Record{}, false
	}
	counters := t.Counters()
	return sessionfile.Record{
		InfoHash:   hash.Hex(),
		Bitfield:   t.Bitfield().MarshalWire(),
		Uploaded:   counters.BytesUploaded,
		Downloaded: counters.BytesDownloaded,
		Trackers:   e.trackers,
		CreatedAt:  s.clk.Now(),
	}, true
}

// saveRecord writes rec to the session file store. Callers that already
// hold the reactor goroutine should run this on a separate goroutine so
// the blocking file write doesn't stall the loop.
func (s *Session) saveRecord(hash core.InfoHash, rec sessionfile.Record) {
	if err := s.files.Save(hash, rec); err != nil {
		s.logger.Debugw("serialize torrent failed", "hash", hash, "error", err)
	}
}

// serializeAll persists every torrent's resume state synchronously, for
// use on shutdown where the process may exit as soon as Stop returns.
func (s *Session) serializeAll() {
	if s.files == nil {
		return
	}
	s.mu.Lock()
	hashes := make([]core.InfoHash, 0, len(s.torrents))
	for h := range s.torrents {
		hashes = append(hashes, h)
	}
	s.mu.Unlock()

	for _, h := range hashes {
		var rec sessionfile.Record
		var ok bool
		if err := s.withTorrent(h, func(t *torrent.Torrent) {
			rec, ok = s.buildRecord(h, t)
		}); err != nil {
			continue
		}
		if ok {
			s.saveRecord(h, rec)
		}
	}
}

// publishLiveness reports t's current transfer status to rpc subscribers.
func (s *Session) publishLiveness(hash core.InfoHash, t *torrent.Torrent) {
	counters := t.Counters()
	s.events.Publish(rpc.Event{
		Kind:   rpc.KindTorrent,
		Action: rpc.Update,
		ID:     hash.Hex(),
		Time:   s.clk.Now(),
		Attrs: map[string]interface{}{
			"completed_pieces": t.Bitfield().Count(),
			"uploaded":         counters.BytesUploaded,
			"downloaded":       counters.BytesDownloaded,
		},
	})
}

// AddTorrent registers info for download/seeding, resuming from a
// persisted session file if one exists, and begins announcing to
// trackers for it.
func (s *Session) AddTorrent(info *metainfo.TorrentInfo, trackers []string) error {
	hash := info.InfoHash()

	s.mu.Lock()
	if _, exists := s.torrents[hash]; exists {
		s.mu.Unlock()
		return ErrTorrentExists
	}
	s.mu.Unlock()

	if reg, ok := s.worker.(disk.Registrar); ok {
		if err := reg.AddTorrent(info); err != nil {
			return fmt.Errorf("register with disk worker: %s", err)
		}
	}

	have := bitfield.New(info.NumPieces())
	if s.files != nil {
		if rec, ok, err := s.files.Load(hash); err == nil && ok {
			if bits, err := bitfield.UnmarshalWire(info.NumPieces(), rec.Bitfield); err == nil {
				have = bits
			}
			if len(rec.Trackers) > 0 {
				trackers = rec.Trackers
			}
		}
	}

	sender := s.conns.ForHash(hash)

	// hooks closes over t before t exists; the reactor only starts
	// driving ticks against it after Register below, by which point t is
	// assigned.
	var t *torrent.Torrent
	hooks := torrent.Hooks{
		TrackerRefresh: func() { go s.UpdateTracker(hash) },
		Serialize: func() {
			rec, ok := s.buildRecord(hash, t)
			if !ok {
				return
			}
			go s.saveRecord(hash, rec)
		},
		RPCLiveness: func() { s.publishLiveness(hash, t) },
	}
	t = torrent.New(s.torrentCfg, info, have, s.pctx.PeerID, s.limiter, s.diskq, s.reactor, sender, hooks, s.clk, s.logger)

	done := make(chan struct{})
	s.reactor.Send(reactor.FuncEvent(func(r *reactor.Reactor) {
		r.Register(hash, t)
		close(done)
	}))
	<-done

	s.mu.Lock()
	s.torrents[hash] = &entry{t: t, info: info, trackers: trackers}
	s.mu.Unlock()

	s.announce(hash, info, trackers, trackerclient.EventStarted)

	s.events.Publish(rpc.Event{Kind: rpc.KindTorrent, Action: rpc.Extant, ID: hash.Hex(), Time: s.clk.Now()})
	return nil
}

// RemoveTorrent stops a torrent and deregisters it. If deleteArtifacts is
// set, its on-disk files are also deleted.
func (s *Session) RemoveTorrent(hash core.InfoHash, deleteArtifacts bool) error {
	s.mu.Lock()
	e, ok := s.torrents[hash]
	s.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}

	// announce reads the torrent's remaining bytes through withTorrent, so
	// the entry stays registered until the stopped announce is issued.
	s.announce(hash, e.info, e.trackers, trackerclient.EventStopped)

	s.mu.Lock()
	delete(s.torrents, hash)
	s.mu.Unlock()

	done := make(chan struct{})
	s.reactor.Send(reactor.FuncEvent(func(r *reactor.Reactor) {
		r.Deregister(hash)
		close(done)
	}))
	<-done

	if s.files != nil {
		s.files.Delete(hash)
	}
	if deleteArtifacts {
		s.diskq.SubmitDelete(disk.DeleteRequest{InfoHash: hash}, func(err error) {
			if err != nil {
				s.logger.Infow("failed to delete torrent artifacts", "hash", hash, "error", err)
			}
		})
	}

	s.events.Publish(rpc.Event{Kind: rpc.KindTorrent, Action: rpc.Removed, ID: hash.Hex(), Time: s.clk.Now()})
	return nil
}

// Pause stops a torrent from issuing new requests or accepting new
// connections without tearing down existing ones.
func (s *Session) Pause(hash core.InfoHash) error {
	return s.withTorrent(hash, func(t *torrent.Torrent) { t.Pause() })
}

// Resume reverses Pause.
func (s *Session) Resume(hash core.InfoHash) error {
	return s.withTorrent(hash, func(t *torrent.Torrent) { t.Resume() })
}

// Validate re-verifies every piece of a torrent's data on disk and
// corrects the local bitfield to match, e.g. after suspected corruption.
func (s *Session) Validate(hash core.InfoHash) error {
	s.mu.Lock()
	e, ok := s.torrents[hash]
	s.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}
	for piece := 0; piece < e.info.NumPieces(); piece++ {
		p := piece
		s.diskq.SubmitValidate(disk.ValidateRequest{InfoHash: hash, Piece: p}, func(ok bool, err error) {
			s.reactor.Send(reactor.FuncEvent(func(r *reactor.Reactor) {
				t, found := s.lookup(hash)
				if !found {
					return
				}
				if err != nil || !ok {
					t.Bitfield().Clear(p)
					return
				}
				t.Bitfield().Set(p)
			}))
		})
	}
	return nil
}

// Progress reports how many of a torrent's pieces are verified on disk, for
// clients that want to render download progress without reaching into the
// reactor themselves.
func (s *Session) Progress(hash core.InfoHash) (completed, total int, err error) {
	s.mu.Lock()
	e, ok := s.torrents[hash]
	s.mu.Unlock()
	if !ok {
		return 0, 0, ErrTorrentNotFound
	}
	err = s.withTorrent(hash, func(t *torrent.Torrent) {
		completed = t.Bitfield().Count()
	})
	return completed, e.info.NumPieces(), err
}

// UpdateThrottle adjusts the session-wide upload/download rate limits.
// The Throttler's buckets are shared by reference across every torrent's
// peers on the single reactor thread, so this is session-scoped rather
// than per-torrent; hash is validated so callers get a typed error for
// an unknown torrent rather than a silently-ignored global change.
func (s *Session) UpdateThrottle(hash core.InfoHash, upBytesPerSec, downBytesPerSec int64) error {
	if _, ok := s.lookup(hash); !ok {
		return ErrTorrentNotFound
	}
	return s.limiter.Adjust(upBytesPerSec, downBytesPerSec)
}

// AddPeer dials addr directly for hash, bypassing tracker discovery.
func (s *Session) AddPeer(hash core.InfoHash, addr string) error {
	if _, ok := s.lookup(hash); !ok {
		return ErrTorrentNotFound
	}
	return s.conns.Dial(hash, addr, false)
}

// AddTracker appends a tracker URL to a torrent's tier list.
func (s *Session) AddTracker(hash core.InfoHash, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.torrents[hash]
	if !ok {
		return ErrTorrentNotFound
	}
	e.trackers = append(e.trackers, url)
	return nil
}

// UpdateTracker forces an immediate re-announce to hash's trackers.
func (s *Session) UpdateTracker(hash core.InfoHash) error {
	s.mu.Lock()
	e, ok := s.torrents[hash]
	s.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}
	s.announce(hash, e.info, e.trackers, trackerclient.EventNone)
	return nil
}

func (s *Session) withTorrent(hash core.InfoHash, f func(*torrent.Torrent)) error {
	t, ok := s.lookup(hash)
	if !ok {
		return ErrTorrentNotFound
	}
	done := make(chan struct{})
	s.reactor.Send(reactor.FuncEvent(func(r *reactor.Reactor) {
		f(t)
		close(done)
	}))
	<-done
	return nil
}

func (s *Session) announce(hash core.InfoHash, info *metainfo.TorrentInfo, trackers []string, event trackerclient.Event) {
	if s.trackerDial == nil || len(trackers) == 0 {
		return
	}
	var left int64
	if err := s.withTorrent(hash, func(t *torrent.Torrent) {
		left = leftFor(t, info)
	}); err != nil {
		return
	}
	client := s.trackerDial(trackers)
	go func() {
		resp, err := client.Announce(trackerclient.Request{
			InfoHash: hash,
			PeerID:   s.pctx.PeerID,
			IP:       s.pctx.IP,
			Port:     s.pctx.Port,
			Left:     left,
			Event:    event,
			NumWant:  50,
		})
		if err != nil {
			s.logger.Debugw("announce failed", "hash", hash, "error", err)
			return
		}
		peers := make([]core.PeerInfo, 0, len(resp.Peers))
		for _, p := range resp.Peers {
			peers = append(peers, *p)
		}
		s.reactor.Send(reactor.TrackerResponseEvent{Hash: hash, Peers: peers})
		for _, p := range resp.Peers {
			if p.PeerID == s.pctx.PeerID {
				continue
			}
			addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
			go s.conns.Dial(hash, addr, false)
		}
	}()
}

// leftFor estimates bytes remaining for the tracker's "left" field by
// treating every missing piece as full-length; the final piece is
// usually shorter, so this slightly overstates the true remainder.
func leftFor(t *torrent.Torrent, info *metainfo.TorrentInfo) int64 {
	if t.Bitfield().Complete() {
		return 0
	}
	missing := info.NumPieces() - t.Bitfield().Count()
	return int64(missing) * info.PieceLength()
}
