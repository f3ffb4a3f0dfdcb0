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
package connstate

import (
	"errors"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/arcspin/torrentcore/core"
	"go.uber.org/zap"
)

// Admission errors.
var (
	ErrTorrentAtCapacity       = errors.New("connstate: torrent is at capacity")
	ErrConnAlreadyPending      = errors.New("connstate: conn is already pending")
	ErrConnAlreadyActive       = errors.New("connstate: conn is already active")
	ErrInvalidActiveTransition = errors.New("connstate: conn must be pending to transition to active")
	ErrAlreadyBlacklisted      = errors.New("connstate: conn is already blacklisted")

	errUnknownStatus = errors.New("connstate: invariant violation: unknown status")
)

type admission int

const (
	_uninit admission = iota
	_pending
	_active
)

type entry struct {
	status admission
	peer   *Peer
}

type blacklistEntry struct {
	expiration time.Time
}

func (e *blacklistEntry) blacklisted(now time.Time) bool {
	return e.expiration.After(now)
}

// State manages connection admission for a single torrent: which peer ids
// are pending a handshake, which are active, and which are temporarily
// blacklisted after a failed attempt. A peer is identified solely by its
// PeerID because a State is scoped to one torrent's info hash already.
//
// State is NOT thread-safe; the reactor that owns the torrent serializes
// all access to it.
type State struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger

	conns     map[core.PeerID]entry
	blacklist map[core.PeerID]*blacklistEntry
}

// New creates a new State using cfg, clk for time (injectable for tests),
// and logger for diagnostic output.
func New(cfg Config, clk clock.Clock, logger *zap.SugaredLogger) *State {
	cfg = cfg.applyDefaults()
	return &State{
		config:    cfg,
		clk:       clk,
		logger:    logger,
		conns:     make(map[core.PeerID]entry),
		blacklist: make(map[core.PeerID]*blacklistEntry),
	}
}

// ActiveConns returns every peer currently in the active state.
func (s *State) ActiveConns() []*Peer {
	var active []*Peer
	for _, e := range s.conns {
		if e.status == _active {
			active = append(active, e.peer)
		}
	}
	return active
}

// Saturated reports whether the torrent is at its configured connection
// cap and every reserved slot is already active.
func (s *State) Saturated() bool {
	if len(s.conns) < s.config.MaxOpenConnections {
		return false
	}
	for _, e := range s.conns {
		if e.status != _active {
			return false
		}
	}
	return true
}

// Blacklist bars peerID from future admission for the configured
// BlacklistDuration. Returns ErrAlreadyBlacklisted if still serving a
// prior sentence.
func (s *State) Blacklist(peerID core.PeerID) error {
	if s.config.DisableBlacklist {
		return nil
	}
	if e, ok := s.blacklist[peerID]; ok && e.blacklisted(s.clk.Now()) {
		return ErrAlreadyBlacklisted
	}
	s.blacklist[peerID] = &blacklistEntry{s.clk.Now().Add(s.config.BlacklistDuration)}
	s.logger.With("peer", peerID).Infof("blacklisted for %s", s.config.BlacklistDuration)
	return nil
}

// Blacklisted reports whether peerID is currently serving a blacklist
// sentence.
func (s *State) Blacklisted(peerID core.PeerID) bool {
	e, ok := s.blacklist[peerID]
	return ok && e.blacklisted(s.clk.Now())
}

// ClearBlacklist removes every blacklist entry, used when a torrent is
// reset or re-validated.
func (s *State) ClearBlacklist() {
	s.blacklist = make(map[core.PeerID]*blacklistEntry)
}

// AddPending reserves connection capacity for peerID ahead of a handshake
// attempt.
func (s *State) AddPending(peerID core.PeerID) error {
	if len(s.conns) >= s.config.MaxOpenConnections {
		return ErrTorrentAtCapacity
	}
	switch s.conns[peerID].status {
	case _uninit:
		s.conns[peerID] = entry{status: _pending}
		return nil
	case _pending:
		return ErrConnAlreadyPending
	case _active:
		return ErrConnAlreadyActive
	default:
		return errUnknownStatus
	}
}

// DeletePending releases a pending reservation for peerID, e.g. after a
// failed or abandoned handshake. No-op if peerID is not pending.
func (s *State) DeletePending(peerID core.PeerID) {
	if s.conns[peerID].status != _pending {
		return
	}
	delete(s.conns, peerID)
}

// MovePendingToActive transitions a pending reservation into an
// established connection backed by p.
func (s *State) MovePendingToActive(p *Peer) error {
	if s.conns[p.PeerID].status != _pending {
		return ErrInvalidActiveTransition
	}
	s.conns[p.PeerID] = entry{status: _active, peer: p}
	s.logger.With("peer", p.PeerID).Info("connection established")
	return nil
}

// DeleteActive removes p from the active set. No-op if p is not the
// current active connection for its peer id, which can happen if a newer
// connection has since replaced it.
func (s *State) DeleteActive(p *Peer) {
	e, ok := s.conns[p.PeerID]
	if !ok || e.status != _active || e.peer != p {
		return
	}
	delete(s.conns, p.PeerID)
	s.logger.With("peer", p.PeerID).Info("connection closed")
}

// Get returns the active peer for peerID, if any.
func (s *State) Get(peerID core.PeerID) (*Peer, bool) {
	e, ok := s.conns[peerID]
	if !ok || e.status != _active {
		return nil, false
	}
	return e.peer, true
}

// Len returns the number of reserved (pending + active) connection slots.
func (s *State) Len() int {
	return len(s.conns)
}

// BlacklistedPeer describes one outstanding blacklist sentence.
type BlacklistedPeer struct {
	PeerID    core.PeerID
	Remaining time.Duration
}

// BlacklistSnapshot returns every peer currently serving a blacklist
// sentence, for status reporting.
func (s *State) BlacklistSnapshot() []BlacklistedPeer {
	now := s.clk.Now()
	var out []BlacklistedPeer
	for id, e := range s.blacklist {
		if e.blacklisted(now) {
			out = append(out, BlacklistedPeer{PeerID: id, Remaining: e.expiration.Sub(now)})
		}
	}
	return out
}

// ReapIdle disconnects active peers which have exceeded IdleTimeout or
// MaxLifetime, returning the ones removed so the caller can close their
// underlying connections.
func (s *State) ReapIdle(connectedSince map[core.PeerID]time.Time) []*Peer {
	now := s.clk.Now()
	var reaped []*Peer
	for id, e := range s.conns {
		if e.status != _active {
			continue
		}
		if e.peer.Idle(now, s.config.IdleTimeout) {
			reaped = append(reaped, e.peer)
			continue
		}
		if since, ok := connectedSince[id]; ok && now.Sub(since) >= s.config.MaxLifetime {
			reaped = append(reaped, e.peer)
		}
	}
	for _, p := range reaped {
		delete(s.conns, p.PeerID)
	}
	return reaped
}
