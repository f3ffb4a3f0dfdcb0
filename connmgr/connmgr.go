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

// Package connmgr owns real net.Conn sockets and bridges them onto the
// reactor's single-threaded event loop. Each conn runs its own
// readLoop/writeLoop goroutine pair; readLoop polls a wire.Reader against
// a short, repeatedly refreshed read deadline and posts decoded messages
// as reactor.FuncEvents, writeLoop drains an outbound channel fed by
// hashSender.Send, which Torrent calls as it flushes its wire.Writer.
package connmgr

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/reactor"
	"github.com/arcspin/torrentcore/torrent"
	"github.com/arcspin/torrentcore/wire"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

// Config configures connection-level timeouts.
type Config struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SenderBufferSize int           `yaml:"sender_buffer_size"`

	// ReadPollInterval bounds how long readLoop blocks in a single
	// net.Conn.Read before refreshing the deadline and trying again. A
	// shorter interval notices a closed conn sooner; it doesn't affect
	// throughput since wire.Reader resumes mid-frame across polls.
	ReadPollInterval time.Duration `yaml:"read_poll_interval"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReadPollInterval == 0 {
		c.ReadPollInterval = 2 * time.Second
	}
	return c
}

// TorrentLookup resolves an info hash to the live Torrent handling it, so
// that incoming connections can be routed and handshakes validated without
// connmgr depending on the session package (which depends on connmgr).
type TorrentLookup func(core.InfoHash) (*torrent.Torrent, bool)

// Manager accepts and dials peer connections, multiplexing their frames
// onto a Reactor as FuncEvents.
type Manager struct {
	config      Config
	localPeerID core.PeerID
	reactor     *reactor.Reactor
	lookup      TorrentLookup
	clk         clock.Clock
	logger      *zap.SugaredLogger

	// conns maps connKey to *conn. It's touched from the accept/dial
	// path, each conn's readLoop/writeLoop error paths, and hashSender's
	// Send/Close, which the reactor goroutine can call via FrameSender —
	// a syncmap avoids a single mutex serializing all of that.
	conns syncmap.Map
}

type connKey struct {
	hash   core.InfoHash
	peerID core.PeerID
}

// New creates a Manager. lookup resolves handshaked info hashes to the
// Torrent instance responsible for them.
func New(cfg Config, localPeerID core.PeerID, r *reactor.Reactor, lookup TorrentLookup, clk clock.Clock, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		config:      cfg.applyDefaults(),
		localPeerID: localPeerID,
		reactor:     r,
		lookup:      lookup,
		clk:         clk,
		logger:      logger,
	}
}

// ForHash returns a torrent.FrameSender scoped to hash, suitable for
// passing into torrent.New.
func (m *Manager) ForHash(hash core.InfoHash) torrent.FrameSender {
	return hashSender{mgr: m, hash: hash}
}

// hashSender adapts Manager to torrent.FrameSender for a single info hash.
type hashSender struct {
	mgr  *Manager
	hash core.InfoHash
}

func (s hashSender) Send(peerID core.PeerID, msg wire.Message) {
	c, ok := s.mgr.getConn(s.hash, peerID)
	if !ok {
		return
	}
	c.send(msg)
}

// Close tears down peerID's socket and reader/writer goroutines. It is a
// no-op if the conn is already gone, which covers the common case of a
// peer reaped after its socket already failed and removed itself.
func (s hashSender) Close(peerID core.PeerID) {
	c, ok := s.mgr.getConn(s.hash, peerID)
	if !ok {
		return
	}
	c.Close()
}

func (m *Manager) getConn(hash core.InfoHash, peerID core.PeerID) (*conn, bool) {
	v, ok := m.conns.Load(connKey{hash, peerID})
	if !ok {
		return nil, false
	}
	return v.(*conn), true
}

// Dial opens an outgoing connection to addr, handshakes for hash, and on
// success registers the conn and posts an incoming-handshake event to the
// reactor so the owning Torrent can admit the peer.
func (m *Manager) Dial(hash core.InfoHash, addr string, dht bool) error {
	nc, err := net.DialTimeout("tcp", addr, m.config.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("dial: %s", err)
	}
	return m.handshakeAndRegister(nc, hash, dht, addr)
}

// Accept performs the server side of the handshake for an incoming net.Conn
// and registers it against whichever torrent the remote requested.
func (m *Manager) Accept(nc net.Conn) error {
	if err := nc.SetDeadline(time.Now().Add(m.config.HandshakeTimeout)); err != nil {
		nc.Close()
		return err
	}
	hs, err := wire.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("read handshake: %s", err)
	}
	if _, ok := m.lookup(hs.InfoHash); !ok {
		nc.Close()
		return fmt.Errorf("unknown info hash %s", hs.InfoHash)
	}
	ours := wire.NewHandshake(hs.InfoHash, m.localPeerID, false)
	if _, err := ours.WriteTo(nc); err != nil {
		nc.Close()
		return fmt.Errorf("write handshake: %s", err)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return err
	}
	m.register(nc, hs.InfoHash, hs.PeerID, nc.RemoteAddr().String(), hs.DHT)
	return nil
}

func (m *Manager) handshakeAndRegister(nc net.Conn, hash core.InfoHash, dht bool, addr string) error {
	if err := nc.SetDeadline(time.Now().Add(m.config.HandshakeTimeout)); err != nil {
		nc.Close()
		return err
	}
	ours := wire.NewHandshake(hash, m.localPeerID, dht)
	if _, err := ours.WriteTo(nc); err != nil {
		nc.Close()
		return fmt.Errorf("write handshake: %s", err)
	}
	hs, err := wire.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("read handshake: %s", err)
	}
	if hs.InfoHash != hash {
		nc.Close()
		return fmt.Errorf("info hash mismatch")
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		nc.Close()
		return err
	}
	m.register(nc, hash, hs.PeerID, addr, hs.DHT)
	return nil
}

func (m *Manager) register(nc net.Conn, hash core.InfoHash, peerID core.PeerID, addr string, dht bool) {
	c := &conn{
		hash:   hash,
		peerID: peerID,
		nc:     nc,
		sender: make(chan wire.Message, m.config.SenderBufferSize),
		done:   make(chan struct{}),
		mgr:    m,
	}
	m.conns.Store(connKey{hash, peerID}, c)

	c.start()

	m.reactor.Send(reactor.FuncEvent(func(r *reactor.Reactor) {
		t, ok := m.lookup(hash)
		if !ok {
			c.Close()
			return
		}
		if err := t.AddPendingPeer(peerID); err != nil {
			m.logger.Infow("rejecting handshake", "peer", peerID, "hash", hash, "error", err)
			c.Close()
			return
		}
		if err := t.OnHandshake(peerID, addr, dht); err != nil {
			m.logger.Infow("rejecting handshake", "peer", peerID, "hash", hash, "error", err)
			c.Close()
			return
		}
	}))
}

func (m *Manager) remove(hash core.InfoHash, peerID core.PeerID) {
	m.conns.Delete(connKey{hash, peerID})

	m.reactor.Send(reactor.FuncEvent(func(r *reactor.Reactor) {
		if t, ok := m.lookup(hash); ok {
			t.RemovePeer(peerID)
		}
	}))
}

// conn owns one peer socket after a successful handshake.
type conn struct {
	hash   core.InfoHash
	peerID core.PeerID
	nc     net.Conn
	sender chan wire.Message

	// closed guards against Close running twice: it's now reachable
	// concurrently from readLoop's and writeLoop's own I/O-error paths
	// and from hashSender.Close, which the reactor goroutine can invoke
	// via torrent.FrameSender on an idle-peer reap.
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	mgr *Manager
}

func (c *conn) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

func (c *conn) send(m wire.Message) {
	select {
	case c.sender <- m:
	case <-c.done:
	}
}

// readLoop decodes frames off a bufio.Reader wrapping nc using a
// wire.Reader, which resumes mid-frame across calls. Each underlying
// Read is bounded by ReadPollInterval so the loop notices c.done without
// depending on the peer ever sending anything.
func (c *conn) readLoop() {
	defer c.wg.Done()
	br := bufio.NewReader(c.nc)
	dec := wire.NewReader(0)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if t, ok := c.mgr.lookup(c.hash); ok {
			dec.SetNumPieces(t.Bitfield().Len())
		}

		if err := c.nc.SetReadDeadline(time.Now().Add(c.mgr.config.ReadPollInterval)); err != nil {
			c.mgr.logger.Debugw("set read deadline failed, closing conn", "peer", c.peerID, "error", err)
			c.Close()
			return
		}

		msg, err := dec.Decode(br)
		if err != nil {
			if err == wire.ErrShortRead {
				continue
			}
			if err != io.EOF {
				c.mgr.logger.Debugw("read failed, closing conn", "peer", c.peerID, "error", err)
			}
			c.Close()
			return
		}

		hash, peerID, m := c.hash, c.peerID, *msg
		c.mgr.reactor.Send(reactor.FuncEvent(func(r *reactor.Reactor) {
			t, ok := c.mgr.lookup(hash)
			if !ok {
				return
			}
			if err := t.HandleMessage(peerID, m); err != nil {
				c.mgr.logger.Debugw("protocol error, closing conn", "peer", peerID, "error", err)
				c.Close()
			}
		}))
	}
}

func (c *conn) writeLoop() {
	defer c.wg.Done()
	bw := bufio.NewWriter(c.nc)
	for {
		select {
		case m := <-c.sender:
			if err := wire.Encode(bw, m); err != nil {
				c.mgr.logger.Debugw("write failed, closing conn", "peer", c.peerID, "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears down the conn and notifies the owning torrent once both
// loops have exited.
func (c *conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	close(c.done)
	c.nc.Close()
	go func() {
		c.wg.Wait()
		c.mgr.remove(c.hash, c.peerID)
	}()
}
