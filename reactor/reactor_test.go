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

import (
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/arcspin/torrentcore/core"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingHandler struct {
	mu            sync.Mutex
	readable      int
	throttleTicks int
}

func (h *countingHandler) OnPeerReadable(core.PeerID) {
	h.mu.Lock()
	h.readable++
	h.mu.Unlock()
}
func (h *countingHandler) OnDiskResponse(DiskResponse)        {}
func (h *countingHandler) OnTrackerResponse([]core.PeerInfo)  {}
func (h *countingHandler) OnThrottleTick() {
	h.mu.Lock()
	h.throttleTicks++
	h.mu.Unlock()
}
func (h *countingHandler) OnThrottleFlush()        {}
func (h *countingHandler) OnTrackerRefresh(time.Time) {}
func (h *countingHandler) OnChokeRotation(time.Time)  {}
func (h *countingHandler) OnSessionSerialize()        {}
func (h *countingHandler) OnPeerReap(time.Time)       {}
func (h *countingHandler) OnRPCLiveness()             {}

func (h *countingHandler) snapshot() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readable, h.throttleTicks
}

func TestReactorDispatchesPeerReadableEvent(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	r := New(Config{}, clk, zap.NewNop().Sugar())

	hash, err := core.NewInfoHashFromHex("da39a3ee5e6b4b0d3255bfef95601890afd80709")
	require.NoError(err)
	h := &countingHandler{}

	go r.Run()
	defer r.Stop()

	require.NoError(r.Send(FuncEvent(func(rr *Reactor) { rr.Register(hash, h) })))

	peerID, err := core.RandomPeerID()
	require.NoError(err)
	require.NoError(r.Send(PeerReadableEvent{Hash: hash, PeerID: peerID}))

	require.Eventually(func() bool {
		readable, _ := h.snapshot()
		return readable == 1
	}, time.Second, time.Millisecond)
}

func TestReactorJobWheelFiresThrottleTick(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	r := New(Config{ThrottleTickInterval: time.Millisecond}, clk, zap.NewNop().Sugar())

	hash, err := core.NewInfoHashFromHex("da39a3ee5e6b4b0d3255bfef95601890afd80709")
	require.NoError(err)
	h := &countingHandler{}

	go r.Run()
	defer r.Stop()

	require.NoError(r.Send(FuncEvent(func(rr *Reactor) { rr.Register(hash, h) })))

	clk.Add(10 * time.Millisecond)

	require.Eventually(func() bool {
		_, ticks := h.snapshot()
		return ticks > 0
	}, time.Second, time.Millisecond)
}

func TestReactorStopEndsLoop(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	r := New(Config{}, clk, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reactor did not stop")
	}

	require.ErrorIs(r.Send(FuncEvent(func(*Reactor) {})), ErrReactorStopped)
}
