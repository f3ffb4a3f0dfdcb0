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
	"testing"
	"time"

	"github.com/arcspin/torrentcore/core"
	"github.com/stretchr/testify/require"
)

func testPeerID(t *testing.T) core.PeerID {
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

func TestPeerHandshakeToUnchoke(t *testing.T) {
	require := require.New(t)

	p := NewPeer(testPeerID(t), "1.2.3.4:6881", 10)
	require.Equal(Initial, p.Phase)
	require.True(p.LocalChoke)
	require.True(p.RemoteChoke)

	p.MarkValid()
	require.Equal(Valid, p.Phase)

	p.OnRemoteUnchoke()
	require.Equal(Unchoked, p.Phase)
	require.True(p.Downloadable())
}

func TestPeerRemoteChokeClearsInFlight(t *testing.T) {
	require := require.New(t)

	p := NewPeer(testPeerID(t), "1.2.3.4:6881", 10)
	p.MarkValid()
	p.OnRemoteUnchoke()
	p.InFlight = 5

	p.OnRemoteChoke()
	require.Equal(0, p.InFlight)
	require.Equal(AwaitingUnchoke, p.Phase)
	require.False(p.Downloadable())
}

func TestPeerInterestBits(t *testing.T) {
	require := require.New(t)

	p := NewPeer(testPeerID(t), "1.2.3.4:6881", 10)
	require.False(p.RemoteInterest)
	p.OnRemoteInterested()
	require.True(p.RemoteInterest)
	p.OnRemoteUninterested()
	require.False(p.RemoteInterest)

	require.False(p.WantFromUs())
	p.OnLocalUnchoke()
	require.True(p.WantFromUs())
	p.OnLocalChoke()
	require.False(p.WantFromUs())
}

func TestPeerAdaptiveQueueDepthLowRate(t *testing.T) {
	require := require.New(t)

	p := NewPeer(testPeerID(t), "1.2.3.4:6881", 10)
	// Simulate a steady slow trickle well under 20 KiB/s so the EMA settles
	// near a few hundred bytes/sec.
	for i := 0; i < 50; i++ {
		p.RecordBlockReceived(500)
	}
	require.Less(p.MaxQueue, 20)
	require.GreaterOrEqual(p.MaxQueue, 1)
}

func TestPeerAdaptiveQueueDepthClampedPerStep(t *testing.T) {
	require := require.New(t)

	p := NewPeer(testPeerID(t), "1.2.3.4:6881", 10)
	p.MaxQueue = 2
	// A single enormous block should not jump the queue depth by more than
	// the +50 clamp in one update.
	p.RecordBlockReceived(100 * 1024 * 1024)
	require.LessOrEqual(p.MaxQueue, 52)
}

func TestPeerWantsMoreNeverBelowOne(t *testing.T) {
	require := require.New(t)

	p := NewPeer(testPeerID(t), "1.2.3.4:6881", 10)
	p.MaxQueue = 2
	p.InFlight = 10
	require.Equal(1, p.WantsMore())
}

func TestPeerIdle(t *testing.T) {
	require := require.New(t)

	p := NewPeer(testPeerID(t), "1.2.3.4:6881", 10)
	now := time.Now()
	p.Touch(now)
	require.False(p.Idle(now.Add(time.Second), 30*time.Second))
	require.True(p.Idle(now.Add(time.Minute), 30*time.Second))
}
