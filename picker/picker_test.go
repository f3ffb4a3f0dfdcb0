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
package picker

import (
	"testing"
	"time"

	"github.com/arcspin/torrentcore/bitfield"
	"github.com/arcspin/torrentcore/core"
	"github.com/stretchr/testify/require"
)

func fullBitfield(t *testing.T, n int) *bitfield.Bitfield {
	b := bitfield.New(n)
	for i := 0; i < n; i++ {
		b.Set(i)
	}
	return b
}

func peer(t *testing.T) core.PeerID {
	id, err := core.RandomPeerID()
	require.NoError(t, err)
	return id
}

func TestSequentialPicksFirstIncomplete(t *testing.T) {
	require := require.New(t)

	have := bitfield.New(4)
	m := NewManager(Config{}, 4, 16384, 4*16384, have)
	peerHas := fullBitfield(t, 4)

	reqs := m.ReservePieces(peer(t), peerHas, 1, time.Now())
	require.Len(reqs, 1)
	require.Equal(0, reqs[0].Piece)
}

func TestRarestFirstPrefersLeastAvailable(t *testing.T) {
	require := require.New(t)

	have := bitfield.New(3)
	m := NewManager(Config{RarestFirst: true}, 3, 16384, 3*16384, have)

	// Piece 0 and 2 are common, piece 1 is rare.
	m.OnPeerHave(0)
	m.OnPeerHave(0)
	m.OnPeerHave(1)
	m.OnPeerHave(2)
	m.OnPeerHave(2)

	peerHas := fullBitfield(t, 3)
	reqs := m.ReservePieces(peer(t), peerHas, 1, time.Now())
	require.Len(reqs, 1)
	require.Equal(1, reqs[0].Piece)
}

func TestReserveDoesNotDoubleAssignSamePeer(t *testing.T) {
	require := require.New(t)

	have := bitfield.New(1)
	m := NewManager(Config{}, 1, 32768, 32768, have)
	peerHas := fullBitfield(t, 1)
	p := peer(t)

	reqs := m.ReservePieces(p, peerHas, 5, time.Now())
	// Piece has exactly 2 blocks (32768/16384); same peer shouldn't be
	// assigned the same block twice. One incomplete piece is within the
	// default endgame threshold, yet the picker still stops once this peer
	// holds every block.
	require.Len(reqs, 2)
}

func TestOnBlockReceivedCompletesPiece(t *testing.T) {
	require := require.New(t)

	have := bitfield.New(1)
	m := NewManager(Config{}, 1, 16384, 16384, have)
	peerHas := fullBitfield(t, 1)
	p := peer(t)

	reqs := m.ReservePieces(p, peerHas, 1, time.Now())
	require.Len(reqs, 1)

	complete, requesters := m.OnBlockReceived(0, 0)
	require.True(complete)
	require.Contains(requesters, p)
}

func TestEndgameAllowsDuplicateRequests(t *testing.T) {
	require := require.New(t)

	have := bitfield.New(1)
	cfg := Config{EndgameThreshold: 5}
	m := NewManager(cfg, 1, 16384, 16384, have)
	peerHas := fullBitfield(t, 1)

	p1, p2 := peer(t), peer(t)
	reqs1 := m.ReservePieces(p1, peerHas, 1, time.Now())
	require.Len(reqs1, 1)

	// Incomplete pieces (1) <= EndgameThreshold (5), so the same block may
	// be handed to a second peer.
	reqs2 := m.ReservePieces(p2, peerHas, 1, time.Now())
	require.Len(reqs2, 1)
	require.Equal(reqs1[0].Begin, reqs2[0].Begin)
}

func TestInvalidateReadmitsPiece(t *testing.T) {
	require := require.New(t)

	have := bitfield.New(1)
	m := NewManager(Config{}, 1, 16384, 16384, have)
	peerHas := fullBitfield(t, 1)
	p := peer(t)

	m.ReservePieces(p, peerHas, 1, time.Now())
	m.Invalidate(0)

	reqs := m.ReservePieces(peer(t), peerHas, 1, time.Now())
	require.Len(reqs, 1)
	require.Equal(0, reqs[0].Piece)
}

func TestExpirePeerFreesBlockForReassignment(t *testing.T) {
	require := require.New(t)

	have := bitfield.New(1)
	m := NewManager(Config{}, 1, 16384, 16384, have)
	peerHas := fullBitfield(t, 1)
	p1 := peer(t)

	m.ReservePieces(p1, peerHas, 1, time.Now())
	m.ExpirePeer(p1)

	reqs := m.ReservePieces(peer(t), peerHas, 1, time.Now())
	require.Len(reqs, 1)
}
