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

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestState(t *testing.T, cfg Config) (*State, *clock.Mock) {
	clk := clock.NewMock()
	return New(cfg, clk, zap.NewNop().Sugar()), clk
}

func TestStateAdmissionLifecycle(t *testing.T) {
	require := require.New(t)

	s, _ := newTestState(t, Config{MaxOpenConnections: 2})
	id := testPeerID(t)

	require.NoError(s.AddPending(id))
	require.ErrorIs(s.AddPending(id), ErrConnAlreadyPending)

	p := NewPeer(id, "1.2.3.4:6881", 10)
	require.NoError(s.MovePendingToActive(p))
	require.ErrorIs(s.AddPending(id), ErrConnAlreadyActive)

	got, ok := s.Get(id)
	require.True(ok)
	require.Same(p, got)

	s.DeleteActive(p)
	_, ok = s.Get(id)
	require.False(ok)
}

func TestStateCapacityEnforced(t *testing.T) {
	require := require.New(t)

	s, _ := newTestState(t, Config{MaxOpenConnections: 1})
	require.NoError(s.AddPending(testPeerID(t)))
	require.ErrorIs(s.AddPending(testPeerID(t)), ErrTorrentAtCapacity)
}

func TestStateSaturated(t *testing.T) {
	require := require.New(t)

	s, _ := newTestState(t, Config{MaxOpenConnections: 1})
	id := testPeerID(t)
	require.NoError(s.AddPending(id))
	require.False(s.Saturated())

	p := NewPeer(id, "1.2.3.4:6881", 10)
	require.NoError(s.MovePendingToActive(p))
	require.True(s.Saturated())
}

func TestStateBlacklistExpires(t *testing.T) {
	require := require.New(t)

	s, clk := newTestState(t, Config{BlacklistDuration: time.Minute})
	id := testPeerID(t)

	require.NoError(s.Blacklist(id))
	require.True(s.Blacklisted(id))
	require.ErrorIs(s.Blacklist(id), ErrAlreadyBlacklisted)

	clk.Add(2 * time.Minute)
	require.False(s.Blacklisted(id))
	require.NoError(s.Blacklist(id))
}

func TestStateClearBlacklist(t *testing.T) {
	require := require.New(t)

	s, _ := newTestState(t, Config{})
	id := testPeerID(t)
	require.NoError(s.Blacklist(id))
	s.ClearBlacklist()
	require.False(s.Blacklisted(id))
}

func TestStateReapIdle(t *testing.T) {
	require := require.New(t)

	s, clk := newTestState(t, Config{IdleTimeout: time.Minute, MaxLifetime: time.Hour})
	id := testPeerID(t)
	require.NoError(s.AddPending(id))
	p := NewPeer(id, "1.2.3.4:6881", 10)
	p.Touch(clk.Now())
	require.NoError(s.MovePendingToActive(p))

	clk.Add(2 * time.Minute)
	reaped := s.ReapIdle(nil)
	require.Len(reaped, 1)
	require.Equal(id, reaped[0].PeerID)

	_, ok := s.Get(id)
	require.False(ok)
}

func TestStateDisableBlacklist(t *testing.T) {
	require := require.New(t)

	s, _ := newTestState(t, Config{DisableBlacklist: true})
	id := testPeerID(t)
	require.NoError(s.Blacklist(id))
	require.False(s.Blacklisted(id))
}
