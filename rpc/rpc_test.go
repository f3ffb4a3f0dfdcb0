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
package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	require := require.New(t)

	b := NewBus()
	ch1, _ := b.Subscribe()
	ch2, _ := b.Subscribe()

	b.Publish(Event{Kind: KindTorrent, Action: Extant, ID: "abc"})

	e1 := <-ch1
	e2 := <-ch2
	require.Equal(KindTorrent, e1.Kind)
	require.Equal(Extant, e1.Action)
	require.Equal("abc", e1.ID)
	require.Equal(e1, e2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	require := require.New(t)

	b := NewBus()
	ch, unsub := b.Subscribe()
	unsub()

	b.Publish(Event{Kind: KindPeer, Action: Removed})

	_, ok := <-ch
	require.False(ok)
	require.Equal(0, b.NumSubscribers())
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	require := require.New(t)

	b := NewBus()
	_, _ = b.Subscribe()
	require.Equal(1, b.NumSubscribers())

	for i := 0; i < 300; i++ {
		b.Publish(Event{Kind: KindPiece, Action: Update})
	}

	require.Equal(0, b.NumSubscribers())
}
