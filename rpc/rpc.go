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

// Package rpc implements the resource lifecycle event bus the control
// plane subscribes to: Extant/Update/Removed for Server, Torrent, File,
// Peer, Tracker, and Piece resources. Grounded on the typed-event-
// constructor idiom of networkevent.Producer, generalized from a single
// append-only log sink into a fan-out to live subscriber channels.
package rpc

import (
	"sync"
	"time"
)

// Kind identifies which resource an Event describes.
type Kind string

// Resource kinds, per the control surface's resource taxonomy.
const (
	KindServer  Kind = "server"
	KindTorrent Kind = "torrent"
	KindFile    Kind = "file"
	KindPeer    Kind = "peer"
	KindTracker Kind = "tracker"
	KindPiece   Kind = "piece"
)

// Action identifies the lifecycle transition an Event reports.
type Action string

// Resource lifecycle actions.
const (
	Extant  Action = "extant"
	Update  Action = "update"
	Removed Action = "removed"
)

// Event is a single resource lifecycle notification.
type Event struct {
	Kind   Kind
	Action Action
	ID     string
	Time   time.Time

	// Attrs carries kind-specific fields (bytes transferred, status,
	// address) as a loosely typed bag, since each Kind's payload shape
	// differs and subscribers already know which Kind they asked for.
	Attrs map[string]interface{}
}

// Bus fans resource events out to subscribers. Slow subscribers are
// dropped from future delivery rather than blocking producers, since a
// control-plane client merely misses intermediate state and can always
// resync against the current Extant snapshot.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns a channel of events
// plus an unsubscribe function. The channel is buffered; a subscriber
// that falls behind by more than the buffer is unsubscribed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 256)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans e out to every live subscriber. A subscriber whose buffer
// is full is unsubscribed and its channel closed.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// NumSubscribers reports how many subscribers are currently live, mostly
// useful for tests and metrics.
func (b *Bus) NumSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
