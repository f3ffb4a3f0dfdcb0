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

// Package trackerclient defines the external collaborator interface a
// reactor uses to discover peers for a torrent. The core engine never talks
// to a tracker directly; it depends on this interface, which keeps the
// announce protocol (and any tracker transport) out of the event loop.
package trackerclient

import (
	"time"

	"github.com/arcspin/torrentcore/core"
)

// Event identifies the lifecycle event attached to an announce request, per
// BEP 3's optional "event" parameter.
type Event string

// Announce events.
const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// Request describes an outgoing announce.
type Request struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	IP         string
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Response is the decoded result of a tracker announce.
type Response struct {
	Interval time.Duration
	Peers    []*core.PeerInfo
}

// Client announces a torrent to a tracker and returns the peers it reports.
type Client interface {
	Announce(req Request) (*Response, error)
}

// Dialer builds a Client scoped to a torrent's own announce tier list, so
// each torrent can carry its own trackers (per BEP 12) rather than sharing
// a single tracker across the whole session. Implementations typically
// cache the Client per tier list, since Dialer is called on every announce.
type Dialer func(trackers []string) Client
