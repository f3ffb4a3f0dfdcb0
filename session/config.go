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

// Package session implements the public handle surface (add_torrent,
// remove_torrent, pause, resume, validate, update_throttle, add_peer,
// add_tracker, update_tracker) that composes a Reactor, a connmgr.Manager,
// a disk.Dispatcher and a trackerclient.Client into a running engine.
package session

import (
	"time"

	"github.com/arcspin/torrentcore/connmgr"
	"github.com/arcspin/torrentcore/reactor"
	"github.com/arcspin/torrentcore/throttle"
	"github.com/arcspin/torrentcore/torrent"
)

// Config aggregates every sub-component's configuration.
type Config struct {
	Reactor     reactor.Config  `yaml:"reactor"`
	Conn        connmgr.Config  `yaml:"conn"`
	Torrent     torrent.Config  `yaml:"torrent"`
	ThrottleUp  throttle.Config `yaml:"throttle_up"`
	ThrottleDn  throttle.Config `yaml:"throttle_down"`
	DiskWorkers int             `yaml:"disk_workers"`
	ListenAddr  string          `yaml:"listen_addr"`
	AnnounceTTL time.Duration   `yaml:"announce_ttl"`
}

func (c Config) applyDefaults() Config {
	if c.DiskWorkers == 0 {
		c.DiskWorkers = 4
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":16881"
	}
	if c.AnnounceTTL == 0 {
		c.AnnounceTTL = 2 * time.Minute
	}
	return c
}
