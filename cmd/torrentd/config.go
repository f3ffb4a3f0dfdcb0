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
package main

import (
	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/internal/log"
	"github.com/arcspin/torrentcore/internal/metrics"
	"github.com/arcspin/torrentcore/session"
	httptracker "github.com/arcspin/torrentcore/trackerclient/http"
)

// Config is the full daemon configuration, loaded from a yaml file via
// configutil.Load.
type Config struct {
	ZapLogging    log.Config         `yaml:"zap"`
	Metrics       metrics.Config     `yaml:"metrics"`
	Session       session.Config     `yaml:"session"`
	Tracker       httptracker.Config `yaml:"tracker"`
	PeerIDFactory core.PeerIDFactory `yaml:"peer_id_factory"`
	DataDir       string             `yaml:"data_dir"`
	StateDir      string             `yaml:"state_dir"`
}

func (c Config) applyDefaults() Config {
	if c.PeerIDFactory == "" {
		c.PeerIDFactory = core.RandomPeerIDFactory
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	return c
}
