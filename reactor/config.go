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

import "time"

// Config configures the job-wheel cadences of a Reactor. Peer readiness
// and disk/tracker responses are event-driven rather than polled, so they
// have no associated interval here.
type Config struct {
	ThrottleTickInterval     time.Duration `yaml:"throttle_tick_interval"`
	ThrottleFlushInterval    time.Duration `yaml:"throttle_flush_interval"`
	TrackerRefreshInterval   time.Duration `yaml:"tracker_refresh_interval"`
	ChokeRotationInterval    time.Duration `yaml:"choke_rotation_interval"`
	SessionSerializeInterval time.Duration `yaml:"session_serialize_interval"`
	PeerReapInterval         time.Duration `yaml:"peer_reap_interval"`
	RPCLivenessInterval      time.Duration `yaml:"rpc_liveness_interval"`
}

func (c Config) applyDefaults() Config {
	if c.ThrottleTickInterval == 0 {
		c.ThrottleTickInterval = 5 * time.Millisecond
	}
	if c.ThrottleFlushInterval == 0 {
		c.ThrottleFlushInterval = 50 * time.Millisecond
	}
	if c.TrackerRefreshInterval == 0 {
		c.TrackerRefreshInterval = 2 * time.Minute
	}
	if c.ChokeRotationInterval == 0 {
		c.ChokeRotationInterval = 10 * time.Second
	}
	if c.SessionSerializeInterval == 0 {
		c.SessionSerializeInterval = 10 * time.Second
	}
	if c.PeerReapInterval == 0 {
		c.PeerReapInterval = 2 * time.Second
	}
	if c.RPCLivenessInterval == 0 {
		c.RPCLivenessInterval = time.Second
	}
	return c
}
