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

import "time"

// Config configures a torrent's connection admission policy.
type Config struct {
	MaxOpenConnections int           `yaml:"max_open_connections"`
	BlacklistDuration  time.Duration `yaml:"blacklist_duration"`
	DisableBlacklist   bool          `yaml:"disable_blacklist"`

	// IdleTimeout disconnects a peer which hasn't sent anything needed nor
	// requested anything needed for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxLifetime disconnects a peer after this long regardless of activity.
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

func (c Config) applyDefaults() Config {
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = 50
	}
	if c.BlacklistDuration == 0 {
		c.BlacklistDuration = 10 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = time.Hour
	}
	return c
}
