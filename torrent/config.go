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

// Package torrent implements the Torrent aggregate: a single download or
// seed's pieces, peers, picker, and choker, wired together to drive the
// wire protocol for one info hash.
package torrent

import (
	"github.com/arcspin/torrentcore/choke"
	"github.com/arcspin/torrentcore/connstate"
	"github.com/arcspin/torrentcore/picker"
)

// Config aggregates the sub-component configs a Torrent is built from.
type Config struct {
	Conn   connstate.Config `yaml:"conn"`
	Picker picker.Config    `yaml:"picker"`
	Choke  choke.Config     `yaml:"choke"`
}
