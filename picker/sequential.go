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

import "github.com/arcspin/torrentcore/bitfield"

// sequentialStrategy hands out pieces in ascending index order.
type sequentialStrategy struct {
	numPieces int
}

func newSequential(numPieces int) *sequentialStrategy {
	return &sequentialStrategy{numPieces: numPieces}
}

func (s *sequentialStrategy) next(peerHas *bitfield.Bitfield, inProgress map[int]bool, have *bitfield.Bitfield) (int, bool) {
	for i := 0; i < s.numPieces; i++ {
		if have.Has(i) || inProgress[i] {
			continue
		}
		if peerHas.Has(i) {
			return i, true
		}
	}
	return 0, false
}

func (s *sequentialStrategy) onPieceComplete(piece int) {}

func (s *sequentialStrategy) onAvailabilityChange(piece int, delta int) {}
