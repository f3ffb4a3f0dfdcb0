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

import (
	"github.com/arcspin/torrentcore/bitfield"
	pheap "github.com/arcspin/torrentcore/picker/internal/heap"
)

// rarestFirstStrategy ranks pieces by swarm availability, always
// preferring the rarest piece the asking peer holds.
type rarestFirstStrategy struct {
	numPieces    int
	availability []int
	queue        *pheap.PriorityQueue
	onStrategy   []bool // whether piece i is still tracked by queue
}

func newRarestFirst(numPieces int) *rarestFirstStrategy {
	s := &rarestFirstStrategy{
		numPieces:    numPieces,
		availability: make([]int, numPieces),
		onStrategy:   make([]bool, numPieces),
	}
	items := make([]*pheap.Item, 0, numPieces)
	for i := 0; i < numPieces; i++ {
		items = append(items, &pheap.Item{Piece: i, Priority: 0})
		s.onStrategy[i] = true
	}
	s.queue = pheap.NewPriorityQueue(items...)
	return s
}

func (s *rarestFirstStrategy) onAvailabilityChange(piece int, delta int) {
	if piece < 0 || piece >= s.numPieces {
		return
	}
	s.availability[piece] += delta
	if s.availability[piece] < 0 {
		s.availability[piece] = 0
	}
	if s.onStrategy[piece] {
		s.queue.Update(piece, s.availability[piece])
	} else {
		// Invalidation re-admits a piece previously removed once it's
		// fully handed out; restore it to the queue at its current rank.
		s.queue.Push(&pheap.Item{Piece: piece, Priority: s.availability[piece]})
		s.onStrategy[piece] = true
	}
}

func (s *rarestFirstStrategy) onPieceComplete(piece int) {
	if piece < 0 || piece >= s.numPieces || !s.onStrategy[piece] {
		return
	}
	s.queue.Remove(piece)
	s.onStrategy[piece] = false
}

// next scans pieces from rarest to least-rare, returning the first one
// the peer holds that isn't already fully assigned out and isn't already
// locally complete. Popped-but-rejected items are re-pushed so the queue
// isn't destructively drained by a single lookup.
func (s *rarestFirstStrategy) next(peerHas *bitfield.Bitfield, inProgress map[int]bool, have *bitfield.Bitfield) (int, bool) {
	var rejected []*pheap.Item
	defer func() {
		for _, it := range rejected {
			s.queue.Push(it)
		}
	}()

	for s.queue.Len() > 0 {
		item, err := s.queue.Pop()
		if err != nil {
			break
		}
		piece := item.Piece
		if have.Has(piece) || inProgress[piece] {
			rejected = append(rejected, item)
			continue
		}
		if !peerHas.Has(piece) {
			rejected = append(rejected, item)
			continue
		}
		rejected = append(rejected, item)
		return piece, true
	}
	return 0, false
}
