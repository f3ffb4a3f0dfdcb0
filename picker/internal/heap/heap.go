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

// Package heap provides a mutable min-priority queue of pieces keyed by
// swarm availability, used by the rarest-first picker strategy to find
// the least-available piece in O(log n) instead of scanning every piece
// on each request.
package heap

import (
	"container/heap"
	"errors"
)

// ErrEmpty is returned by Pop when the queue has no items.
var ErrEmpty = errors.New("heap: queue is empty")

// Item is one piece's entry in the priority queue. Priority is swarm
// availability (lower is rarer, popped first); ties break on insertion
// order via seq, matching spec's "breaking ties by insertion order".
type Item struct {
	Piece    int
	Priority int

	index int
	seq   int
}

type innerHeap []*Item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a min-priority queue of pieces ordered by availability.
type PriorityQueue struct {
	h       innerHeap
	byPiece map[int]*Item
	nextSeq int
}

// NewPriorityQueue builds a queue seeded with items.
func NewPriorityQueue(items ...*Item) *PriorityQueue {
	pq := &PriorityQueue{byPiece: make(map[int]*Item)}
	for _, it := range items {
		pq.Push(it)
	}
	return pq
}

// Push inserts item, assigning it the next insertion sequence number for
// tie-breaking.
func (pq *PriorityQueue) Push(item *Item) {
	item.seq = pq.nextSeq
	pq.nextSeq++
	heap.Push(&pq.h, item)
	pq.byPiece[item.Piece] = item
}

// Pop removes and returns the lowest-priority (rarest) item.
func (pq *PriorityQueue) Pop() (*Item, error) {
	if pq.h.Len() == 0 {
		return nil, ErrEmpty
	}
	item := heap.Pop(&pq.h).(*Item)
	delete(pq.byPiece, item.Piece)
	return item, nil
}

// Update changes the priority of the entry for piece, if present, and
// restores heap order.
func (pq *PriorityQueue) Update(piece int, priority int) {
	item, ok := pq.byPiece[piece]
	if !ok {
		return
	}
	item.Priority = priority
	heap.Fix(&pq.h, item.index)
}

// Remove deletes the entry for piece, if present.
func (pq *PriorityQueue) Remove(piece int) {
	item, ok := pq.byPiece[piece]
	if !ok {
		return
	}
	heap.Remove(&pq.h, item.index)
	delete(pq.byPiece, piece)
}

// Len returns the number of items currently queued.
func (pq *PriorityQueue) Len() int { return pq.h.Len() }

// Peek returns the rarest item without removing it.
func (pq *PriorityQueue) Peek() (*Item, bool) {
	if pq.h.Len() == 0 {
		return nil, false
	}
	return pq.h[0], true
}
