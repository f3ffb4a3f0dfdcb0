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
package wire

import (
	"container/list"
	"sync"
)

// Writer is the FIFO of pending outbound messages for a single connection.
// A Cancel for (index, begin) removes any queued Piece that would
// otherwise satisfy it, before it is ever observed by the remote, and
// releases its buffer if it was pool-backed.
type Writer struct {
	mu   sync.Mutex
	msgs *list.List
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{msgs: list.New()}
}

// Push enqueues m.
func (q *Writer) Push(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs.PushBack(&m)
}

// Cancel removes any queued Piece message matching (index, begin) and
// returns whether one was found. Called when the remote peer cancels a
// Request we had already queued a response for, so the stale Piece is
// never observed on the wire.
func (q *Writer) Cancel(index, begin uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.msgs.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Message)
		if m.ID == Piece && m.Index == index && m.Begin == begin {
			q.msgs.Remove(e)
			m.Release()
			return true
		}
	}
	return false
}

// Pop removes and returns the oldest queued message, if any.
func (q *Writer) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.msgs.Front()
	if e == nil {
		return Message{}, false
	}
	q.msgs.Remove(e)
	return *e.Value.(*Message), true
}

// Len returns the number of queued messages.
func (q *Writer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.msgs.Len()
}
