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
package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueuePopsLowestFirst(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue(
		&Item{Piece: 0, Priority: 3},
		&Item{Piece: 1, Priority: 1},
		&Item{Piece: 2, Priority: 4},
	)

	item, err := pq.Pop()
	require.NoError(err)
	require.Equal(1, item.Piece)

	pq.Push(&Item{Piece: 3, Priority: 0})
	item, err = pq.Pop()
	require.NoError(err)
	require.Equal(3, item.Piece)

	item, err = pq.Pop()
	require.NoError(err)
	require.Equal(0, item.Piece)
}

func TestPriorityQueueTiesBreakByInsertionOrder(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue()
	pq.Push(&Item{Piece: 5, Priority: 1})
	pq.Push(&Item{Piece: 6, Priority: 1})

	item, err := pq.Pop()
	require.NoError(err)
	require.Equal(5, item.Piece)
}

func TestPriorityQueueUpdateReordersAfterFix(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue(
		&Item{Piece: 0, Priority: 5},
		&Item{Piece: 1, Priority: 6},
	)
	pq.Update(1, 0)

	item, err := pq.Pop()
	require.NoError(err)
	require.Equal(1, item.Piece)
}

func TestPriorityQueueRemove(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue(
		&Item{Piece: 0, Priority: 1},
		&Item{Piece: 1, Priority: 2},
	)
	pq.Remove(0)
	require.Equal(1, pq.Len())

	item, err := pq.Pop()
	require.NoError(err)
	require.Equal(1, item.Piece)
}

func TestPriorityQueueEmptyPop(t *testing.T) {
	require := require.New(t)

	pq := NewPriorityQueue()
	_, err := pq.Pop()
	require.ErrorIs(err, ErrEmpty)
}
