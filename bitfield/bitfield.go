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

// Package bitfield implements the per-torrent piece-ownership vector used
// both for local state and the wire Bitfield message. Bit order matches
// BEP 3: MSB of byte 0 is piece index 0.
package bitfield

import (
	"errors"
	"fmt"

	"github.com/willf/bitset"
)

// ErrLengthMismatch is returned when a wire payload does not decode into
// the expected number of pieces.
var ErrLengthMismatch = errors.New("bitfield: wire payload length mismatch")

// ErrTrailingBitsSet is returned when a wire payload sets bits beyond n.
var ErrTrailingBitsSet = errors.New("bitfield: trailing bits beyond piece count are set")

// Bitfield tracks which pieces of a torrent are held, with an incrementally
// maintained popcount and a fast path for the all-set case.
type Bitfield struct {
	n      int
	bits   *bitset.BitSet
	count  uint
	allSet bool
}

// New creates an empty Bitfield over n pieces.
func New(n int) *Bitfield {
	return &Bitfield{
		n:    n,
		bits: bitset.New(uint(n)),
	}
}

// Len returns the number of pieces this bitfield tracks.
func (b *Bitfield) Len() int {
	return b.n
}

// Has reports whether piece i is set.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bits.Test(uint(i))
}

// Set marks piece i as held. No-op if already set.
func (b *Bitfield) Set(i int) {
	if i < 0 || i >= b.n || b.bits.Test(uint(i)) {
		return
	}
	b.bits.Set(uint(i))
	b.count++
	if b.count == uint(b.n) {
		b.allSet = true
	}
}

// Clear unmarks piece i, for example after a failed hash check.
func (b *Bitfield) Clear(i int) {
	if i < 0 || i >= b.n || !b.bits.Test(uint(i)) {
		return
	}
	b.bits.Clear(uint(i))
	b.count--
	b.allSet = false
}

// Count returns the number of set pieces.
func (b *Bitfield) Count() int {
	return int(b.count)
}

// Complete reports whether every piece is set.
func (b *Bitfield) Complete() bool {
	return b.allSet
}

// Copy returns an independent copy of b.
func (b *Bitfield) Copy() *Bitfield {
	c := &Bitfield{
		n:      b.n,
		bits:   b.bits.Clone(),
		count:  b.count,
		allSet: b.allSet,
	}
	return c
}

// MarshalWire encodes b into the ceil(n/8)-byte payload used by the wire
// Bitfield message, MSB-first.
func (b *Bitfield) MarshalWire() []byte {
	out := make([]byte, wireLen(b.n))
	for i := 0; i < b.n; i++ {
		if b.bits.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// UnmarshalWire decodes a wire Bitfield payload for a torrent with n pieces.
// Returns ErrLengthMismatch if the payload isn't exactly ceil(n/8) bytes, and
// ErrTrailingBitsSet if any bit beyond n-1 is set.
func UnmarshalWire(n int, payload []byte) (*Bitfield, error) {
	want := wireLen(n)
	if len(payload) != want {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrLengthMismatch, want, len(payload))
	}
	b := New(n)
	for i := 0; i < n; i++ {
		if payload[i/8]&(1<<uint(7-i%8)) != 0 {
			b.Set(i)
		}
	}
	for i := n; i < want*8; i++ {
		if payload[i/8]&(1<<uint(7-i%8)) != 0 {
			return nil, ErrTrailingBitsSet
		}
	}
	return b, nil
}

func wireLen(n int) int {
	return (n + 7) / 8
}
