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
package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAndHas(t *testing.T) {
	require := require.New(t)

	b := New(10)
	require.False(b.Has(3))
	b.Set(3)
	require.True(b.Has(3))
	require.Equal(1, b.Count())
}

func TestCompleteTracksAllSet(t *testing.T) {
	require := require.New(t)

	b := New(3)
	require.False(b.Complete())
	b.Set(0)
	b.Set(1)
	require.False(b.Complete())
	b.Set(2)
	require.True(b.Complete())

	b.Clear(1)
	require.False(b.Complete())
	require.Equal(2, b.Count())
}

func TestMarshalUnmarshalWireRoundTrip(t *testing.T) {
	require := require.New(t)

	b := New(10)
	b.Set(0)
	b.Set(7)
	b.Set(9)

	payload := b.MarshalWire()
	require.Len(payload, 2)

	out, err := UnmarshalWire(10, payload)
	require.NoError(err)
	require.True(out.Has(0))
	require.True(out.Has(7))
	require.True(out.Has(9))
	require.Equal(3, out.Count())
}

func TestUnmarshalWireLengthMismatch(t *testing.T) {
	require := require.New(t)

	_, err := UnmarshalWire(10, make([]byte, 1))
	require.ErrorIs(err, ErrLengthMismatch)
}

func TestUnmarshalWireTrailingBitsSet(t *testing.T) {
	require := require.New(t)

	// 10 pieces needs 2 bytes; set a bit beyond index 9 (bit 6 of byte 1,
	// piece index 14, which doesn't exist).
	payload := []byte{0x00, 0x02}
	_, err := UnmarshalWire(10, payload)
	require.ErrorIs(err, ErrTrailingBitsSet)
}

func TestCopyIsIndependent(t *testing.T) {
	require := require.New(t)

	b := New(5)
	b.Set(1)
	c := b.Copy()
	c.Set(2)

	require.False(b.Has(2))
	require.True(c.Has(2))
}
