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
	"bufio"
	"bytes"
	"testing"

	"github.com/arcspin/torrentcore/core"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	infoHash, err := core.NewInfoHashFromHex("da39a3ee5e6b4b0d3255bfef95601890afd80709")
	require.NoError(err)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	h := NewHandshake(infoHash, peerID, true)

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(err)
	require.EqualValues(68, n)

	got, err := ReadHandshake(&buf)
	require.NoError(err)
	require.Equal(infoHash, got.InfoHash)
	require.Equal(peerID, got.PeerID)
	require.True(got.DHT)
}

func TestReadHandshakeBadProtocol(t *testing.T) {
	require := require.New(t)

	buf := make([]byte, handshakeLen)
	buf[0] = 19
	copy(buf[1:], "NotBitTorrent proto")

	_, err := ReadHandshake(bytes.NewReader(buf))
	require.ErrorIs(err, ErrProtocolViolation)
}

// decodeOne writes m through Encode and decodes it back with a fresh
// Reader. bytes.Buffer never returns a timeout error, so every frame in
// these tests is expected to decode in a single Decode call.
func decodeOne(t *testing.T, m Message, numPieces int) *Message {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, Encode(bufio.NewWriter(&buf), m))

	got, err := NewReader(numPieces).Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestKeepAliveRoundTrip(t *testing.T) {
	require := require.New(t)

	m := decodeOne(t, KeepAlive, 10)
	require.True(m.IsKeepAlive())
}

func TestSimpleMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, id := range []ID{Choke, Unchoke, Interested, Uninterested} {
		m := decodeOne(t, Simple(id), 10)
		require.Equal(id, m.ID)
	}
}

func TestHaveRoundTrip(t *testing.T) {
	require := require.New(t)

	m := decodeOne(t, NewHave(42), 100)
	require.Equal(Have, m.ID)
	require.EqualValues(42, m.Index)
}

func TestBitfieldRejectsWrongLength(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	require.NoError(Encode(bufio.NewWriter(&buf), NewBitfield([]byte{0xff})))

	// numPieces=100 wants ceil(100/8)=13 bytes, we only sent 1.
	_, err := NewReader(100).Decode(bufio.NewReader(&buf))
	require.ErrorIs(err, ErrProtocolViolation)
}

func TestRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	m := decodeOne(t, NewRequest(1, 2, 16384), 10)
	require.Equal(Request, m.ID)
	require.EqualValues(1, m.Index)
	require.EqualValues(2, m.Begin)
	require.EqualValues(16384, m.Length)
}

func TestPieceRoundTrip(t *testing.T) {
	require := require.New(t)

	block := bytes.Repeat([]byte{0x42}, BlockSize)
	m := decodeOne(t, NewPiece(3, 0, block), 10)
	require.Equal(Piece, m.ID)
	require.Equal(block, m.Block)

	m.Release()
	require.Nil(m.Block)
}

func TestPieceBadBlockSize(t *testing.T) {
	require := require.New(t)

	block := bytes.Repeat([]byte{0x42}, 100)
	var buf bytes.Buffer
	require.NoError(Encode(bufio.NewWriter(&buf), NewPiece(3, 0, block)))

	_, err := NewReader(10).Decode(bufio.NewReader(&buf))
	require.ErrorIs(err, ErrBadBlockSize)
}

// fakeTimeout mimics the net.Error a socket read returns when its
// deadline elapses with nothing buffered.
type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "fake timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

// chunkedReader serves bytes appended to it so far, returning a timeout
// error once it runs dry instead of blocking or returning io.EOF.
type chunkedReader struct {
	data []byte
	pos  int
}

func (r *chunkedReader) feed(b []byte) { r.data = append(r.data, b...) }

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, fakeTimeout{}
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func TestDecodeResumesAcrossShortReads(t *testing.T) {
	require := require.New(t)

	block := bytes.Repeat([]byte{0x7}, BlockSize)
	var raw bytes.Buffer
	require.NoError(Encode(bufio.NewWriter(&raw), NewPiece(5, 0, block)))
	full := raw.Bytes()

	cr := &chunkedReader{}
	br := bufio.NewReaderSize(cr, 4)
	dec := NewReader(10)

	// Feed the frame in small, arbitrary chunks, polling Decode between
	// each one exactly as connmgr's readLoop does against a real socket.
	var got *Message
	var fed int
	for got == nil {
		if fed < len(full) {
			end := fed + 3
			if end > len(full) {
				end = len(full)
			}
			cr.feed(full[fed:end])
			fed = end
		}
		m, err := dec.Decode(br)
		if err == ErrShortRead {
			continue
		}
		require.NoError(err)
		got = m
	}

	require.Equal(Piece, got.ID)
	require.Equal(block, got.Block)
}

func TestWriterCancelDropsQueuedPiece(t *testing.T) {
	require := require.New(t)

	q := NewWriter()
	q.Push(NewPiece(1, 0, []byte("a")))
	q.Push(NewPiece(1, 16384, []byte("b")))
	require.Equal(2, q.Len())

	require.True(q.Cancel(1, 0))
	require.Equal(1, q.Len())

	m, ok := q.Pop()
	require.True(ok)
	require.EqualValues(16384, m.Begin)
}

func TestWriterFIFOOrder(t *testing.T) {
	require := require.New(t)

	q := NewWriter()
	q.Push(Simple(Choke))
	q.Push(Simple(Unchoke))

	m1, _ := q.Pop()
	m2, _ := q.Pop()
	require.Equal(Choke, m1.ID)
	require.Equal(Unchoke, m2.ID)

	_, ok := q.Pop()
	require.False(ok)
}
