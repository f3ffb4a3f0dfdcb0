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
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrShortRead is returned by Decode when the underlying reader has no more
// buffered data and the read deadline elapsed before a full frame arrived.
// It is not a connection failure: callers should refresh the deadline and
// call Decode again, picking up exactly where the partial frame left off.
var ErrShortRead = errors.New("wire: short read")

// maxMessageLength bounds the length prefix accepted from a peer, so a
// corrupt or hostile frame can't force an unbounded allocation.
const maxMessageLength = 1 << 20

// tailCap is the capacity of pooled Piece tail buffers: a block's index and
// begin fields plus one full-sized block.
const tailCap = 8 + BlockSize

var tailPool = sync.Pool{
	New: func() interface{} { return make([]byte, tailCap) },
}

// allocTail returns the buffer a message's post-id bytes should be read
// into. Only full-sized (or smaller, for a torrent's final block) Piece
// tails are worth pooling: every other message is small and rare enough
// that a fresh allocation is cheaper than the bookkeeping to pool it.
func allocTail(id ID, tailLen uint32) (buf []byte, pooled bool) {
	if id == Piece && tailLen <= tailCap {
		buf := tailPool.Get().([]byte)
		return buf[:tailLen], true
	}
	return make([]byte, tailLen), false
}

type decodeStage int

const (
	stageLength decodeStage = iota
	stageID
	stageTail
)

// Reader decodes a stream of length-prefixed frames from one peer
// connection across repeated, non-blocking Decode calls. It holds no
// reference to the connection itself, so the caller is free to apply and
// refresh its own read deadline between calls.
type Reader struct {
	numPieces int

	stage  decodeStage
	lenBuf [4]byte
	filled int

	length uint32
	id     ID
	tail   []byte
	pooled bool
}

// NewReader constructs a Reader. numPieces is used to validate a Bitfield
// frame's length and can be updated later with SetNumPieces once it's
// known, which is typically after a torrent's metainfo has been resolved.
func NewReader(numPieces int) *Reader {
	return &Reader{numPieces: numPieces}
}

// SetNumPieces updates the bitfield length Decode validates against. Safe
// to call between Decode calls for the same frame, since numPieces is only
// consulted once a frame's tail is fully buffered.
func (d *Reader) SetNumPieces(n int) {
	d.numPieces = n
}

// Decode attempts to read one frame from r. On ErrShortRead, the bytes of
// a partial frame read so far are kept in d and the next call resumes from
// there; the caller should try again later with a freshly extended
// deadline. Any
// other non-nil error means r is no longer usable.
func (d *Reader) Decode(r *bufio.Reader) (*Message, error) {
	if d.stage == stageLength {
		if err := fill(r, d.lenBuf[:], &d.filled); err != nil {
			return nil, err
		}
		d.filled = 0
		d.length = binary.BigEndian.Uint32(d.lenBuf[:])
		if d.length == 0 {
			km := KeepAlive
			return &km, nil
		}
		if d.length > maxMessageLength {
			return nil, fmt.Errorf("%w: frame length %d exceeds maximum", ErrWireFormat, d.length)
		}
		d.stage = stageID
	}

	if d.stage == stageID {
		var idBuf [1]byte
		if err := fill(r, idBuf[:], &d.filled); err != nil {
			return nil, err
		}
		d.filled = 0
		d.id = ID(idBuf[0])
		d.tail, d.pooled = allocTail(d.id, d.length-1)
		d.stage = stageTail
	}

	if err := fill(r, d.tail, &d.filled); err != nil {
		return nil, err
	}

	id, tail, pooled := d.id, d.tail, d.pooled
	d.filled = 0
	d.tail = nil
	d.pooled = false
	d.stage = stageLength

	m, err := decodeBody(id, tail, pooled, d.numPieces)
	if err != nil {
		if pooled {
			tailPool.Put(tail[:cap(tail)])
		}
		return nil, err
	}
	return m, nil
}

// fill reads into buf until it's full, tracking progress in *filled across
// calls so a timeout partway through doesn't lose bytes already read.
func fill(r *bufio.Reader, buf []byte, filled *int) error {
	for *filled < len(buf) {
		n, err := r.Read(buf[*filled:])
		*filled += n
		if err != nil {
			if isTimeout(err) {
				return ErrShortRead
			}
			return err
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// decodeBody interprets id's payload (the frame minus its length prefix and
// id byte). When pooled is true, payload came from tailPool and the
// returned Piece message retains it so Message.Release can hand it back.
func decodeBody(id ID, payload []byte, pooled bool, numPieces int) (*Message, error) {
	switch id {
	case Choke, Unchoke, Interested, Uninterested:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: id %d expects empty payload, got %d bytes", ErrWireFormat, id, len(payload))
		}
		m := Simple(id)
		return &m, nil

	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: have expects 4 byte payload, got %d", ErrWireFormat, len(payload))
		}
		m := NewHave(binary.BigEndian.Uint32(payload))
		return &m, nil

	case Bitfield:
		wantLen := (numPieces + 7) / 8
		if len(payload) != wantLen {
			return nil, fmt.Errorf("%w: bitfield expected %d bytes, got %d", ErrProtocolViolation, wantLen, len(payload))
		}
		m := NewBitfield(payload)
		return &m, nil

	case Request, Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("%w: id %d expects 12 byte payload, got %d", ErrWireFormat, id, len(payload))
		}
		index := binary.BigEndian.Uint32(payload[0:4])
		begin := binary.BigEndian.Uint32(payload[4:8])
		length := binary.BigEndian.Uint32(payload[8:12])
		var m Message
		if id == Request {
			m = NewRequest(index, begin, length)
		} else {
			m = NewCancel(index, begin, length)
		}
		return &m, nil

	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: piece payload too short", ErrWireFormat)
		}
		index := binary.BigEndian.Uint32(payload[0:4])
		begin := binary.BigEndian.Uint32(payload[4:8])
		block := payload[8:]
		if len(block) != BlockSize {
			// Every block that is not exactly BlockSize is rejected here,
			// a shorter final block of the final piece included.
			return nil, fmt.Errorf("%w: got %d bytes", ErrBadBlockSize, len(block))
		}
		m := NewPiece(index, begin, block)
		if pooled {
			m.pooledTail = payload
		}
		return &m, nil

	case Port:
		if len(payload) != 2 {
			return nil, fmt.Errorf("%w: port expects 2 byte payload, got %d", ErrWireFormat, len(payload))
		}
		m := NewPort(binary.BigEndian.Uint16(payload))
		return &m, nil

	case Extension:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: extension payload too short", ErrWireFormat)
		}
		m := Message{ID: Extension, ExtendedID: payload[0], ExtPayload: payload[1:]}
		return &m, nil

	default:
		return nil, fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, id)
	}
}

// Encode writes m to bw and flushes. BEP 3 frames are small enough
// relative to the socket send buffer that a resumable, partial-write-aware
// encoder isn't worth the bookkeeping; bufio.Writer.Flush already loops
// internally until the full buffer clears or a real error occurs.
func Encode(bw *bufio.Writer, m Message) error {
	if m.IsKeepAlive() {
		if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
			return err
		}
		return bw.Flush()
	}

	var body []byte
	switch m.ID {
	case Choke, Unchoke, Interested, Uninterested:
		body = []byte{byte(m.ID)}

	case Have:
		body = make([]byte, 5)
		body[0] = byte(Have)
		binary.BigEndian.PutUint32(body[1:], m.Index)

	case Bitfield:
		body = make([]byte, 1+len(m.Payload))
		body[0] = byte(Bitfield)
		copy(body[1:], m.Payload)

	case Request, Cancel:
		body = make([]byte, 13)
		body[0] = byte(m.ID)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		binary.BigEndian.PutUint32(body[9:13], m.Length)

	case Piece:
		body = make([]byte, 9+len(m.Block))
		body[0] = byte(Piece)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		copy(body[9:], m.Block)

	case Port:
		body = make([]byte, 3)
		body[0] = byte(Port)
		binary.BigEndian.PutUint16(body[1:], m.ListenPort)

	case Extension:
		body = make([]byte, 2+len(m.ExtPayload))
		body[0] = byte(Extension)
		body[1] = m.ExtendedID
		copy(body[2:], m.ExtPayload)

	default:
		return fmt.Errorf("%w: cannot encode unknown message id %d", ErrWireFormat, m.ID)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}
