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

// Package wire implements the BEP 3 peer wire protocol: the handshake and
// the length-prefixed message frames exchanged over an established
// connection.
package wire

import "errors"

// ID identifies a message type by its first payload byte.
type ID byte

// Message ids, per BEP 3.
const (
	Choke        ID = 0
	Unchoke      ID = 1
	Interested   ID = 2
	Uninterested ID = 3
	Have         ID = 4
	Bitfield     ID = 5
	Request      ID = 6
	Piece        ID = 7
	Cancel       ID = 8
	Port         ID = 9
	Extension    ID = 20
)

// BlockSize is the fixed length of a Request/Piece block, except possibly
// the final block of the final piece.
const BlockSize = 16384

// Errors returned while decoding malformed frames.
var (
	ErrWireFormat        = errors.New("wire: malformed frame length")
	ErrProtocolViolation = errors.New("wire: protocol violation")
	ErrBadBlockSize      = errors.New("wire: piece block has unexpected size")
)

// Message is a decoded non-handshake frame.
type Message struct {
	ID ID

	// Have
	Index uint32

	// Bitfield
	Payload []byte

	// Request / Cancel
	Begin  uint32
	Length uint32

	// Piece
	Block []byte

	// Port
	ListenPort uint16

	// Extension
	ExtendedID byte
	ExtPayload []byte

	// pooledTail holds the Piece tail buffer this message was decoded
	// into, when Reader.Decode served it from tailPool. Nil for messages
	// built directly via the New* constructors.
	pooledTail []byte
}

// Release returns any pool-backed buffer under m to its pool and clears
// Block. It is a no-op for messages that weren't produced by a
// Reader.Decode Piece read, so callers can call it unconditionally once
// done with a Piece's Block: after it's written to disk, or when a
// queued Piece is dropped by a Cancel before being sent.
func (m *Message) Release() {
	if m.pooledTail == nil {
		return
	}
	tailPool.Put(m.pooledTail[:cap(m.pooledTail)])
	m.pooledTail = nil
	m.Block = nil
}

// KeepAlive is a zero-length frame carrying no message id.
var KeepAlive = Message{ID: 255}

// IsKeepAlive reports whether m represents a keep-alive frame.
func (m Message) IsKeepAlive() bool {
	return m.ID == 255
}

// NewHave builds a Have message.
func NewHave(index uint32) Message {
	return Message{ID: Have, Index: index}
}

// NewBitfield builds a Bitfield message.
func NewBitfield(payload []byte) Message {
	return Message{ID: Bitfield, Payload: payload}
}

// NewRequest builds a Request message.
func NewRequest(index, begin, length uint32) Message {
	return Message{ID: Request, Index: index, Begin: begin, Length: length}
}

// NewCancel builds a Cancel message.
func NewCancel(index, begin, length uint32) Message {
	return Message{ID: Cancel, Index: index, Begin: begin, Length: length}
}

// NewPiece builds a Piece message.
func NewPiece(index, begin uint32, block []byte) Message {
	return Message{ID: Piece, Index: index, Begin: begin, Block: block}
}

// NewPort builds a Port message (DHT hint).
func NewPort(port uint16) Message {
	return Message{ID: Port, ListenPort: port}
}

// Simple builds a zero-payload control message: Choke, Unchoke, Interested,
// or Uninterested.
func Simple(id ID) Message {
	return Message{ID: id}
}
