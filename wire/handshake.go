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
	"fmt"
	"io"

	"github.com/arcspin/torrentcore/core"
)

const (
	protocolName   = "BitTorrent protocol"
	handshakeLen   = 49 + len(protocolName)
	dhtReservedBit = 0x01
)

// Handshake is the fixed 68-byte frame exchanged first on every connection.
type Handshake struct {
	InfoHash core.InfoHash
	PeerID   core.PeerID
	DHT      bool
}

// NewHandshake builds a handshake, setting the DHT reserved bit when dht is
// true so the remote knows whether to expect a Port message.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID, dht bool) Handshake {
	return Handshake{InfoHash: infoHash, PeerID: peerID, DHT: dht}
}

// WriteTo serializes h onto w.
func (h Handshake) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:], protocolName)
	reserved := buf[1+len(protocolName) : 1+len(protocolName)+8]
	if h.DHT {
		reserved[7] = dhtReservedBit
	}
	copy(buf[1+len(protocolName)+8:], h.InfoHash.Bytes())
	copy(buf[1+len(protocolName)+8+20:], h.PeerID.Bytes())
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadHandshake reads and validates a 68-byte handshake frame from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	if int(buf[0]) != len(protocolName) {
		return Handshake{}, fmt.Errorf("%w: bad pstrlen %d", ErrProtocolViolation, buf[0])
	}
	if string(buf[1:1+len(protocolName)]) != protocolName {
		return Handshake{}, fmt.Errorf("%w: unrecognized protocol string", ErrProtocolViolation)
	}
	reserved := buf[1+len(protocolName) : 1+len(protocolName)+8]
	infoHashBytes := buf[1+len(protocolName)+8 : 1+len(protocolName)+8+20]
	peerIDBytes := buf[1+len(protocolName)+8+20:]

	infoHash, err := core.NewInfoHashFromRaw(infoHashBytes)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: bad info hash: %s", ErrProtocolViolation, err)
	}
	peerID, err := core.NewPeerIDFromBytes(peerIDBytes)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: bad peer id: %s", ErrProtocolViolation, err)
	}
	return Handshake{
		InfoHash: infoHash,
		PeerID:   peerID,
		DHT:      reserved[7]&dhtReservedBit != 0,
	}, nil
}
