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

// Package disk declares the external collaborator boundary between the
// engine and the on-disk file cache: request/response types the reactor
// exchanges with a worker, plus the Worker interface itself. The engine
// never touches a filesystem directly — disk/fileworker supplies the
// reference implementation used outside of tests.
package disk

import (
	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/metainfo"
)

// WriteRequest asks the worker to persist a received block at its
// (file, offset) spans.
type WriteRequest struct {
	InfoHash core.InfoHash
	Piece    int
	Begin    uint32
	Data     []byte
}

// ReadRequest asks the worker to read a block back out for serving a
// Piece message to a requesting peer.
type ReadRequest struct {
	InfoHash core.InfoHash
	Piece    int
	Begin    uint32
	Length   uint32
}

// ReadResult is the outcome of a ReadRequest.
type ReadResult struct {
	Data []byte
	Err  error
}

// ValidateRequest asks the worker to hash-check a complete piece already
// written to disk.
type ValidateRequest struct {
	InfoHash core.InfoHash
	Piece    int
}

// DeleteRequest asks the worker to remove a torrent's on-disk files,
// e.g. after removal with delete-data semantics.
type DeleteRequest struct {
	InfoHash core.InfoHash
}

// MoveRequest asks the worker to relocate a torrent's files, e.g. from a
// download directory into a completed-downloads directory once every
// piece verifies.
type MoveRequest struct {
	InfoHash core.InfoHash
	NewRoot  string
}

// Worker is the disk I/O collaborator's synchronous interface. The
// reactor never calls these directly from its own goroutine — instead it
// hands requests to a Dispatcher, which runs them on worker goroutines
// and posts results back as reactor events.
type Worker interface {
	Write(req WriteRequest) error
	Read(req ReadRequest) ReadResult
	Validate(req ValidateRequest) (bool, error)
	Delete(req DeleteRequest) error
	Move(req MoveRequest) error
}

// Registrar is implemented by Worker implementations that need to
// pre-allocate or index a torrent's files before any Write/Read/Validate
// request for it can be served. Called synchronously from the session
// layer's AddTorrent, off the reactor goroutine.
type Registrar interface {
	AddTorrent(info *metainfo.TorrentInfo) error
}

// Serializer persists and restores a torrent's completion bitfield
// alongside its data, so a resumed download doesn't need to re-verify
// every piece.
type Serializer interface {
	SerializeBitfield(h core.InfoHash, bits []byte) error
	DeserializeBitfield(h core.InfoHash) ([]byte, error)
}
