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

// Package fileworker is the reference disk.Worker implementation: it
// lays torrent files out under a root directory and serves each request on
// the calling goroutine. It starts no goroutines of its own and is safe
// for the concurrent calls of disk.Dispatcher's worker pool (distinct
// pieces may be written concurrently; all pieces may be read
// concurrently).
package fileworker

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/disk"
	"github.com/arcspin/torrentcore/metainfo"
)

// Worker is a filesystem-backed disk.Worker. One Worker serves every
// torrent the session has added; each torrent's files live under
// root/<info-hash-hex>/.
type Worker struct {
	root string

	mu    sync.Mutex
	infos map[core.InfoHash]*metainfo.TorrentInfo

	// pieceLocks serializes concurrent writes to the same piece while
	// allowing distinct pieces (and all reads) to proceed in parallel.
	pieceLocks map[pieceKey]*sync.Mutex
}

type pieceKey struct {
	hash  core.InfoHash
	piece int
}

// New creates a Worker rooted at dir, which must already exist.
func New(dir string) *Worker {
	return &Worker{
		root:       dir,
		infos:      make(map[core.InfoHash]*metainfo.TorrentInfo),
		pieceLocks: make(map[pieceKey]*sync.Mutex),
	}
}

// AddTorrent registers ti so subsequent requests for its info hash know
// how to map pieces onto files. Pre-allocates every file to its final
// length.
func (w *Worker) AddTorrent(ti *metainfo.TorrentInfo) error {
	w.mu.Lock()
	w.infos[ti.InfoHash()] = ti
	w.mu.Unlock()

	dir := w.torrentDir(ti.InfoHash())
	for _, f := range ti.Files() {
		path := filepath.Join(append([]string{dir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return fmt.Errorf("truncate: %w", err)
		}
		fh.Close()
	}
	return nil
}

func (w *Worker) torrentDir(h core.InfoHash) string {
	return filepath.Join(w.root, h.String())
}

func (w *Worker) lockFor(h core.InfoHash, piece int) *sync.Mutex {
	k := pieceKey{h, piece}
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.pieceLocks[k]
	if !ok {
		l = &sync.Mutex{}
		w.pieceLocks[k] = l
	}
	return l
}

func (w *Worker) infoFor(h core.InfoHash) (*metainfo.TorrentInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ti, ok := w.infos[h]
	if !ok {
		return nil, fmt.Errorf("fileworker: unknown torrent %s", h)
	}
	return ti, nil
}

// Write implements disk.Worker.
func (w *Worker) Write(req disk.WriteRequest) error {
	ti, err := w.infoFor(req.InfoHash)
	if err != nil {
		return err
	}

	l := w.lockFor(req.InfoHash, req.Piece)
	l.Lock()
	defer l.Unlock()

	locs, err := ti.Locate(req.Piece, int64(req.Begin), int64(len(req.Data)))
	if err != nil {
		return err
	}

	var consumed int64
	for _, loc := range locs {
		path := filepath.Join(append([]string{w.torrentDir(req.InfoHash)}, loc.Path...)...)
		fh, err := os.OpenFile(path, os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open for write: %w", err)
		}
		_, err = fh.WriteAt(req.Data[consumed:consumed+loc.Length], loc.Offset)
		fh.Close()
		if err != nil {
			return fmt.Errorf("write at: %w", err)
		}
		consumed += loc.Length
	}
	return nil
}

// Read implements disk.Worker.
func (w *Worker) Read(req disk.ReadRequest) disk.ReadResult {
	ti, err := w.infoFor(req.InfoHash)
	if err != nil {
		return disk.ReadResult{Err: err}
	}

	locs, err := ti.Locate(req.Piece, int64(req.Begin), int64(req.Length))
	if err != nil {
		return disk.ReadResult{Err: err}
	}

	out := make([]byte, 0, req.Length)
	for _, loc := range locs {
		path := filepath.Join(append([]string{w.torrentDir(req.InfoHash)}, loc.Path...)...)
		fh, err := os.Open(path)
		if err != nil {
			return disk.ReadResult{Err: fmt.Errorf("open for read: %w", err)}
		}
		buf := make([]byte, loc.Length)
		_, err = fh.ReadAt(buf, loc.Offset)
		fh.Close()
		if err != nil {
			return disk.ReadResult{Err: fmt.Errorf("read at: %w", err)}
		}
		out = append(out, buf...)
	}
	return disk.ReadResult{Data: out}
}

// Validate implements disk.Worker, hashing every byte span belonging to
// a complete piece and comparing against the expected SHA-1.
func (w *Worker) Validate(req disk.ValidateRequest) (bool, error) {
	ti, err := w.infoFor(req.InfoHash)
	if err != nil {
		return false, err
	}
	length := ti.PieceLengthAt(req.Piece)
	res := w.Read(disk.ReadRequest{InfoHash: req.InfoHash, Piece: req.Piece, Begin: 0, Length: uint32(length)})
	if res.Err != nil {
		return false, res.Err
	}
	sum := sha1.Sum(res.Data)
	return sum == ti.PieceHash(req.Piece), nil
}

// Delete implements disk.Worker.
func (w *Worker) Delete(req disk.DeleteRequest) error {
	w.mu.Lock()
	delete(w.infos, req.InfoHash)
	w.mu.Unlock()
	return os.RemoveAll(w.torrentDir(req.InfoHash))
}

// Move implements disk.Worker, relocating a torrent's entire directory
// tree to newRoot once it has finished downloading.
func (w *Worker) Move(req disk.MoveRequest) error {
	src := w.torrentDir(req.InfoHash)
	dst := filepath.Join(req.NewRoot, filepath.Base(src))
	if err := os.MkdirAll(req.NewRoot, 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}
