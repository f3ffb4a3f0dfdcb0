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

// Package metainfo parses and produces .torrent files, and exposes the
// immutable TorrentInfo a torrent is built from.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"sort"

	"github.com/arcspin/torrentcore/core"
	"github.com/jackpal/bencode-go"
)

// BlockSize is the fixed block length all pieces are divided into, except
// possibly the final block of the final piece.
const BlockSize = 16384

// File describes one file within a (possibly multi-file) torrent.
type File struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

type rawInfo struct {
	Name        string  `bencode:"name"`
	PieceLength int64   `bencode:"piece length"`
	Pieces      string  `bencode:"pieces"`
	Length      int64   `bencode:"length,omitempty"`
	Files       []File  `bencode:"files,omitempty"`
}

type rawTorrent struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         rawInfo    `bencode:"info"`
}

// TorrentInfo is the immutable description of a torrent, derived once a
// .torrent file has been parsed. fileStarts holds the cumulative offset of
// each file, precomputed once so Locate resolves block spans in
// O(log files) instead of re-summing file lengths on every call.
type TorrentInfo struct {
	name         string
	pieceLength  int64
	totalLength  int64
	files        []File
	fileStarts   []int64
	pieceHashes  [][20]byte
	infoHash     core.InfoHash
	announce     string
	announceList [][]string
}

// Read parses a bencoded .torrent file.
func Read(r io.Reader) (*TorrentInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read torrent: %w", err)
	}

	var raw rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal torrent: %w", err)
	}

	infoBytes, err := extractInfoDict(data)
	if err != nil {
		return nil, fmt.Errorf("extract info dict: %w", err)
	}
	infoHash := core.NewInfoHashFromBytes(infoBytes)

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("invalid pieces field: length %d not a multiple of 20", len(raw.Info.Pieces))
	}
	numPieces := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	files := raw.Info.Files
	total := raw.Info.Length
	if len(files) == 0 {
		files = []File{{Path: []string{raw.Info.Name}, Length: raw.Info.Length}}
	} else {
		total = 0
		for _, f := range files {
			total += f.Length
		}
	}

	if raw.Info.PieceLength <= 0 || raw.Info.PieceLength%BlockSize != 0 {
		return nil, fmt.Errorf("piece length %d is not a positive multiple of %d", raw.Info.PieceLength, BlockSize)
	}

	ti := &TorrentInfo{
		name:         raw.Info.Name,
		pieceLength:  raw.Info.PieceLength,
		totalLength:  total,
		files:        files,
		pieceHashes:  hashes,
		infoHash:     infoHash,
		announce:     raw.Announce,
		announceList: raw.AnnounceList,
	}
	ti.fileStarts = buildFileStarts(files)
	return ti, nil
}

// buildFileStarts returns the cumulative byte offset at which each file
// begins within the torrent's flattened byte space.
func buildFileStarts(files []File) []int64 {
	starts := make([]int64, len(files))
	var offset int64
	for i, f := range files {
		starts[i] = offset
		offset += f.Length
	}
	return starts
}

// extractInfoDict decodes the "info" sub-dictionary and re-encodes it as
// canonical bencode (sorted keys). Its SHA-1 matches other clients'
// InfoHash when the original was canonically encoded; other byte layouts
// are not preserved.
func extractInfoDict(data []byte) ([]byte, error) {
	var generic map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(data), &generic); err != nil {
		return nil, err
	}
	info, ok := generic["info"]
	if !ok {
		return nil, fmt.Errorf("missing info dict")
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Name returns the torrent's suggested name (single file name, or directory
// name for multi-file torrents).
func (t *TorrentInfo) Name() string { return t.name }

// PieceLength returns the declared length of every piece except the last.
func (t *TorrentInfo) PieceLength() int64 { return t.pieceLength }

// TotalLength returns the sum of all file lengths.
func (t *TorrentInfo) TotalLength() int64 { return t.totalLength }

// Files returns the ordered file list.
func (t *TorrentInfo) Files() []File { return t.files }

// InfoHash returns the SHA-1 of the bencoded info dictionary.
func (t *TorrentInfo) InfoHash() core.InfoHash { return t.infoHash }

// Announce returns the primary tracker announce URL, if any.
func (t *TorrentInfo) Announce() string { return t.announce }

// AnnounceList returns tiered backup tracker URLs, if any.
func (t *TorrentInfo) AnnounceList() [][]string { return t.announceList }

// NumPieces returns the number of pieces in the torrent.
func (t *TorrentInfo) NumPieces() int { return len(t.pieceHashes) }

// PieceHash returns the expected SHA-1 hash of piece i.
func (t *TorrentInfo) PieceHash(i int) [20]byte { return t.pieceHashes[i] }

// PieceLengthAt returns the actual length of piece i, which may be shorter
// than PieceLength for the final piece.
func (t *TorrentInfo) PieceLengthAt(i int) int64 {
	if i < 0 || i >= t.NumPieces() {
		return 0
	}
	if i == t.NumPieces()-1 {
		last := t.totalLength - int64(i)*t.pieceLength
		if last > 0 {
			return last
		}
	}
	return t.pieceLength
}

// NumBlocks returns the number of blocks piece i is divided into.
func (t *TorrentInfo) NumBlocks(i int) int {
	n := t.PieceLengthAt(i)
	return int((n + BlockSize - 1) / BlockSize)
}

// VerifyPiece reports whether data hashes to the expected value for piece i.
func (t *TorrentInfo) VerifyPiece(i int, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == t.pieceHashes[i]
}

// Location identifies a byte range within a single file on disk.
type Location struct {
	FileIndex int
	Path      []string
	Offset    int64
	Length    int64
}

// Locate walks the file list and returns the disk locations spanned by
// length bytes starting at (piece, blockOffset).
func (t *TorrentInfo) Locate(piece int, blockOffset int64, length int64) ([]Location, error) {
	if piece < 0 || piece >= t.NumPieces() {
		return nil, fmt.Errorf("piece %d out of range", piece)
	}
	start := int64(piece)*t.pieceLength + blockOffset
	end := start + length
	if end > t.totalLength {
		return nil, fmt.Errorf("range [%d, %d) exceeds total length %d", start, end, t.totalLength)
	}

	// Find the first file whose start is beyond `start`, then step back one:
	// that's the file containing `start`.
	first := sort.Search(len(t.fileStarts), func(i int) bool {
		return t.fileStarts[i] > start
	}) - 1
	if first < 0 {
		first = 0
	}

	var locs []Location
	for idx := first; idx < len(t.files); idx++ {
		fileStart := t.fileStarts[idx]
		fileEnd := fileStart + t.files[idx].Length
		if fileStart >= end {
			break
		}
		overlapStart := max64(start, fileStart)
		overlapEnd := min64(end, fileEnd)
		if overlapStart < overlapEnd {
			locs = append(locs, Location{
				FileIndex: idx,
				Path:      t.files[idx].Path,
				Offset:    overlapStart - fileStart,
				Length:    overlapEnd - overlapStart,
			})
		}
	}
	return locs, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
