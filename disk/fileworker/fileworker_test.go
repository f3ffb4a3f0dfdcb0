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
package fileworker

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/arcspin/torrentcore/disk"
	"github.com/arcspin/torrentcore/metainfo"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func buildSingleFileTorrent(t *testing.T, content []byte, pieceLength int64) *metainfo.TorrentInfo {
	var pieces bytes.Buffer
	for off := 0; off < len(content); off += int(pieceLength) {
		end := off + int(pieceLength)
		if end > len(content) {
			end = len(content)
		}
		sum := sha1.Sum(content[off:end])
		pieces.Write(sum[:])
	}

	raw := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info": map[string]interface{}{
			"name":         "file.bin",
			"piece length": pieceLength,
			"pieces":       pieces.String(),
			"length":       int64(len(content)),
		},
	}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, raw))

	ti, err := metainfo.Read(&buf)
	require.NoError(t, err)
	return ti
}

func TestFileWorkerWriteReadRoundTrip(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte{0xAB}, 32768)
	ti := buildSingleFileTorrent(t, content, 16384)

	dir := t.TempDir()
	w := New(dir)
	require.NoError(w.AddTorrent(ti))

	require.NoError(w.Write(disk.WriteRequest{
		InfoHash: ti.InfoHash(),
		Piece:    0,
		Begin:    0,
		Data:     content[:16384],
	}))

	res := w.Read(disk.ReadRequest{InfoHash: ti.InfoHash(), Piece: 0, Begin: 0, Length: 16384})
	require.NoError(res.Err)
	require.Equal(content[:16384], res.Data)
}

func TestFileWorkerValidate(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte{0x11}, 16384)
	ti := buildSingleFileTorrent(t, content, 16384)

	dir := t.TempDir()
	w := New(dir)
	require.NoError(w.AddTorrent(ti))
	require.NoError(w.Write(disk.WriteRequest{InfoHash: ti.InfoHash(), Piece: 0, Begin: 0, Data: content}))

	ok, err := w.Validate(disk.ValidateRequest{InfoHash: ti.InfoHash(), Piece: 0})
	require.NoError(err)
	require.True(ok)
}

func TestFileWorkerValidateFailsOnCorruption(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte{0x22}, 16384)
	ti := buildSingleFileTorrent(t, content, 16384)

	dir := t.TempDir()
	w := New(dir)
	require.NoError(w.AddTorrent(ti))

	corrupted := bytes.Repeat([]byte{0x33}, 16384)
	require.NoError(w.Write(disk.WriteRequest{InfoHash: ti.InfoHash(), Piece: 0, Begin: 0, Data: corrupted}))

	ok, err := w.Validate(disk.ValidateRequest{InfoHash: ti.InfoHash(), Piece: 0})
	require.NoError(err)
	require.False(ok)
}

func TestFileWorkerDeleteRemovesFiles(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte{0x44}, 16384)
	ti := buildSingleFileTorrent(t, content, 16384)

	dir := t.TempDir()
	w := New(dir)
	require.NoError(w.AddTorrent(ti))
	require.NoError(w.Delete(disk.DeleteRequest{InfoHash: ti.InfoHash()}))

	_, err := w.infoFor(ti.InfoHash())
	require.Error(err)
}

func TestFileWorkerUnknownTorrent(t *testing.T) {
	require := require.New(t)

	w := New(t.TempDir())
	res := w.Read(disk.ReadRequest{Piece: 0, Length: 1})
	require.Error(res.Err)
	require.Contains(fmt.Sprint(res.Err), "unknown torrent")
}
