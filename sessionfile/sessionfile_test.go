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
package sessionfile

import (
	"os"
	"testing"

	"github.com/arcspin/torrentcore/core"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func testHash(t *testing.T) core.InfoHash {
	h, err := core.NewInfoHashFromHex("e3b0c44298fc1c149afbf4c8996fb92427ae41e4")
	require.NoError(t, err)
	return h
}

func TestSaveLoadRoundTrip(t *testing.T) {
	require := require.New(t)

	store := NewStore(t.TempDir())
	h := testHash(t)

	r := Record{
		InfoHash:   h.Hex(),
		Uploaded:   100,
		Downloaded: 200,
		Status:     "downloading",
		Trackers:   []string{"http://tracker.example/announce"},
	}
	require.NoError(store.Save(h, r))

	got, ok, err := store.Load(h)
	require.NoError(err)
	require.True(ok)
	require.Equal(CurrentVersion, got.Version)
	require.Equal(int64(100), got.Uploaded)
	require.Equal("downloading", got.Status)
}

func TestLoadMissingIsNotError(t *testing.T) {
	require := require.New(t)

	store := NewStore(t.TempDir())
	_, ok, err := store.Load(testHash(t))
	require.NoError(err)
	require.False(ok)
}

func TestLoadMigratesV1Record(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	store := NewStore(dir)
	h := testHash(t)

	v1 := recordV1{
		Version:  1,
		InfoHash: h.Hex(),
		Status:   "seeding",
		Uploaded: 42,
	}
	b, err := yaml.Marshal(v1)
	require.NoError(err)
	require.NoError(os.WriteFile(store.path(h), b, 0644))

	got, ok, err := store.Load(h)
	require.NoError(err)
	require.True(ok)
	require.Equal(CurrentVersion, got.Version)
	require.Equal("seeding", got.Status)
	require.Equal(int64(42), got.Uploaded)
	require.Nil(got.FilePrios)
}

func TestLoadUnknownVersionFails(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	store := NewStore(dir)
	h := testHash(t)

	b, err := yaml.Marshal(envelope{Version: 99})
	require.NoError(err)
	require.NoError(os.WriteFile(store.path(h), b, 0644))

	_, _, err = store.Load(h)
	require.ErrorIs(err, ErrCannotLoad)
}

func TestDeleteRemovesFile(t *testing.T) {
	require := require.New(t)

	store := NewStore(t.TempDir())
	h := testHash(t)
	require.NoError(store.Save(h, Record{InfoHash: h.Hex()}))
	require.NoError(store.Delete(h))

	_, ok, err := store.Load(h)
	require.NoError(err)
	require.False(ok)

	require.NoError(store.Delete(h)) // idempotent
}
