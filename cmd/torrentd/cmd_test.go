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
package main

import (
	"bytes"
	"crypto/sha1"
	"flag"
	"os"
	"testing"

	"github.com/arcspin/torrentcore/metainfo"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func buildInfoForFlagsTest(t *testing.T) *metainfo.TorrentInfo {
	content := bytes.Repeat([]byte{1}, 16384)
	sum := sha1.Sum(content)
	raw := map[string]interface{}{
		"announce": "http://a.example/announce",
		"announce-list": [][]string{
			{"http://a.example/announce"},
			{"http://b.example/announce"},
		},
		"info": map[string]interface{}{
			"name":         "f.bin",
			"piece length": int64(16384),
			"pieces":       string(sum[:]),
			"length":       int64(len(content)),
		},
	}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, raw))
	ti, err := metainfo.Read(&buf)
	require.NoError(t, err)
	return ti
}

func TestParseFlags(t *testing.T) {
	require := require.New(t)

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	os.Args = []string{
		"torrentd",
		"-config=config.yaml",
		"-torrent=ubuntu.torrent",
		"-peer-ip=1.2.3.4",
		"-peer-port=7000",
	}

	flags := ParseFlags()

	require.Equal("config.yaml", flags.ConfigFile)
	require.Equal("ubuntu.torrent", flags.TorrentFile)
	require.Equal("1.2.3.4", flags.PeerIP)
	require.Equal(7000, flags.PeerPort)
}

func TestApplyDefaultsFillsDataAndStateDirs(t *testing.T) {
	require := require.New(t)

	cfg := Config{}.applyDefaults()
	require.NotEmpty(cfg.DataDir)
	require.NotEmpty(cfg.StateDir)
	require.NotEmpty(cfg.PeerIDFactory)
}

func TestFlattenAnnounceListDedupes(t *testing.T) {
	require := require.New(t)

	trackers := flattenAnnounceList(buildInfoForFlagsTest(t))
	require.Equal([]string{"http://a.example/announce", "http://b.example/announce"}, trackers)
}
