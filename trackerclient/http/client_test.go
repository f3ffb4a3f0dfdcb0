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
package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/trackerclient"
	"github.com/stretchr/testify/require"
)

func testReq(t *testing.T) trackerclient.Request {
	h, err := core.NewInfoHashFromHex("e3b0c44298fc1c149afbf4c8996fb92427ae41e4")
	require.NoError(t, err)
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	return trackerclient.Request{
		InfoHash: h,
		PeerID:   peerID,
		IP:       "127.0.0.1",
		Port:     6881,
		Left:     1024,
		Event:    trackerclient.EventStarted,
		NumWant:  50,
	}
}

func TestAnnounceCompactPeers(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodGet, r.Method)
		require.Equal("1", r.URL.Query().Get("compact"))
		require.Equal("started", r.URL.Query().Get("event"))
		fmt.Fprint(w, "d8:intervali1800e5:peers12:"+
			string([]byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2})+"e")
	}))
	defer srv.Close()

	c := New(Config{}, srv.URL)
	resp, err := c.Announce(testReq(t))
	require.NoError(err)
	require.Equal(1800*1e9, float64(resp.Interval))
	require.Len(resp.Peers, 2)
	require.Equal("127.0.0.1", resp.Peers[0].IP)
	require.Equal(0x1AE1, resp.Peers[0].Port)
	require.Equal("10.0.0.2", resp.Peers[1].IP)
}

func TestAnnounceTrackerFailureReason(t *testing.T) {
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason14:torrent bannede")
	}))
	defer srv.Close()

	c := New(Config{}, srv.URL)
	_, err := c.Announce(testReq(t))
	require.Error(err)
	require.Contains(err.Error(), "torrent banned")
}

func TestMultiFallsBackToNextTracker(t *testing.T) {
	require := require.New(t)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali60e5:peers0:e")
	}))
	defer good.Close()

	m := NewMulti(Config{}, []string{bad.URL, good.URL}, nil)
	resp, err := m.Announce(testReq(t))
	require.NoError(err)
	require.Equal(int64(60), int64(resp.Interval.Seconds()))
}

func TestMultiReturnsErrorWhenAllTrackersFail(t *testing.T) {
	require := require.New(t)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	m := NewMulti(Config{}, []string{bad.URL}, nil)
	_, err := m.Announce(testReq(t))
	require.Error(err)
}
