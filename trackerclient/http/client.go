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

// Package http implements trackerclient.Client against an HTTP tracker
// speaking the BEP 3 announce protocol: a GET with URL-encoded query
// parameters, answered with a bencoded dictionary whose "peers" value is
// either the compact 6-bytes-per-peer binary form or the older list-of-
// dictionaries form.
package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/trackerclient"
	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"
)

// Config configures a Client.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Client announces to a single HTTP tracker endpoint.
type Client struct {
	config Config
	url    string
	hc     *http.Client
}

// New creates a Client announcing to announceURL.
func New(config Config, announceURL string) *Client {
	config = config.applyDefaults()
	return &Client{
		config: config,
		url:    announceURL,
		hc:     &http.Client{Timeout: config.Timeout},
	}
}

// rawResponse mirrors the bencoded tracker reply. Peers is left as a raw
// bencode.RawMessage-like string/list union, decoded by decodePeers since
// the compact and non-compact forms do not share a Go type.
type rawResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

type rawPeerDict struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// Announce implements trackerclient.Client.
func (c *Client) Announce(req trackerclient.Request) (*trackerclient.Response, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %s", err)
	}

	v := url.Values{}
	v.Set("info_hash", string(req.InfoHash.Bytes()))
	v.Set("peer_id", string(req.PeerID.Bytes()))
	v.Set("ip", req.IP)
	v.Set("port", strconv.Itoa(req.Port))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "1")
	if req.Event != trackerclient.EventNone {
		v.Set("event", string(req.Event))
	}
	if req.NumWant > 0 {
		v.Set("numwant", strconv.Itoa(req.NumWant))
	}
	u.RawQuery = v.Encode()

	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %s", err)
	}
	httpReq.Header.Set("User-Agent", "torrentcore/1.0")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("announce: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("announce: unexpected status %d", resp.StatusCode)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %s", err)
	}
	if raw.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", raw.FailureReason)
	}

	peers, err := decodePeers(raw.Peers)
	if err != nil {
		return nil, fmt.Errorf("decode peers: %s", err)
	}

	return &trackerclient.Response{
		Interval: time.Duration(raw.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// decodePeers handles both the compact binary model string and the
// original list-of-dictionaries model, since jackpal/bencode-go decodes a
// bencode string into a Go string and a bencode list into a []interface{}.
func decodePeers(v interface{}) ([]*core.PeerInfo, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(t))
	case []interface{}:
		peers := make([]*core.PeerInfo, 0, len(t))
		for _, raw := range t {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := m["ip"].(string)
			port, _ := m["port"].(int64)
			id, _ := m["peer id"].(string)
			peerID, err := core.NewPeerIDFromBytes([]byte(id))
			if err != nil {
				continue
			}
			peers = append(peers, core.NewPeerInfo(peerID, ip, int(port), false))
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unrecognized peers encoding %T", v)
	}
}

// decodeCompactPeers parses the BEP 23 compact format: each peer is 6
// bytes, a 4-byte big-endian IPv4 address followed by a 2-byte big-endian
// port. The tracker does not send peer ids in compact mode.
func decodeCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(b))
	}
	peers := make([]*core.PeerInfo, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip, port, false))
	}
	return peers, nil
}

// Multi announces to a tracker tier list, trying each URL in order and
// returning the first successful response. Grounded on the multi-tracker
// fallback every BitTorrent client implements per BEP 12: a torrent's
// announce-list is tiers of redundant trackers, not a single point of
// failure.
type Multi struct {
	config Config
	urls   []string
	logger *zap.SugaredLogger
}

// NewMulti creates a Multi announcing to urls in order.
func NewMulti(config Config, urls []string, logger *zap.SugaredLogger) *Multi {
	return &Multi{config: config.applyDefaults(), urls: urls, logger: logger}
}

// Announce implements trackerclient.Client by trying each tracker in urls
// until one succeeds.
func (m *Multi) Announce(req trackerclient.Request) (*trackerclient.Response, error) {
	if len(m.urls) == 0 {
		return nil, fmt.Errorf("no trackers configured")
	}
	var lastErr error
	for _, u := range m.urls {
		resp, err := New(m.config, u).Announce(req)
		if err != nil {
			lastErr = err
			if m.logger != nil {
				m.logger.Debugw("tracker announce failed, trying next", "url", u, "error", err)
			}
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("all trackers failed: %s", lastErr)
}

// Dialer returns a trackerclient.Dialer that builds a Multi scoped to each
// call's tracker list, for wiring into session.New.
func Dialer(config Config, logger *zap.SugaredLogger) trackerclient.Dialer {
	return func(trackers []string) trackerclient.Client {
		return NewMulti(config, trackers, logger)
	}
}
