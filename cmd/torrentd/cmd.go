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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcspin/torrentcore/core"
	"github.com/arcspin/torrentcore/disk/fileworker"
	ilog "github.com/arcspin/torrentcore/internal/log"
	"github.com/arcspin/torrentcore/internal/metrics"
	"github.com/arcspin/torrentcore/metainfo"
	"github.com/arcspin/torrentcore/session"
	"github.com/arcspin/torrentcore/sessionfile"
	httptracker "github.com/arcspin/torrentcore/trackerclient/http"
	"github.com/arcspin/torrentcore/utils/configutil"

	"github.com/andres-erbsen/clock"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Flags defines torrentd CLI flags.
type Flags struct {
	ConfigFile  string
	TorrentFile string
	PeerIP      string
	PeerPort    int
}

// ParseFlags parses torrentd CLI flags.
func ParseFlags() *Flags {
	var f Flags
	flag.StringVar(&f.ConfigFile, "config", "", "configuration file path")
	flag.StringVar(&f.TorrentFile, "torrent", "", ".torrent file to add on startup")
	flag.StringVar(&f.PeerIP, "peer-ip", "127.0.0.1", "ip this peer announces itself as")
	flag.IntVar(&f.PeerPort, "peer-port", 16881, "port this peer announces itself as")
	flag.Parse()
	return &f
}

// Run starts the daemon and blocks until it receives an interrupt signal.
func Run(flags *Flags) {
	config := setupConfig(flags)

	logger, err := ilog.New(config.ZapLogging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	stats, closer, err := metrics.New(config.Metrics)
	if err != nil {
		sugar.Fatalf("init metrics: %s", err)
	}
	defer closer.Close()
	stats.Counter("torrentd.started").Inc(1)

	pctx, err := core.NewPeerContext(config.PeerIDFactory, flags.PeerIP, flags.PeerPort)
	if err != nil {
		sugar.Fatalf("init peer context: %s", err)
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		sugar.Fatalf("create data dir: %s", err)
	}
	if err := os.MkdirAll(config.StateDir, 0755); err != nil {
		sugar.Fatalf("create state dir: %s", err)
	}

	worker := fileworker.New(config.DataDir)
	files := sessionfile.NewStore(config.StateDir)
	dial := httptracker.Dialer(config.Tracker, sugar)

	s := session.New(config.Session, pctx, worker, dial, files, clock.New(), sugar)
	if err := s.Start(); err != nil {
		sugar.Fatalf("start session: %s", err)
	}
	defer s.Stop()

	if flags.TorrentFile != "" {
		hash := addTorrentFile(s, flags.TorrentFile, sugar)
		go showProgress(s, hash, sugar)
	}

	sugar.Infow("torrentd running", "peer_id", pctx.PeerID, "listen_addr", config.Session.ListenAddr)
	waitForShutdown(sugar)
}

func setupConfig(flags *Flags) Config {
	var config Config
	if flags.ConfigFile != "" {
		if err := configutil.Load(flags.ConfigFile, &config); err != nil {
			panic(fmt.Sprintf("load config: %s", err))
		}
	}
	return config.applyDefaults()
}

func addTorrentFile(s *session.Session, path string, logger *zap.SugaredLogger) core.InfoHash {
	f, err := os.Open(path)
	if err != nil {
		logger.Fatalf("open torrent file: %s", err)
	}
	defer f.Close()

	info, err := metainfo.Read(f)
	if err != nil {
		logger.Fatalf("parse torrent file: %s", err)
	}

	trackers := flattenAnnounceList(info)
	if err := s.AddTorrent(info, trackers); err != nil {
		logger.Fatalf("add torrent: %s", err)
	}
	return info.InfoHash()
}

// showProgress polls a torrent's piece completion and renders it on a
// terminal progress bar until the torrent finishes or disappears from the
// session (e.g. on shutdown or removal).
func showProgress(s *session.Session, hash core.InfoHash, logger *zap.SugaredLogger) {
	var bar *progressbar.ProgressBar
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		completed, total, err := s.Progress(hash)
		if err != nil {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(hash.Hex()[:8]),
				progressbar.OptionShowCount(),
			)
		}
		bar.Set(completed)
		if completed >= total {
			logger.Infow("torrent complete", "info_hash", hash.Hex())
			return
		}
	}
}

func flattenAnnounceList(info *metainfo.TorrentInfo) []string {
	seen := make(map[string]bool)
	var trackers []string
	add := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		trackers = append(trackers, url)
	}
	add(info.Announce())
	for _, tier := range info.AnnounceList() {
		for _, url := range tier {
			add(url)
		}
	}
	return trackers
}

func waitForShutdown(logger *zap.SugaredLogger) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
	logger.Info("shutting down")
}
