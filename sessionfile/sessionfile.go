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

// Package sessionfile persists the per-torrent resume record the session
// layer writes every 10s and on shutdown, and restores it on startup so a
// download does not need to re-verify every piece. Records are versioned
// tagged yaml documents, matching the yaml-tagged config idiom used
// throughout the rest of the engine, with a Migrate hook per version so
// an older on-disk record can be upgraded in place.
package sessionfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arcspin/torrentcore/core"
	"gopkg.in/yaml.v2"
)

// CurrentVersion is the schema version Save writes. Bump it whenever
// Record's shape changes, and add a case to migrate.
const CurrentVersion = 2

// ErrCannotLoad is returned by Load when a record's envelope version is
// newer than CurrentVersion, or otherwise unrecognized. Per the on-disk
// format's forward-compatibility contract, the caller should skip the
// torrent rather than fail the whole session load.
var ErrCannotLoad = fmt.Errorf("sessionfile: cannot load record")

// FilePriority overrides scheduling priority for one file within a
// multi-file torrent.
type FilePriority struct {
	Path     string `yaml:"path"`
	Priority int    `yaml:"priority"`
}

// Record is the full persisted state of a single torrent.
type Record struct {
	Version int `yaml:"version"`

	InfoHash    string         `yaml:"info_hash"`
	InfoDict    []byte         `yaml:"info_dict"`
	Bitfield    []byte         `yaml:"bitfield"`
	Uploaded    int64          `yaml:"uploaded"`
	Downloaded  int64          `yaml:"downloaded"`
	Status      string         `yaml:"status"`
	Path        string         `yaml:"path"`
	Priority    int            `yaml:"priority"`
	FilePrios   []FilePriority `yaml:"file_priorities"`
	CreatedAt   time.Time      `yaml:"created_at"`
	ThrottleUp  int64          `yaml:"throttle_up"`
	ThrottleDn  int64          `yaml:"throttle_down"`
	Trackers    []string       `yaml:"trackers"`
}

// envelope decodes only the version tag of an on-disk record, so migrate
// can decode the rest against whichever struct shape that version used.
type envelope struct {
	Version int `yaml:"version"`
}

// Store persists and restores Records under a directory, one file per
// info hash.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir, which must already exist.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(h core.InfoHash) string {
	return filepath.Join(s.dir, h.Hex()+".session")
}

// Save writes r to disk atomically: encode to a temp file in the same
// directory, then rename over the final path, so a crash mid-write never
// leaves a torn record for Load to trip over.
func (s *Store) Save(h core.InfoHash, r Record) error {
	r.Version = CurrentVersion
	b, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal: %s", err)
	}
	tmp, err := os.CreateTemp(s.dir, h.Hex()+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %s", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write: %s", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close: %s", err)
	}
	if err := os.Rename(tmp.Name(), s.path(h)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename: %s", err)
	}
	return nil
}

// Load reads and migrates the record for h, if one exists. A missing
// file is not an error; it returns (Record{}, false, nil).
func (s *Store) Load(h core.InfoHash) (Record, bool, error) {
	b, err := os.ReadFile(s.path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read: %s", err)
	}

	var env envelope
	if err := yaml.Unmarshal(b, &env); err != nil {
		return Record{}, false, fmt.Errorf("%w: %s", ErrCannotLoad, err)
	}
	if env.Version > CurrentVersion || env.Version < 1 {
		return Record{}, false, fmt.Errorf("%w: unknown version %d", ErrCannotLoad, env.Version)
	}

	r, err := migrate(b, env.Version)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %s", ErrCannotLoad, err)
	}
	return r, true, nil
}

// Delete removes a torrent's session file, e.g. on removal.
func (s *Store) Delete(h core.InfoHash) error {
	err := os.Remove(s.path(h))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// recordV1 is the pre-file-priority schema: it lacked FilePrios and
// ThrottleUp/ThrottleDn, which were added in version 2.
type recordV1 struct {
	Version    int       `yaml:"version"`
	InfoHash   string    `yaml:"info_hash"`
	InfoDict   []byte    `yaml:"info_dict"`
	Bitfield   []byte    `yaml:"bitfield"`
	Uploaded   int64     `yaml:"uploaded"`
	Downloaded int64     `yaml:"downloaded"`
	Status     string    `yaml:"status"`
	Path       string    `yaml:"path"`
	Priority   int       `yaml:"priority"`
	CreatedAt  time.Time `yaml:"created_at"`
	Trackers   []string  `yaml:"trackers"`
}

// migrate decodes b according to fromVersion and upgrades it to the
// current Record shape.
func migrate(b []byte, fromVersion int) (Record, error) {
	switch fromVersion {
	case CurrentVersion:
		var r Record
		if err := yaml.Unmarshal(b, &r); err != nil {
			return Record{}, err
		}
		return r, nil
	case 1:
		var v1 recordV1
		if err := yaml.Unmarshal(b, &v1); err != nil {
			return Record{}, err
		}
		return Record{
			Version:    CurrentVersion,
			InfoHash:   v1.InfoHash,
			InfoDict:   v1.InfoDict,
			Bitfield:   v1.Bitfield,
			Uploaded:   v1.Uploaded,
			Downloaded: v1.Downloaded,
			Status:     v1.Status,
			Path:       v1.Path,
			Priority:   v1.Priority,
			CreatedAt:  v1.CreatedAt,
			Trackers:   v1.Trackers,
		}, nil
	default:
		return Record{}, fmt.Errorf("no migration path from version %d", fromVersion)
	}
}
