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

// Package log builds the zap.Logger every other package logs through, from
// a yaml-configurable zap.Config, matching the ZapLogging field embedded in
// every binary's top-level Config.
package log

import "go.uber.org/zap"

// Config is an alias of zap's own config so yaml tags live on the zap
// struct itself rather than a hand-rolled duplicate.
type Config = zap.Config

// New builds a zap.Logger from config. A config with neither an encoding
// nor output paths set is treated as unconfigured and falls back to zap's production defaults
// (json, info level, stderr).
func New(config Config) (*zap.Logger, error) {
	if config.Encoding == "" && len(config.OutputPaths) == 0 {
		config = zap.NewProductionConfig()
	}
	return config.Build()
}
