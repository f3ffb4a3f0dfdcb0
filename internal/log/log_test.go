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
package log

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewFallsBackToProductionDefaults(t *testing.T) {
	require := require.New(t)

	l, err := New(Config{})
	require.NoError(err)
	require.NotNil(l)
}

func TestNewHonorsExplicitEncoding(t *testing.T) {
	require := require.New(t)

	cfg := Config{}
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stdout"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.EncoderConfig = zap.NewProductionEncoderConfig()

	l, err := New(cfg)
	require.NoError(err)
	require.NotNil(l)
}
