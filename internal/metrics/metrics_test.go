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
package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToDisabled(t *testing.T) {
	require := require.New(t)

	s, closer, err := New(Config{})
	require.NoError(err)
	require.NotNil(s)
	require.NotNil(closer)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	require := require.New(t)

	_, _, err := New(Config{Backend: "carrier-pigeon"})
	require.Error(err)
}

func TestNewM3RequiresServiceAndHostPort(t *testing.T) {
	require := require.New(t)

	_, _, err := New(Config{Backend: "m3"})
	require.Error(err)
}
