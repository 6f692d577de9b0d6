// Copyright 2022-2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package sampler

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/halomon/agent/pkg/wire"
)

func TestNewHandleLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, err := NewHandle(nil, 0, DefaultPeriod)
	if err != nil {
		t.Skipf("perf_event_open unavailable in this environment: %v", err)
	}
	defer func() { require.NoError(t, h.Close()) }()

	require.Equal(t, 0, h.CPU())
	require.GreaterOrEqual(t, h.FD(), 0)
	require.Equal(t, uint64(DefaultPeriod), h.Period())

	require.NoError(t, h.Start())
	require.NoError(t, h.Start()) // idempotent
	require.NoError(t, h.SetPeriod(5000000))
	require.Equal(t, uint64(5000000), h.Period())
	require.NoError(t, h.Reset())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop()) // idempotent
}

func TestNewHandleDrainWithNoSamplesEmitsNothing(t *testing.T) {
	h, err := NewHandle(nil, 0, DefaultPeriod)
	if err != nil {
		t.Skipf("perf_event_open unavailable in this environment: %v", err)
	}
	defer func() { require.NoError(t, h.Close()) }()

	var emitted int
	require.NoError(t, h.Drain(func(wire.RawSample) { emitted++ }))
	require.Zero(t, emitted)
}
