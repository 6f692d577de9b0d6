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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSampleRecord assembles a PERF_RECORD_SAMPLE record matching this
// package's fixed sampleType field order, for decodeRawSample tests that
// don't need a real perf_event fd.
func buildSampleRecord(ip uint64, pid, tid uint32, ts uint64, chain []uint64, branches [][3]uint64) []byte {
	buf := make([]byte, perfEventHeaderSize)
	put64 := func(v uint64) { buf = binary.LittleEndian.AppendUint64(buf, v) }
	put32 := func(v uint32) { buf = binary.LittleEndian.AppendUint32(buf, v) }

	put64(ip)
	put32(pid)
	put32(tid)
	put64(ts)
	put64(uint64(len(chain)))
	for _, frame := range chain {
		put64(frame)
	}
	put64(uint64(len(branches)))
	for _, b := range branches {
		put64(b[0])
		put64(b[1])
		put64(b[2])
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(9) /* PERF_RECORD_SAMPLE */)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(buf)))
	return buf
}

func TestDecodeRawSampleFullRecord(t *testing.T) {
	rec := buildSampleRecord(0xdeadbeef, 111, 222, 99999,
		[]uint64{0x1, 0x2, 0x3},
		[][3]uint64{{0x10, 0x20, 0x1}, {0x30, 0x40, 0x2}},
	)

	s, err := decodeRawSample(rec)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), s.InstrPtr)
	require.Equal(t, uint32(222), s.TID)
	require.Equal(t, uint64(99999), s.Time)
	require.Equal(t, []uint64{0x1, 0x2, 0x3}, s.CallContext)
	require.Len(t, s.Branches, 2)
	require.True(t, s.Branches[0].Mispredicted)
	require.False(t, s.Branches[0].Predicted)
	require.False(t, s.Branches[1].Mispredicted)
	require.True(t, s.Branches[1].Predicted)
}

func TestDecodeRawSampleEmptyChainAndBranches(t *testing.T) {
	rec := buildSampleRecord(0x1000, 1, 2, 3, nil, nil)

	s, err := decodeRawSample(rec)
	require.NoError(t, err)
	require.Empty(t, s.CallContext)
	require.Empty(t, s.Branches)
}

func TestDecodeRawSampleTruncatedRecord(t *testing.T) {
	rec := buildSampleRecord(0x1000, 1, 2, 3, []uint64{0x1, 0x2}, nil)

	_, err := decodeRawSample(rec[:len(rec)-4])
	require.Error(t, err)
}

func TestAtomicHeadTailRoundTrip(t *testing.T) {
	var v uint64
	atomicStoreUint64(&v, 42)
	require.Equal(t, uint64(42), atomicLoadUint64(&v))
}
