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
	"fmt"
	"sync/atomic"

	"github.com/halomon/agent/pkg/wire"
)

// perfEventHeader mirrors struct perf_event_header.
type perfEventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const perfEventHeaderSize = 8

// decodeRawSample parses a PERF_RECORD_SAMPLE record laid out for the
// fixed sampleType this package requests: header, ip, pid+tid, time,
// then a callchain array and a branch-stack array, each length-prefixed
// the way the kernel always encodes PERF_SAMPLE_CALLCHAIN and
// PERF_SAMPLE_BRANCH_STACK.
func decodeRawSample(rec []byte) (wire.RawSample, error) {
	var s wire.RawSample
	off := perfEventHeaderSize

	need := func(n int) error {
		if off+n > len(rec) {
			return fmt.Errorf("perf sample record truncated at offset %d, need %d more bytes", off, n)
		}
		return nil
	}

	if err := need(8); err != nil {
		return s, err
	}
	s.InstrPtr = binary.LittleEndian.Uint64(rec[off:])
	off += 8

	if err := need(8); err != nil {
		return s, err
	}
	// pid, then tid; both uint32, kernel writes pid first.
	s.TID = binary.LittleEndian.Uint32(rec[off+4:])
	off += 8

	if err := need(8); err != nil {
		return s, err
	}
	s.Time = binary.LittleEndian.Uint64(rec[off:])
	off += 8

	if err := need(8); err != nil {
		return s, err
	}
	chainLen := binary.LittleEndian.Uint64(rec[off:])
	off += 8
	if err := need(int(chainLen) * 8); err != nil {
		return s, err
	}
	s.CallContext = make([]uint64, chainLen)
	for i := range s.CallContext {
		s.CallContext[i] = binary.LittleEndian.Uint64(rec[off:])
		off += 8
	}

	if err := need(8); err != nil {
		return s, err
	}
	branchLen := binary.LittleEndian.Uint64(rec[off:])
	off += 8
	if err := need(int(branchLen) * 24); err != nil {
		return s, err
	}
	s.Branches = make([]wire.BranchEntry, branchLen)
	for i := range s.Branches {
		from := binary.LittleEndian.Uint64(rec[off:])
		to := binary.LittleEndian.Uint64(rec[off+8:])
		flags := binary.LittleEndian.Uint64(rec[off+16:])
		s.Branches[i] = wire.BranchEntry{
			From:         from,
			To:           to,
			Mispredicted: flags&0x1 != 0,
			Predicted:    flags&0x2 != 0,
		}
		off += 24
	}

	return s, nil
}

// atomicLoadUint64/atomicStoreUint64 give the ring buffer's head/tail
// exchange the read/write barrier the kernel documentation requires
// (an rmb before reading data_head, an smp_store_release when publishing
// data_tail), matching the __sync_synchronize calls in the original
// ring-buffer reader.
func atomicLoadUint64(p *uint64) uint64 {
	return atomic.LoadUint64(p)
}

func atomicStoreUint64(p *uint64, v uint64) {
	atomic.StoreUint64(p, v)
}
