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

package rlimit

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

var rlimitMu sync.Mutex

// BumpMemlock raises RLIMIT_MEMLOCK so the per-CPU perf ring buffers the
// sampler mmaps can be locked into RAM without EPERM. Each online CPU
// holds one ring of ringBufferPages pages plus the perf_event_mmap_page
// header, so callers size cur/max off the CPU count rather than guessing.
func BumpMemlock(cur, max uint64) (syscall.Rlimit, error) {
	rLimit := syscall.Rlimit{
		Cur: cur, // Soft limit.
		Max: max, // Hard limit (ceiling for rlim_cur).
	}

	if cur == 0 && max == 0 {
		rLimit.Cur = unix.RLIM_INFINITY
		rLimit.Max = unix.RLIM_INFINITY
	}

	rlimitMu.Lock()
	// RLIMIT_MEMLOCK is 0x8.
	if err := syscall.Setrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
		rlimitMu.Unlock()
		return rLimit, fmt.Errorf("failed to increase rlimit: %w", err)
	}
	rlimitMu.Unlock()

	rLimit = syscall.Rlimit{}
	if err := syscall.Getrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
		return rLimit, fmt.Errorf("failed to get rlimit: %w", err)
	}

	return rLimit, nil
}

// RingBufferBytes returns the memlock budget needed for numCPU perf ring
// buffers of ringBufferPages data pages each, plus one header page per CPU.
func RingBufferBytes(numCPU, ringBufferPages int) uint64 {
	pageSize := uint64(unix.Getpagesize())
	perCPU := pageSize * uint64(ringBufferPages+1)
	return perCPU * uint64(numCPU)
}

func HumanizeRLimit(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.Bytes(val)
}

// Files returns the soft RLIMIT_NOFILE limit as well as the
// hard limit minus one, the highest file descriptor number
// the calling process could be allowed to open.
func Files() (int, int, error) {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return 0, 0, err
	}
	// From the manpage:
	// > This specifies a value one greater than the maximum file
	// > descriptor number that can be opened by this process.
	return int(limit.Cur), int(limit.Max) - 1, nil
}
