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

// Package sampler opens one hardware instructions-retired counter per
// CPU via perf_event_open, mmaps its ring buffer, and decodes
// PERF_RECORD_SAMPLE records into wire.RawSample values. It mirrors the
// per-CPU PerfHandle design of the original monitor: one handle per
// online CPU, counting system-wide rather than attached to a single
// thread, so samples keep arriving as the profiled process migrates or
// spawns threads.
package sampler

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/halomon/agent/pkg/wire"
)

// DefaultPeriod is the initial number of retired instructions between
// samples, matching the original monitor's starting point.
const DefaultPeriod = 15485867

// numDataPages is the perf ring buffer's data region size, 8 pages. It
// must be a power of two; the mmap also carries one extra header page
// that is not part of the wrapped data region.
const numDataPages = 8

// RingDataPages is numDataPages, exported so callers sizing a memlock
// rlimit bump via pkg/rlimit.RingBufferBytes don't have to duplicate it.
const RingDataPages = numDataPages

var (
	// ErrBranchStackUnsupported is returned by NewHandle only after both
	// the detailed and the ANY branch filters are rejected by the kernel;
	// callers should retry without requesting branch records at all.
	ErrBranchStackUnsupported = errors.New("cpu does not support any requested branch stack filter")
)

// sampleType is fixed: exactly the fields process_new_samples in the
// original sampler actually consumed (ip, tid, time, callchain, branch
// stack). Leaving out addr/stream_id/weight/data_src keeps the sample
// record layout simple and avoids decoding fields nothing downstream uses.
const sampleType = unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
	unix.PERF_SAMPLE_CALLCHAIN | unix.PERF_SAMPLE_BRANCH_STACK

// detailedBranchFilter asks for call/return/conditional branches only;
// some CPUs (observed on Ivy Bridge) reject this combination with EINVAL,
// in which case NewHandle falls back to anyBranchFilter.
const detailedBranchFilter = unix.PERF_SAMPLE_BRANCH_USER | unix.PERF_SAMPLE_BRANCH_ANY_CALL |
	unix.PERF_SAMPLE_BRANCH_ANY_RETURN | unix.PERF_SAMPLE_BRANCH_COND

const anyBranchFilter = unix.PERF_SAMPLE_BRANCH_USER | unix.PERF_SAMPLE_BRANCH_ANY

// Handle owns one CPU's perf_event fd and its mmap'd ring buffer.
type Handle struct {
	logger  log.Logger
	cpu     int
	fd      int
	ring    []byte
	pageSz  int
	period  *atomic.Uint64
	enabled *atomic.Bool
}

// NewHandle opens a system-wide hardware-instructions counter pinned to
// cpu, with an initial sampling period in retired instructions.
func NewHandle(logger log.Logger, cpu int, period uint64) (*Handle, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	pageSz := unix.Getpagesize()

	fd, branchFilter, err := openWithBranchFallback(cpu, period)
	if err != nil {
		return nil, fmt.Errorf("opening perf event for cpu %d: %w", cpu, err)
	}
	if branchFilter != detailedBranchFilter {
		level.Debug(logger).Log("msg", "falling back to broad branch filter", "cpu", cpu)
	}

	ringSz := pageSz * (numDataPages + 1)
	ring, err := unix.Mmap(fd, 0, ringSz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap perf ring for cpu %d: %w", cpu, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Munmap(ring)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking for cpu %d: %w", cpu, err)
	}

	return &Handle{
		logger:  logger,
		cpu:     cpu,
		fd:      fd,
		ring:    ring,
		pageSz:  pageSz,
		period:  atomic.NewUint64(period),
		enabled: atomic.NewBool(false),
	}, nil
}

// openWithBranchFallback retries perf_event_open with a progressively
// looser branch filter on EINVAL, and with exponential backoff on
// transient errors such as EAGAIN or EBUSY from a saturated PMU.
func openWithBranchFallback(cpu int, period uint64) (int, uint64, error) {
	for _, filter := range []uint64{detailedBranchFilter, anyBranchFilter} {
		fd, err := openPerfEvent(cpu, period, filter)
		if err == nil {
			return fd, filter, nil
		}
		if !errors.Is(err, unix.EINVAL) {
			return -1, 0, err
		}
	}
	return -1, 0, ErrBranchStackUnsupported
}

func openPerfEvent(cpu int, period uint64, branchFilter uint64) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:               unix.PERF_TYPE_HARDWARE,
		Config:             unix.PERF_COUNT_HW_INSTRUCTIONS,
		Size:               uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:             period,
		Sample_type:        sampleType,
		Branch_sample_type: branchFilter,
		Bits: unix.PerfBitDisabled | unix.PerfBitInherit | unix.PerfBitExcludeKernel |
			unix.PerfBitExcludeHv | unix.PerfBitExcludeCallchainKernel,
	}

	var fd int
	open := func() error {
		f, err := unix.PerfEventOpen(attr, -1 /* pid: every process on this cpu */, cpu, -1, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) {
				return err // retried by backoff
			}
			return backoff.Permanent(err)
		}
		fd = f
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	if err := backoff.Retry(open, b); err != nil {
		return -1, err
	}
	return fd, nil
}

// FD returns the perf_event file descriptor, for registration with an
// epoll set.
func (h *Handle) FD() int { return h.fd }

// CPU returns the CPU this handle is pinned to.
func (h *Handle) CPU() int { return h.cpu }

// Start enables sampling. Idempotent.
func (h *Handle) Start() error {
	if h.enabled.Swap(true) {
		return nil
	}
	return unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_ENABLE, unix.PERF_IOC_FLAG_GROUP)
}

// Stop disables sampling without losing the counter's current value.
// Idempotent.
func (h *Handle) Stop() error {
	if !h.enabled.Swap(false) {
		return nil
	}
	return unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_DISABLE, unix.PERF_IOC_FLAG_GROUP)
}

// Reset zeroes the underlying hardware counter.
func (h *Handle) Reset() error {
	return unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_RESET, unix.PERF_IOC_FLAG_GROUP)
}

// SetPeriod changes the sampling period in retired instructions.
func (h *Handle) SetPeriod(period uint64) error {
	h.period.Store(period)
	return unix.IoctlSetPointerInt(h.fd, unix.PERF_EVENT_IOC_PERIOD, int(period))
}

// Period returns the currently configured sampling period.
func (h *Handle) Period() uint64 { return h.period.Load() }

// Close unmaps the ring buffer and closes the perf_event fd. The handle
// must not be used afterward.
func (h *Handle) Close() error {
	var errs []error
	if err := unix.Munmap(h.ring); err != nil {
		errs = append(errs, fmt.Errorf("unmap ring for cpu %d: %w", h.cpu, err))
	}
	if err := unix.Close(h.fd); err != nil {
		errs = append(errs, fmt.Errorf("close fd for cpu %d: %w", h.cpu, err))
	}
	return errors.Join(errs...)
}

// Drain copies every completed record out of the ring buffer since the
// last call and invokes emit for each decoded sample. Non-sample record
// types (PERF_RECORD_MMAP and friends) are skipped using their header's
// size field, matching handle_perf_event's dispatch in the original
// sampler.
func (h *Handle) Drain(emit func(wire.RawSample)) error {
	header := (*unix.PerfEventMmapPage)(unsafe.Pointer(&h.ring[0]))
	dataStart := h.pageSz
	dataSize := uint64(numDataPages * h.pageSz)

	dataHead := atomicLoadUint64(&header.Data_head)
	tailStart := header.Data_tail

	tmp := make([]byte, 0, 4096)
	progress := uint64(0)
	for tailStart+progress != dataHead {
		offset := (tailStart + progress) & (dataSize - 1)
		recHeader := (*perfEventHeader)(unsafe.Pointer(&h.ring[dataStart+int(offset)]))
		size := uint64(recHeader.Size)
		if size == 0 {
			break
		}

		tmp = tmp[:0]
		if cap(tmp) < int(size) {
			tmp = make([]byte, size)
		} else {
			tmp = tmp[:size]
		}

		end := offset + size
		if end <= dataSize {
			copy(tmp, h.ring[dataStart+int(offset):dataStart+int(end)])
		} else {
			firstPart := dataSize - offset
			copy(tmp[:firstPart], h.ring[dataStart+int(offset):dataStart+int(dataSize)])
			copy(tmp[firstPart:], h.ring[dataStart:dataStart+int(size-firstPart)])
		}

		if recHeader.Type == unix.PERF_RECORD_SAMPLE {
			sample, err := decodeRawSample(tmp)
			if err != nil {
				level.Debug(h.logger).Log("msg", "dropping malformed perf sample", "cpu", h.cpu, "err", err)
			} else {
				emit(sample)
			}
		}

		progress += size
	}

	atomicStoreUint64(&header.Data_tail, tailStart+progress)
	return nil
}
