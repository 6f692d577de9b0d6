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

// Package monitor runs the single reactor loop that owns the connection
// to the optimization server: connect, enroll, then repeatedly flush
// entry counts, service inbound requests, and forward hardware samples
// until asked to shut down. It is the only component that ever touches
// the network, the CodeInventory, the Patcher's state, or the
// JitLinker's module table.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/cpuid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/halomon/agent/pkg/inventory"
	"github.com/halomon/agent/pkg/jitlinker"
	"github.com/halomon/agent/pkg/patcher"
	"github.com/halomon/agent/pkg/sampler"
	"github.com/halomon/agent/pkg/wire"
)

// connectAttempts and connectInterval mirror monitor_loop's setup phase:
// try for two seconds, in fixed 100ms steps, then give up. There is no
// offline mode.
const (
	connectAttempts = 20
	connectInterval = 100 * time.Millisecond

	minSleep = 50 * time.Millisecond
	maxSleep = 150 * time.Millisecond
)

var (
	// ErrConnectFailed is returned by connect once connectAttempts dials
	// have all failed.
	ErrConnectFailed = errors.New("could not reach optimization server")
)

// Samplers is the set of per-CPU handles the Monitor drains and
// controls in response to Start/Stop/SetSamplingPeriod requests.
type Samplers []*sampler.Handle

// Monitor owns one framed connection to the optimization server and
// reacts to it on a single goroutine.
type Monitor struct {
	logger  log.Logger
	metrics *metrics
	addr    string

	execPath string
	inv      *inventory.Inventory
	patcher  *patcher.Patcher
	linker   *jitlinker.LinkerSession
	samplers Samplers

	epfd int

	conn  net.Conn
	inbox chan frame

	sampling *atomic.Bool
}

type frame struct {
	kind wire.Kind
	body []byte
}

// Config gathers everything New needs to wire a Monitor to the rest of
// the agent's components.
type Config struct {
	Addr           string
	ExecutablePath string

	Inventory *inventory.Inventory
	Patcher   *patcher.Patcher
	Linker    *jitlinker.LinkerSession
	Samplers  Samplers
}

// New builds a Monitor and registers every sampler handle's fd with a
// fresh epoll set used to poll for ready sample data without blocking.
func New(logger log.Logger, reg prometheus.Registerer, cfg Config) (*Monitor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("creating epoll set: %w", err)
	}
	for _, h := range cfg.Samplers {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(h.FD())}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, h.FD(), &ev); err != nil {
			_ = unix.Close(epfd)
			return nil, fmt.Errorf("registering cpu %d sampler fd with epoll: %w", h.CPU(), err)
		}
	}

	return &Monitor{
		logger:   logger,
		metrics:  newMetrics(reg),
		addr:     cfg.Addr,
		execPath: cfg.ExecutablePath,
		inv:      cfg.Inventory,
		patcher:  cfg.Patcher,
		linker:   cfg.Linker,
		samplers: cfg.Samplers,
		epfd:     epfd,
		inbox:    make(chan frame, 64),
		sampling: atomic.NewBool(false),
	}, nil
}

// Run connects, enrolls, and reacts until ctx is cancelled or the
// server sends Shutdown. It returns nil on a clean shutdown and a
// non-nil error for anything that would have been fatal in the
// original monitor (failed connect, failed enrollment). The frame
// reader runs on its own goroutine for the lifetime of the connection;
// an errgroup joins it on the way out so Run never returns while that
// goroutine is still touching the socket.
func (m *Monitor) Run(ctx context.Context) error {
	level.Debug(m.logger).Log("msg", "connecting to optimization server", "addr", m.addr, "executable", m.execPath)
	if err := m.connect(ctx); err != nil {
		return err
	}
	defer func() { _ = unix.Close(m.epfd) }()

	g := new(errgroup.Group)
	g.Go(func() error {
		m.readLoop()
		return nil
	})

	runErr := m.runEnrolledOrClose(ctx)
	_ = m.conn.Close()
	_ = g.Wait()
	return runErr
}

func (m *Monitor) runEnrolledOrClose(ctx context.Context) error {
	if err := m.enroll(); err != nil {
		return fmt.Errorf("enrolling with optimization server: %w", err)
	}
	return m.react(ctx)
}

// connect dials the server, retrying on a fixed interval the way
// monitor_loop's setup phase does, rather than with the exponential
// backoff used for transient perf_event_open failures: a down server
// is not expected to come up sooner the harder it's polled.
func (m *Monitor) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		conn, err := net.Dial("tcp", m.addr)
		if err == nil {
			m.conn = conn
			return nil
		}
		lastErr = err
		level.Debug(m.logger).Log("msg", "connect attempt failed", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectInterval):
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectFailed, m.addr, lastErr)
}

// enroll sends the ClientEnroll message describing the host and the
// original executable's function set, cross-checking patchable names
// against the Patcher's slot table before anything else can touch it.
func (m *Monitor) enroll() error {
	mod, ok := m.inv.Module(inventory.OriginalModuleName)
	if !ok {
		return fmt.Errorf("enrolling: %s was never loaded into the code inventory", inventory.OriginalModuleName)
	}

	if err := inventory.CrossCheckPatchable(mod, m.patcher); err != nil {
		return fmt.Errorf("patchable name cross-check: %w", err)
	}

	bitcode := mod.Bitcode
	if err := m.linker.SetLayout(bitcode); err != nil {
		return fmt.Errorf("deriving data layout from embedded bitcode: %w", err)
	}

	ce := wire.ClientEnroll{
		ProcessTriple: processTriple(),
		HostCPU:       cpuid.CPU.BrandName,
		Features:      cpuid.CPU.FeatureSet(),
		Module: wire.ModuleInfo{
			Path:       m.execPath,
			VAStart:    mod.VAStart,
			VAEnd:      mod.VAEnd,
			Delta:      mod.Delta,
			BuildFlags: mod.CommandLine,
			Bitcode:    bitcode,
			Name:       mod.Name,
			Functions:  functionInfos(mod.Functions()),
		},
	}

	if err := wire.WriteFrame(m.conn, wire.KindClientEnroll, ce.Encode()); err != nil {
		return fmt.Errorf("sending ClientEnroll: %w", err)
	}
	return nil
}

func functionInfos(fns []*inventory.Function) []wire.FunctionInfo {
	out := make([]wire.FunctionInfo, len(fns))
	for i, fn := range fns {
		out[i] = wire.FunctionInfo{
			Label:     fn.Label,
			Start:     fn.Start,
			Size:      fn.Size,
			Patchable: fn.Patchable,
		}
	}
	return out
}

func processTriple() string {
	return fmt.Sprintf("%s-unknown-%s", runtime.GOARCH, runtime.GOOS)
}

// readLoop decodes frames off the connection and pushes them to inbox
// until the connection closes or a frame fails to decode, at which
// point it closes inbox so react stops waiting on it.
func (m *Monitor) readLoop() {
	defer close(m.inbox)
	for {
		kind, body, err := wire.ReadFrame(m.conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				level.Debug(m.logger).Log("msg", "connection read loop ending", "err", err)
			}
			return
		}
		m.inbox <- frame{kind: kind, body: body}
	}
}

// react is the event loop: flush counts, service inbound messages,
// drain ready samplers, then sleep a jittered interval. It returns when
// the server sends Shutdown, the connection drops, or ctx is cancelled.
func (m *Monitor) react(ctx context.Context) error {
	for {
		if err := m.flushCallCounts(); err != nil {
			level.Warn(m.logger).Log("msg", "failed to flush call counts", "err", err)
		}

		shutdown, err := m.serviceInbound()
		if err != nil {
			return err
		}
		if shutdown {
			return nil
		}

		if m.sampling.Load() {
			m.pollAndForwardSamples()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitteredSleep()):
		}
	}
}

func jitteredSleep() time.Duration {
	span := maxSleep - minSleep
	return minSleep + time.Duration(rand.Int63n(int64(span)))
}

func (m *Monitor) flushCallCounts() error {
	counts := m.patcher.CallCounts()
	entries := make([]wire.CallCountEntry, 0, len(counts))
	for addr, count := range counts {
		entries = append(entries, wire.CallCountEntry{Addr: addr, Count: count})
	}
	data := wire.CallCountData{Timestamp: uint64(time.Now().UnixNano()), Counts: entries}
	m.metrics.callCountsFlushed.Add(float64(len(entries)))
	return wire.WriteFrame(m.conn, wire.KindCallCountData, data.Encode())
}

// serviceInbound drains every frame currently available in inbox
// without blocking, dispatching each. It reports shutdown=true once a
// Shutdown frame (or a closed connection) is seen.
func (m *Monitor) serviceInbound() (shutdown bool, err error) {
	for {
		select {
		case f, ok := <-m.inbox:
			if !ok {
				return true, nil // connection closed
			}
			if f.kind == wire.KindShutdown {
				return true, nil
			}
			m.dispatch(f.kind, f.body)
		default:
			return false, nil
		}
	}
}

func (m *Monitor) dispatch(kind wire.Kind, body []byte) {
	m.metrics.messagesReceived.WithLabelValues(kind.String()).Inc()

	switch kind {
	case wire.KindStartSampling:
		m.startSampling()
	case wire.KindStopSampling:
		m.stopSampling()
	case wire.KindSetSamplingPeriod:
		msg, err := wire.DecodeSetSamplingPeriod(body)
		if err != nil {
			level.Warn(m.logger).Log("msg", "malformed SetSamplingPeriod", "err", err)
			return
		}
		for _, h := range m.samplers {
			if err := h.SetPeriod(msg.Period); err != nil {
				level.Warn(m.logger).Log("msg", "failed to set sampling period", "cpu", h.CPU(), "err", err)
			}
		}
	case wire.KindLoadDyLib:
		msg, err := wire.DecodeLoadDyLib(body)
		if err != nil {
			level.Warn(m.logger).Log("msg", "malformed LoadDyLib", "err", err)
			return
		}
		m.loadDyLib(msg)
	case wire.KindModifyFunction:
		msg, err := wire.DecodeModifyFunction(body)
		if err != nil {
			level.Warn(m.logger).Log("msg", "malformed ModifyFunction", "err", err)
			return
		}
		m.modifyFunction(msg)
	default:
		level.Warn(m.logger).Log("msg", "unknown inbound message kind", "kind", kind)
	}
}

func (m *Monitor) startSampling() {
	for _, h := range m.samplers {
		if err := h.Reset(); err != nil {
			level.Warn(m.logger).Log("msg", "failed to reset counter", "cpu", h.CPU(), "err", err)
		}
		if err := h.Start(); err != nil {
			level.Warn(m.logger).Log("msg", "failed to start sampler", "cpu", h.CPU(), "err", err)
		}
	}
	m.sampling.Store(true)
}

func (m *Monitor) stopSampling() {
	for _, h := range m.samplers {
		if err := h.Stop(); err != nil {
			level.Warn(m.logger).Log("msg", "failed to stop sampler", "cpu", h.CPU(), "err", err)
		}
	}
	m.sampling.Store(false)
}

func (m *Monitor) loadDyLib(msg wire.LoadDyLib) {
	mod, err := m.linker.LoadObject(msg.Name, msg.Object)
	if err != nil {
		level.Warn(m.logger).Log("msg", "failed to load dynamic library", "name", msg.Name, "err", err)
		return
	}
	if err := m.patcher.AddModule(mod); err != nil {
		level.Warn(m.logger).Log("msg", "failed to register dynamic library with patcher", "name", msg.Name, "err", err)
		return
	}

	// The CodeInventory needs every function the module defines, so a
	// sample landing anywhere in it resolves; the DyLibInfo reply only
	// needs the subset the server explicitly asked about.
	vaStart, vaEnd := mod.AddressRange()
	allFuncs := mod.Functions()
	funcs := make([]*inventory.Function, len(allFuncs))
	for i, fn := range allFuncs {
		funcs[i] = &inventory.Function{Label: fn.Label, Start: fn.Start, Size: fn.Size, SlotID: -1}
	}
	if _, err := m.inv.AddJITModule(msg.Name, vaStart, vaEnd, funcs); err != nil {
		level.Warn(m.logger).Log("msg", "failed to register dynamic library with code inventory", "name", msg.Name, "err", err)
	}

	symbols := make([]wire.FunctionInfo, 0, len(msg.DeclaredSymbols))
	for _, name := range msg.DeclaredSymbols {
		addr, size, ok := mod.Lookup(name)
		if !ok {
			level.Warn(m.logger).Log("msg", "declared symbol missing from loaded object", "name", msg.Name, "symbol", name)
			continue
		}
		symbols = append(symbols, wire.FunctionInfo{Label: name, Start: addr, Size: size, Patchable: false})
	}

	info := wire.DyLibInfo{Name: msg.Name, Symbols: symbols}
	if err := wire.WriteFrame(m.conn, wire.KindDyLibInfo, info.Encode()); err != nil {
		level.Warn(m.logger).Log("msg", "failed to send DyLibInfo", "name", msg.Name, "err", err)
	}
}

func (m *Monitor) modifyFunction(msg wire.ModifyFunction) {
	req := patcher.ModifyRequest{
		Addr:         msg.Addr,
		DesiredState: patcher.DesiredState(msg.Desired),
		OtherLib:     msg.OtherLib,
		OtherName:    msg.OtherName,
	}
	if err := m.patcher.Modify(req); err != nil {
		level.Warn(m.logger).Log("msg", "ModifyFunction failed", "target", msg.Name, "addr", msg.Addr, "err", err)
	}
}

// pollAndForwardSamples polls every sampler's fd with a zero timeout —
// the non-blocking poll the react loop is allowed to make — and drains
// and forwards samples for whichever fds are ready.
func (m *Monitor) pollAndForwardSamples() {
	if len(m.samplers) == 0 {
		return
	}
	events := make([]unix.EpollEvent, len(m.samplers))
	n, err := unix.EpollWait(m.epfd, events, 0)
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			level.Warn(m.logger).Log("msg", "epoll wait failed", "err", err)
		}
		return
	}

	ready := make(map[int32]bool, n)
	for i := 0; i < n; i++ {
		ready[events[i].Fd] = true
	}

	for _, h := range m.samplers {
		if !ready[int32(h.FD())] {
			continue
		}
		err := h.Drain(func(s wire.RawSample) {
			if err := wire.WriteFrame(m.conn, wire.KindRawSample, s.Encode()); err != nil {
				level.Debug(m.logger).Log("msg", "failed to forward sample", "cpu", h.CPU(), "err", err)
				return
			}
			m.metrics.samplesForwarded.Inc()
		})
		if err != nil {
			level.Warn(m.logger).Log("msg", "failed to drain sampler", "cpu", h.CPU(), "err", err)
		}
	}
}
