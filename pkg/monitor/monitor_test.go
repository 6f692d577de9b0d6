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

package monitor

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/halomon/agent/pkg/inventory"
	"github.com/halomon/agent/pkg/jitlinker"
	"github.com/halomon/agent/pkg/patcher"
	"github.com/halomon/agent/pkg/wire"
)

// fakeTrampoline is an in-memory stand-in for the compiler-provided
// runtime, just enough for a Patcher to Initialize against.
type fakeTrampoline struct {
	addrs []uint64
	table []patcher.RedirectionEntry
}

func (f *fakeTrampoline) MaxFunctionID() (int32, error) { return int32(len(f.addrs) - 1), nil }
func (f *fakeTrampoline) FunctionAddress(id int32) (uint64, error) {
	return f.addrs[id], nil
}
func (f *fakeTrampoline) SetRedirectionTable(table []patcher.RedirectionEntry) error {
	f.table = table
	return nil
}
func (f *fakeTrampoline) PatchFunction(int32) error    { return nil }
func (f *fakeTrampoline) RedirectFunction(int32) error { return nil }
func (f *fakeTrampoline) UnpatchFunction(int32) error  { return nil }

// fakeLibrary is an in-memory patcher.Library backed by a name->address
// map, for exercising ModifyFunction dispatch without a real JIT module.
type fakeLibrary struct {
	name    string
	symbols map[string]uint64
}

func (l *fakeLibrary) Name() string { return l.name }
func (l *fakeLibrary) RequireSymbol(name string) (uint64, error) {
	addr, ok := l.symbols[name]
	if !ok {
		return 0, fmt.Errorf("no such symbol: %s", name)
	}
	return addr, nil
}
func (l *fakeLibrary) ReleaseSymbol(uint64) error { return nil }

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	rt := &fakeTrampoline{addrs: []uint64{0x1000, 0x2000}}
	p := patcher.New(rt)
	require.NoError(t, p.Initialize())

	m, err := New(nil, prometheus.NewRegistry(), Config{
		Addr:      "unused:0",
		Inventory: inventory.New(),
		Patcher:   p,
		Linker:    jitlinker.NewSession(nil),
		Samplers:  nil,
	})
	require.NoError(t, err)
	return m
}

func TestJitteredSleepStaysWithinBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jitteredSleep()
		require.GreaterOrEqual(t, d, minSleep)
		require.Less(t, d, maxSleep)
	}
}

func TestProcessTripleFormat(t *testing.T) {
	got := processTriple()
	require.Equal(t, fmt.Sprintf("%s-unknown-%s", runtime.GOARCH, runtime.GOOS), got)
}

func TestFunctionInfosCarriesPatchableFlag(t *testing.T) {
	fns := []*inventory.Function{
		{Label: "a", Start: 0x10, Size: 0x4, Patchable: true},
		{Label: "b", Start: 0x20, Size: 0x8, Patchable: false},
	}
	out := functionInfos(fns)
	require.Len(t, out, 2)
	require.True(t, out[0].Patchable)
	require.False(t, out[1].Patchable)
	require.Equal(t, "a", out[0].Label)
}

func TestStartStopSamplingTogglesFlag(t *testing.T) {
	m := newTestMonitor(t)
	require.False(t, m.sampling.Load())
	m.startSampling()
	require.True(t, m.sampling.Load())
	m.stopSampling()
	require.False(t, m.sampling.Load())
}

func TestDispatchModifyFunctionRedirectsSlot(t *testing.T) {
	m := newTestMonitor(t)
	require.NoError(t, m.patcher.AddModule(&fakeLibrary{name: "opt", symbols: map[string]uint64{"fast_fib": 0xdead}}))

	msg := wire.ModifyFunction{
		Name:      "fib",
		Addr:      0x1000,
		Desired:   wire.StateRedirected,
		OtherLib:  "opt",
		OtherName: "fast_fib",
	}
	m.dispatch(wire.KindModifyFunction, msg.Encode())

	state, err := m.patcher.State(0x1000)
	require.NoError(t, err)
	require.Equal(t, patcher.Redirected, state)
}

func TestDispatchModifyFunctionUnknownAddrDoesNotPanic(t *testing.T) {
	m := newTestMonitor(t)
	msg := wire.ModifyFunction{Addr: 0x9999, Desired: wire.StateRedirected}
	require.NotPanics(t, func() { m.dispatch(wire.KindModifyFunction, msg.Encode()) })
}

func TestDispatchUnknownKindDoesNotPanic(t *testing.T) {
	m := newTestMonitor(t)
	require.NotPanics(t, func() { m.dispatch(wire.Kind(999), nil) })
}

func TestDispatchMalformedBodyDoesNotPanic(t *testing.T) {
	m := newTestMonitor(t)
	require.NotPanics(t, func() { m.dispatch(wire.KindSetSamplingPeriod, []byte{0x01}) })
}

func TestServiceInboundShutdownFrame(t *testing.T) {
	m := newTestMonitor(t)
	m.inbox = make(chan frame, 1)
	m.inbox <- frame{kind: wire.KindShutdown}

	shutdown, err := m.serviceInbound()
	require.NoError(t, err)
	require.True(t, shutdown)
}

func TestServiceInboundClosedChannelActsAsShutdown(t *testing.T) {
	m := newTestMonitor(t)
	m.inbox = make(chan frame)
	close(m.inbox)

	shutdown, err := m.serviceInbound()
	require.NoError(t, err)
	require.True(t, shutdown)
}

func TestServiceInboundDrainsWithoutBlocking(t *testing.T) {
	m := newTestMonitor(t)
	m.inbox = make(chan frame, 2)
	period := wire.SetSamplingPeriod{Period: 42}
	m.inbox <- frame{kind: wire.KindSetSamplingPeriod, body: period.Encode()}

	shutdown, err := m.serviceInbound()
	require.NoError(t, err)
	require.False(t, shutdown)
}

func TestConnectSucceedsAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	m := newTestMonitor(t)
	m.addr = ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.connect(ctx))
	require.NotNil(t, m.conn)
	m.conn.Close()
}

func TestConnectRespectsContextCancellation(t *testing.T) {
	m := newTestMonitor(t)
	m.addr = "127.0.0.1:1" // refused immediately on loopback

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.connect(ctx)
	require.Error(t, err)
}
