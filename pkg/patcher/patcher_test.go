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

package patcher

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTrampoline is an in-memory stand-in for the compiler-provided
// runtime; it just records which slots are patched and in what mode.
type fakeTrampoline struct {
	addrs      []uint64
	table      []RedirectionEntry
	patched    map[int32]bool
	redirected map[int32]bool
}

func newFakeTrampoline(addrs ...uint64) *fakeTrampoline {
	return &fakeTrampoline{
		addrs:      addrs,
		patched:    make(map[int32]bool),
		redirected: make(map[int32]bool),
	}
}

func (f *fakeTrampoline) MaxFunctionID() (int32, error) { return int32(len(f.addrs) - 1), nil }

func (f *fakeTrampoline) FunctionAddress(id int32) (uint64, error) {
	if int(id) >= len(f.addrs) {
		return 0, fmt.Errorf("slot %d out of range", id)
	}
	return f.addrs[id], nil
}

func (f *fakeTrampoline) SetRedirectionTable(table []RedirectionEntry) error {
	f.table = table
	return nil
}

func (f *fakeTrampoline) PatchFunction(id int32) error {
	f.patched[id] = true
	return nil
}

func (f *fakeTrampoline) RedirectFunction(id int32) error {
	f.redirected[id] = true
	return nil
}

func (f *fakeTrampoline) UnpatchFunction(id int32) error {
	delete(f.patched, id)
	delete(f.redirected, id)
	return nil
}

// fakeLibrary is an in-memory Library backed by a name->address map, with
// use-count bookkeeping matching JitLinker's contract.
type fakeLibrary struct {
	name      string
	symbols   map[string]uint64
	useCounts map[uint64]int
}

func newFakeLibrary(name string, symbols map[string]uint64) *fakeLibrary {
	return &fakeLibrary{name: name, symbols: symbols, useCounts: make(map[uint64]int)}
}

func (l *fakeLibrary) Name() string { return l.name }

func (l *fakeLibrary) RequireSymbol(name string) (uint64, error) {
	addr, ok := l.symbols[name]
	if !ok {
		return 0, fmt.Errorf("no such symbol: %s", name)
	}
	l.useCounts[addr]++
	return addr, nil
}

func (l *fakeLibrary) ReleaseSymbol(addr uint64) error {
	if l.useCounts[addr] > 0 {
		l.useCounts[addr]--
	}
	return nil
}

func newTestPatcher(t *testing.T, addrs ...uint64) (*Patcher, *fakeTrampoline) {
	t.Helper()
	rt := newFakeTrampoline(addrs...)
	p := New(rt)
	require.NoError(t, p.Initialize())
	return p, rt
}

func TestInitializePublishesTableOnce(t *testing.T) {
	p, rt := newTestPatcher(t, 0x1000, 0x2000)
	require.Len(t, rt.table, 2)
	require.Equal(t, &p.table[0], &rt.table[0], "published table must be the same backing array the Patcher mutates")
}

func TestUnpatchedMeansZeroTarget(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	state, err := p.State(0x1000)
	require.NoError(t, err)
	require.Equal(t, Unpatched, state)
	require.Equal(t, uint64(0), p.table[0].Target.Load())
}

func TestRedirectThenUnpatch(t *testing.T) {
	p, rt := newTestPatcher(t, 0x7f0000001234)
	lib := newFakeLibrary("optA", map[string]uint64{"fib_v2": 0x7f0000200400})
	require.NoError(t, p.AddModule(lib))

	require.NoError(t, p.Modify(ModifyRequest{
		Addr: 0x7f0000001234, DesiredState: DesiredRedirected,
		OtherLib: "optA", OtherName: "fib_v2",
	}))

	require.True(t, rt.redirected[0])
	require.Equal(t, uint64(0x7f0000200400), p.table[0].Target.Load())
	require.Equal(t, 1, lib.useCounts[0x7f0000200400])

	counts := p.CallCounts()
	require.Contains(t, counts, uint64(0x7f0000001234))

	require.NoError(t, p.Modify(ModifyRequest{Addr: 0x7f0000001234, DesiredState: DesiredUnpatched}))

	state, err := p.State(0x7f0000001234)
	require.NoError(t, err)
	require.Equal(t, Unpatched, state)
	require.Equal(t, uint64(0), p.table[0].Target.Load())
	require.Equal(t, 0, lib.useCounts[0x7f0000200400], "unpatch must release exactly one use")

	counts = p.CallCounts()
	require.NotContains(t, counts, uint64(0x7f0000001234), "unpatched slots are absent from call-count snapshots")
}

func TestBackToBackRedirectRetainsNewReleasesOld(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	lib := newFakeLibrary("optA", map[string]uint64{"v1": 0x5000, "v2": 0x6000})
	require.NoError(t, p.AddModule(lib))

	require.NoError(t, p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredRedirected, OtherLib: "optA", OtherName: "v1"}))
	require.Equal(t, 1, lib.useCounts[0x5000])

	require.NoError(t, p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredRedirected, OtherLib: "optA", OtherName: "v2"}))

	require.Equal(t, 0, lib.useCounts[0x5000], "old target released exactly once")
	require.Equal(t, 1, lib.useCounts[0x6000], "new target retained exactly once")

	state, err := p.State(0x1000)
	require.NoError(t, err)
	require.Equal(t, Redirected, state)
}

func TestUnpatchIsIdempotent(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	require.NoError(t, p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredUnpatched}))
	require.NoError(t, p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredUnpatched}))
}

func TestModifyUnknownFunctionAddress(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	err := p.Modify(ModifyRequest{Addr: 0xdead, DesiredState: DesiredUnpatched})
	require.ErrorIs(t, err, ErrUnknownFunction)
}

func TestModifyUnknownLibrary(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	err := p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredRedirected, OtherLib: "missing", OtherName: "fn"})
	require.ErrorIs(t, err, ErrUnknownLibrary)
}

func TestModifyUnknownSymbol(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	lib := newFakeLibrary("optA", map[string]uint64{"v1": 0x5000})
	require.NoError(t, p.AddModule(lib))

	err := p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredRedirected, OtherLib: "optA", OtherName: "missing"})
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestBakeoffRejected(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	err := p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredBakeoff})
	require.ErrorIs(t, err, ErrBakeoffUnimplemented)
}

func TestAddModuleRejectsReservedAndDuplicateNames(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000)
	err := p.AddModule(newFakeLibrary(OriginalLibraryName, nil))
	require.ErrorIs(t, err, ErrReservedLibraryName)

	require.NoError(t, p.AddModule(newFakeLibrary("optA", nil)))
	err = p.AddModule(newFakeLibrary("optA", nil))
	require.ErrorIs(t, err, ErrDuplicateLibrary)
}

func TestRedirectToOriginalRestoresWithoutUnpatching(t *testing.T) {
	p, rt := newTestPatcher(t, 0x1000)
	lib := newFakeLibrary("optA", map[string]uint64{"v1": 0x5000})
	require.NoError(t, p.AddModule(lib))

	require.NoError(t, p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredRedirected, OtherLib: "optA", OtherName: "v1"}))
	require.NoError(t, p.Modify(ModifyRequest{Addr: 0x1000, DesiredState: DesiredRedirected, OtherLib: OriginalLibraryName}))

	require.Equal(t, uint64(0), p.table[0].Target.Load())
	require.Equal(t, 0, lib.useCounts[0x5000])
	state, err := p.State(0x1000)
	require.NoError(t, err)
	require.Equal(t, Redirected, state, "sled stays patched, only the target is cleared")
	require.True(t, rt.redirected[0])
}

func TestKnowsAddress(t *testing.T) {
	p, _ := newTestPatcher(t, 0x1000, 0x2000)
	require.True(t, p.KnowsAddress(0x1000))
	require.False(t, p.KnowsAddress(0x3000))
}
