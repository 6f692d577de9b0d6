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

package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// A PIE binary mapped at [0x7f0000000000, 0x7f0000010000) with one
// patchable function fib at offset 0x1234, size 0x80. A sampled IP inside
// the function resolves.
func TestLookupInsidePatchableFunction(t *testing.T) {
	inv := New()
	mod := newModule(OriginalModuleName, 0x7f0000000000, 0x7f0000010000, 0x7f0000000000)
	require.NoError(t, mod.admit(&Function{
		Label: "fib", Start: 0x7f0000001234, Size: 0x80, Patchable: true, SlotID: 3,
	}))
	require.NoError(t, inv.addModule(mod))

	fn, m, ok := inv.Lookup(0x7f0000001260)
	require.True(t, ok)
	require.Equal(t, "fib", fn.Label)
	require.Equal(t, OriginalModuleName, m.Name)
}

// An address no module covers must resolve to ok=false, never panic.
func TestLookupUnknownIP(t *testing.T) {
	inv := New()
	mod := newModule(OriginalModuleName, 0x7f0000000000, 0x7f0000010000, 0x7f0000000000)
	require.NoError(t, mod.admit(&Function{Label: "fib", Start: 0x7f0000001234, Size: 0x80}))
	require.NoError(t, inv.addModule(mod))

	_, _, ok := inv.Lookup(0x10)
	require.False(t, ok)
}

func TestLookupBetweenSymbols(t *testing.T) {
	inv := New()
	mod := newModule(OriginalModuleName, 0x1000, 0x2000, 0)
	require.NoError(t, mod.admit(&Function{Label: "a", Start: 0x1000, Size: 0x10}))
	require.NoError(t, mod.admit(&Function{Label: "b", Start: 0x1100, Size: 0x10}))
	require.NoError(t, inv.addModule(mod))

	_, _, ok := inv.Lookup(0x1050)
	require.False(t, ok, "address between two functions must not resolve")

	fn, _, ok := inv.Lookup(0x1105)
	require.True(t, ok)
	require.Equal(t, "b", fn.Label)
}

func TestLookupMultipleModulesUsesOuterIndex(t *testing.T) {
	inv := New()
	host := newModule(OriginalModuleName, 0x1000, 0x2000, 0)
	require.NoError(t, host.admit(&Function{Label: "main", Start: 0x1000, Size: 0x10}))
	require.NoError(t, inv.addModule(host))

	jit := newModule("optA", 0x7f0000200000, 0x7f0000201000, 0)
	require.NoError(t, jit.admit(&Function{Label: "fib_v2", Start: 0x7f0000200400, Size: 0x40}))
	require.NoError(t, inv.addModule(jit))

	fn, m, ok := inv.Lookup(0x7f0000200410)
	require.True(t, ok)
	require.Equal(t, "fib_v2", fn.Label)
	require.Equal(t, "optA", m.Name)

	fn, m, ok = inv.Lookup(0x1005)
	require.True(t, ok)
	require.Equal(t, "main", fn.Label)
	require.Equal(t, OriginalModuleName, m.Name)
}

func TestAddModuleRejectsDuplicateAndReservedNames(t *testing.T) {
	inv := New()
	_, err := inv.AddJITModule(OriginalModuleName, 0x1000, 0x2000, nil)
	require.ErrorIs(t, err, ErrReservedModuleName)

	_, err = inv.AddJITModule("optA", 0x1000, 0x2000, nil)
	require.NoError(t, err)
	_, err = inv.AddJITModule("optA", 0x3000, 0x4000, nil)
	require.ErrorIs(t, err, ErrDuplicateModule)
}

func TestOverlappingFunctionFirstInWins(t *testing.T) {
	mod := newModule(OriginalModuleName, 0, 0x10000, 0)
	require.NoError(t, mod.admit(&Function{Label: "first", Start: 0x100, Size: 0x50}))
	require.NoError(t, mod.admit(&Function{Label: "alias", Start: 0x100, Size: 0x50}))

	require.Len(t, mod.funcs, 1)
	require.Equal(t, "first", mod.funcs[0].Label)
}

func TestCrossCheckPatchableDetectsMismatch(t *testing.T) {
	mod := newModule(OriginalModuleName, 0, 0x10000, 0)
	require.NoError(t, mod.admit(&Function{Label: "fib", Start: 0x1234, Size: 0x80, Patchable: true}))
	mod.PatchableNames = []string{"fib"}

	require.NoError(t, CrossCheckPatchable(mod, fakeIndex{0x1234: true}))
	require.Error(t, CrossCheckPatchable(mod, fakeIndex{}))

	mod.PatchableNames = []string{"missing"}
	require.Error(t, CrossCheckPatchable(mod, fakeIndex{0x1234: true}))
}

type fakeIndex map[uint64]bool

func (f fakeIndex) KnowsAddress(addr uint64) bool { return f[addr] }
