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

// Package inventory answers "what function contains address A" for any A
// sampled from the monitored process. It keeps a two-level interval index:
// an outer index of loaded modules ordered by their virtual-address range,
// and an inner, per-module index of functions ordered by in-object offset.
package inventory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

// OriginalModuleName is the reserved name of the host executable's module
// record; JIT modules may never register under this name.
const OriginalModuleName = "<original>"

var (
	// ErrDuplicateModule is returned when a module name is already registered.
	ErrDuplicateModule = errors.New("module name already registered")
	// ErrReservedModuleName is returned when a JIT module tries to register
	// under OriginalModuleName.
	ErrReservedModuleName = errors.New("module name is reserved for the original executable")
	// ErrOverlappingFunction describes a function whose address range
	// overlaps an already-admitted function in the same module. admit does
	// not return it: it keeps the first function and drops the later one.
	ErrOverlappingFunction = errors.New("function range overlaps an existing one")
)

// Function is a patchable-or-not symbol occupying [Start, Start+Size) in
// process address space. SlotID is the slot id field for the redirection
// table; the loaders in this repository set it to -1 for every function,
// patchable or not, and the Patcher keys its slots by address instead.
type Function struct {
	Label     string
	Start     uint64
	Size      uint64
	Patchable bool
	SlotID    int32
}

func (f *Function) covers(addr uint64) bool {
	return addr >= f.Start && addr < f.Start+f.Size
}

// Module is either the host executable (name OriginalModuleName) or a JIT
// module linked in later. VAStart/VAEnd describe where it sits in the
// process address space; Delta is subtracted from a raw sampled address to
// obtain an in-object offset before the inner index is consulted.
type Module struct {
	Name    string
	VAStart uint64
	VAEnd   uint64
	Delta   uint64

	// funcs is kept sorted by in-object offset (Start - Delta) to allow
	// binary search; labels indexes the same records by name.
	funcs  []*Function
	labels map[uint64]*Function // keyed by xxhash of the label

	// Enrollment artifacts, populated only for the original executable.
	Bitcode        []byte
	CommandLine    []string
	PatchableNames []string
}

func newModule(name string, vaStart, vaEnd, delta uint64) *Module {
	return &Module{
		Name:    name,
		VAStart: vaStart,
		VAEnd:   vaEnd,
		Delta:   delta,
		labels:  make(map[uint64]*Function),
	}
}

// admit inserts fn into the module's interval index, keeping it sorted by
// offset. Overlapping ranges are rejected; the first admitted function for
// a given span wins, matching weak-alias ties the compiler may emit.
func (m *Module) admit(fn *Function) error {
	offset := fn.Start - m.Delta
	i := sort.Search(len(m.funcs), func(i int) bool {
		return m.funcs[i].Start-m.Delta >= offset
	})
	if i < len(m.funcs) && (m.funcs[i].covers(fn.Start) || m.funcs[i].Start < fn.Start+fn.Size) {
		return nil // first-in-wins on exact/overlapping ties
	}
	if i > 0 {
		prev := m.funcs[i-1]
		if prev.covers(fn.Start) || prev.covers(fn.Start+fn.Size-1) {
			return nil
		}
	}
	m.funcs = slices.Insert(m.funcs, i, fn)
	m.labels[xxhash.Sum64String(fn.Label)] = fn
	return nil
}

// lookup finds the Function whose range contains the in-object offset, or
// nil if the address falls between symbols.
func (m *Module) lookup(offset uint64) *Function {
	i := sort.Search(len(m.funcs), func(i int) bool {
		return m.funcs[i].Start-m.Delta > offset
	})
	if i == 0 {
		return nil
	}
	fn := m.funcs[i-1]
	if fn.Start-m.Delta <= offset && offset < fn.Start-m.Delta+fn.Size {
		return fn
	}
	return nil
}

// FunctionByLabel returns the function registered under the given label, if
// any. Used by CrossCheckPatchable to resolve the patchable-name list.
func (m *Module) FunctionByLabel(label string) (*Function, bool) {
	fn, ok := m.labels[xxhash.Sum64String(label)]
	return fn, ok
}

// Functions returns the module's functions in address order. The returned
// slice must not be mutated.
func (m *Module) Functions() []*Function {
	return m.funcs
}

// Inventory is the process-wide two-level interval index. Zero value is not
// usable; construct with New.
type Inventory struct {
	// modules is kept sorted by VAStart for binary search across modules.
	modules []*Module
	byName  map[string]*Module
}

// New returns an empty Inventory.
func New() *Inventory {
	return &Inventory{byName: make(map[string]*Module)}
}

// addModule inserts m into the outer index, rejecting duplicate names.
func (inv *Inventory) addModule(m *Module) error {
	if _, ok := inv.byName[m.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name)
	}
	i := sort.Search(len(inv.modules), func(i int) bool {
		return inv.modules[i].VAStart >= m.VAStart
	})
	inv.modules = slices.Insert(inv.modules, i, m)
	inv.byName[m.Name] = m
	return nil
}

// Module returns the module registered under name, if any.
func (inv *Inventory) Module(name string) (*Module, bool) {
	m, ok := inv.byName[name]
	return m, ok
}

// Lookup resolves a raw sampled instruction pointer to the function that
// contains it, and the module it belongs to. It returns ok=false when no
// loaded module covers addr, or the address falls between two functions.
//
// As a fast path, when exactly one module is loaded the outer index is
// skipped entirely (this is the common case: the host executable, before
// any JIT module has been linked in).
func (inv *Inventory) Lookup(addr uint64) (fn *Function, mod *Module, ok bool) {
	if len(inv.modules) == 1 {
		m := inv.modules[0]
		if addr < m.VAStart || addr >= m.VAEnd {
			return nil, nil, false
		}
		if f := m.lookup(addr - m.Delta); f != nil {
			return f, m, true
		}
		return nil, nil, false
	}

	i := sort.Search(len(inv.modules), func(i int) bool {
		return inv.modules[i].VAEnd > addr
	})
	if i == len(inv.modules) {
		return nil, nil, false
	}
	m := inv.modules[i]
	if addr < m.VAStart || addr >= m.VAEnd {
		return nil, nil, false
	}
	if f := m.lookup(addr - m.Delta); f != nil {
		return f, m, true
	}
	return nil, nil, false
}

// PatchableIndex is satisfied by the Patcher's slot table. CrossCheckPatchable
// uses it to confirm every name the executable declared patchable has a
// slot id the Patcher actually registered at startup; a discrepancy is a
// fatal configuration error (the compiler and the trampoline runtime
// disagree about what was instrumented).
type PatchableIndex interface {
	KnowsAddress(addr uint64) bool
}

// CrossCheckPatchable validates mod.PatchableNames against idx. It is meant
// to run once, right after the original executable enrolls.
func CrossCheckPatchable(mod *Module, idx PatchableIndex) error {
	for _, name := range mod.PatchableNames {
		fn, ok := mod.FunctionByLabel(name)
		if !ok {
			return fmt.Errorf("patchable function %q has no function record in %s", name, mod.Name)
		}
		if !idx.KnowsAddress(fn.Start) {
			return fmt.Errorf("patchable function %q at %#x was not registered by the trampoline runtime", name, fn.Start)
		}
	}
	return nil
}
