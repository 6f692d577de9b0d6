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

// Package patcher maintains the redirection table indexed by
// compiler-assigned function slot id, and flips the corresponding sleds
// between unpatched and redirected via a TrampolineRuntime.
package patcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// FunctionState is a slot's position in the patch state machine.
type FunctionState int

const (
	Unpatched FunctionState = iota
	Redirected
)

func (s FunctionState) String() string {
	switch s {
	case Unpatched:
		return "unpatched"
	case Redirected:
		return "redirected"
	default:
		return "invalid"
	}
}

// OriginalLibraryName is the reserved library name meaning "the host
// executable"; ModifyFunction(other_lib=OriginalLibraryName) restores a
// slot's original body while leaving its sled patched.
const OriginalLibraryName = "<original>"

var (
	ErrUnknownFunction      = errors.New("unknown function address")
	ErrUnknownLibrary       = errors.New("unknown library")
	ErrUnknownSymbol        = errors.New("unknown symbol")
	ErrInvalidTransition    = errors.New("invalid patch state transition")
	ErrBakeoffUnimplemented = errors.New("bakeoff desired state is not implemented")
	ErrReservedLibraryName  = errors.New("library name is reserved for the original executable")
	ErrDuplicateLibrary     = errors.New("library already registered")
)

// DesiredState is what a ModifyFunction request asks for. Bakeoff is
// accepted syntactically (the server protocol enumerates it) but always
// rejected with ErrBakeoffUnimplemented: the source this design is based
// on never implements it either.
type DesiredState int

const (
	DesiredUnpatched DesiredState = iota
	DesiredRedirected
	DesiredBakeoff
)

// Library is how the Patcher reaches a JIT module's symbol table. The
// JitLinker's module sessions satisfy this.
type Library interface {
	Name() string
	// RequireSymbol resolves name to its absolute address and increments
	// its use count.
	RequireSymbol(name string) (addr uint64, err error)
	// ReleaseSymbol decrements addr's use count. Never goes below zero.
	ReleaseSymbol(addr uint64) error
}

type slot struct {
	addr    uint64
	state   FunctionState
	libName string // library that owns the currently-installed target; "" if target is 0
}

// ModifyRequest is the Patcher-facing shape of a server ModifyFunction
// message.
type ModifyRequest struct {
	Addr         uint64
	DesiredState DesiredState
	OtherLib     string
	OtherName    string
}

// Patcher owns the redirection table and the per-slot state machine.
type Patcher struct {
	mu sync.Mutex

	runtime TrampolineRuntime
	table   []RedirectionEntry
	slots   []slot
	addrIdx map[uint64]int32
	libs    map[string]Library

	// installed tracks which slot ids are currently != Unpatched, so
	// CallCounts can skip the rest of the table instead of scanning it in
	// full on every call.
	installed *roaring.Bitmap
}

// New returns a Patcher bound to runtime. Call Initialize before any other
// method.
func New(runtime TrampolineRuntime) *Patcher {
	return &Patcher{
		runtime:   runtime,
		addrIdx:   make(map[uint64]int32),
		libs:      make(map[string]Library),
		installed: roaring.NewBitmap(),
	}
}

// Initialize queries the slot count from the runtime, sizes the redirection
// table and per-slot metadata, and publishes the table's base pointer.
// Must be called exactly once, before the first instrumentation is
// enabled.
func (p *Patcher) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	maxID, err := p.runtime.MaxFunctionID()
	if err != nil {
		return fmt.Errorf("querying max function id: %w", err)
	}

	n := int(maxID) + 1
	p.table = make([]RedirectionEntry, n)
	p.slots = make([]slot, n)

	for i := 0; i < n; i++ {
		addr, err := p.runtime.FunctionAddress(int32(i))
		if err != nil {
			return fmt.Errorf("querying address of slot %d: %w", i, err)
		}
		p.slots[i] = slot{addr: addr, state: Unpatched}
		p.addrIdx[addr] = int32(i)
	}

	if err := p.runtime.SetRedirectionTable(p.table); err != nil {
		return fmt.Errorf("publishing redirection table: %w", err)
	}
	return nil
}

// AddModule admits lib under a name distinct from OriginalLibraryName.
func (p *Patcher) AddModule(lib Library) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := lib.Name()
	if name == OriginalLibraryName {
		return ErrReservedLibraryName
	}
	if _, exists := p.libs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateLibrary, name)
	}
	p.libs[name] = lib
	return nil
}

// KnowsAddress reports whether addr was registered as a slot at
// Initialize time. Satisfies inventory.PatchableIndex.
func (p *Patcher) KnowsAddress(addr uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.addrIdx[addr]
	return ok
}

// Modify applies req to its target slot.
func (p *Patcher) Modify(req ModifyRequest) error {
	switch req.DesiredState {
	case DesiredUnpatched:
		return p.unpatch(req.Addr)
	case DesiredRedirected:
		return p.redirect(req.Addr, req.OtherLib, req.OtherName)
	case DesiredBakeoff:
		return ErrBakeoffUnimplemented
	default:
		return fmt.Errorf("%w: unrecognized desired state %d", ErrInvalidTransition, req.DesiredState)
	}
}

func (p *Patcher) slotFor(addr uint64) (int32, error) {
	id, ok := p.addrIdx[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrUnknownFunction, addr)
	}
	return id, nil
}

func (p *Patcher) unpatch(addr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.slotFor(addr)
	if err != nil {
		return err
	}
	s := &p.slots[id]
	if s.state == Unpatched {
		return nil
	}

	if err := p.runtime.UnpatchFunction(id); err != nil {
		return fmt.Errorf("unpatching slot %d: %w", id, err)
	}
	s.state = Unpatched
	p.installed.Remove(uint32(id))

	prevTarget := p.table[id].Target.Swap(0)
	return p.releaseTarget(s, prevTarget)
}

func (p *Patcher) redirect(addr uint64, otherLib, otherName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.slotFor(addr)
	if err != nil {
		return err
	}
	s := &p.slots[id]

	var newTarget uint64
	if otherLib != "" && otherLib != OriginalLibraryName {
		lib, ok := p.libs[otherLib]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownLibrary, otherLib)
		}
		newTarget, err = lib.RequireSymbol(otherName)
		if err != nil {
			return fmt.Errorf("%w: %s::%s: %v", ErrUnknownSymbol, otherLib, otherName, err)
		}
	}

	prevTarget := p.table[id].Target.Swap(newTarget)
	prevLib := s.libName

	switch s.state {
	case Unpatched:
		if err := p.runtime.RedirectFunction(id); err != nil {
			// Roll back the target swap; the sled was never enabled so
			// the new target was never observable.
			p.table[id].Target.Store(prevTarget)
			return fmt.Errorf("redirecting slot %d: %w", id, err)
		}
		s.state = Redirected
		p.installed.Add(uint32(id))
	case Redirected:
		// Target changes without re-entering Unpatched.
	default:
		return fmt.Errorf("%w: slot %d is in state %s", ErrInvalidTransition, id, s.state)
	}

	if newTarget == 0 {
		s.libName = ""
	} else {
		s.libName = otherLib
	}

	return p.releaseTargetNamed(prevLib, prevTarget)
}

// releaseTarget releases prevTarget's use count if it was nonzero,
// attributing it to s's currently-recorded library before it was
// overwritten by the caller.
func (p *Patcher) releaseTarget(s *slot, prevTarget uint64) error {
	lib := s.libName
	s.libName = ""
	return p.releaseTargetNamed(lib, prevTarget)
}

func (p *Patcher) releaseTargetNamed(libName string, prevTarget uint64) error {
	if prevTarget == 0 || libName == "" {
		return nil
	}
	lib, ok := p.libs[libName]
	if !ok {
		// The library was unregistered out from under an installed
		// target; nothing left to release against.
		return nil
	}
	return lib.ReleaseSymbol(prevTarget)
}

// CallCounts returns a snapshot of (function address -> counter) for every
// slot not in the Unpatched state. Counters are not reset; the server is
// expected to compute deltas across snapshots.
func (p *Patcher) CallCounts() map[uint64]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[uint64]uint64, p.installed.GetCardinality())
	it := p.installed.Iterator()
	for it.HasNext() {
		id := it.Next()
		s := p.slots[id]
		out[s.addr] = p.table[id].Counter.Load()
	}
	return out
}

// State returns the current patch state of the slot registered at addr.
func (p *Patcher) State(addr uint64) (FunctionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := p.slotFor(addr)
	if err != nil {
		return Unpatched, err
	}
	return p.slots[id].state, nil
}
