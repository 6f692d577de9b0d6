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

// Package jitlinker loads relocatable ELF objects produced by the
// optimization server, applies their relocations against freshly mmap'd
// pages, and tracks per-symbol use counts so a module can report when it
// has no outstanding references.
package jitlinker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/halomon/agent/pkg/hash"
)

// OriginalModuleName is reserved for the monitored process's own
// executable; it is never a valid name for a server-supplied module.
const OriginalModuleName = "<original>"

// ExternalResolver resolves a symbol name the loader cannot find inside
// the object or any other module it has already loaded: a libc routine,
// a symbol exported by the original executable, or anything else that
// lives in the process image.
type ExternalResolver interface {
	ResolveExternalSymbol(name string) (addr uint64, ok bool)
}

type symbolEntry struct {
	addr     uint64
	size     uint64
	isFunc   bool
	useCount int
}

// Module is one loaded relocatable object. It satisfies patcher.Library.
type Module struct {
	name        string
	contentHash uint64

	mu         sync.Mutex
	byName     map[string]*symbolEntry
	byAddr     map[uint64]*symbolEntry
	codeRegion []byte
	dataRegion []byte
}

// Name returns the module's registered name.
func (m *Module) Name() string { return m.name }

// ContentHash is a highwayhash digest of the raw object bytes this
// module was loaded from, stable across process restarts. It is not
// sent to the server in any message.
func (m *Module) ContentHash() uint64 { return m.contentHash }

// RequireSymbol resolves name to its loaded address and increments its
// use count. The returned address stays valid until the matching number
// of ReleaseSymbol calls have been made.
func (m *Module) RequireSymbol(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolMissing, name, m.name)
	}
	e.useCount++
	return e.addr, nil
}

// Lookup resolves name to its loaded address and size without affecting
// its use count, for reporting a module's symbol table back to a caller
// (a DyLibInfo reply) rather than for taking a live reference to it.
func (m *Module) Lookup(name string) (addr, size uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return 0, 0, false
	}
	return e.addr, e.size, true
}

// AddressRange returns the span of pages this module occupies, covering
// both its code and data regions. Used to register the module with the
// CodeInventory so sampled addresses inside it resolve to a function.
func (m *Module) AddressRange() (start, end uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start = regionAddr(m.codeRegion)
	end = start + uint64(len(m.codeRegion))
	if dataStart := regionAddr(m.dataRegion); dataStart < start {
		start = dataStart
	}
	if dataEnd := regionAddr(m.dataRegion) + uint64(len(m.dataRegion)); dataEnd > end {
		end = dataEnd
	}
	return start, end
}

// Functions returns every function-typed symbol this module defines, as
// inventory-ready records so the CodeInventory can resolve sampled
// addresses inside it. Object symbols are excluded; only STT_FUNC
// entries are patch/sample targets.
func (m *Module) Functions() []ModuleFunction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModuleFunction, 0, len(m.byName))
	for name, e := range m.byName {
		if !e.isFunc {
			continue
		}
		out = append(out, ModuleFunction{Label: name, Start: e.addr, Size: e.size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// ModuleFunction is one function-typed symbol a loaded module defines,
// in the shape the CodeInventory and the DyLibInfo reply both need.
type ModuleFunction struct {
	Label string
	Start uint64
	Size  uint64
}

// ReleaseSymbol decrements addr's use count. It never drops below zero
// and is a no-op for an address this module never exported.
func (m *Module) ReleaseSymbol(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byAddr[addr]
	if !ok || e.useCount == 0 {
		return nil
	}
	e.useCount--
	return nil
}

// Reclaimable reports whether every symbol this module exports is
// currently unused. Nothing calls unmap on a reclaimable module yet;
// deciding when it is safe to actually unmap pages that a sled might
// still be mid-call into is left to a future revision.
func (m *Module) Reclaimable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byName {
		if e.useCount > 0 {
			return false
		}
	}
	return true
}

// unmap releases the module's mapped pages. Only safe to call once no
// sled can possibly still be executing inside it.
func (m *Module) unmap() error {
	var errs []error
	if m.codeRegion != nil {
		if err := unix.Munmap(m.codeRegion); err != nil {
			errs = append(errs, err)
		}
		m.codeRegion = nil
	}
	if m.dataRegion != nil {
		if err := unix.Munmap(m.dataRegion); err != nil {
			errs = append(errs, err)
		}
		m.dataRegion = nil
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("unmapping module %s: %v", m.name, errs)
}

// LinkerSession owns the data layout string derived once from the
// monitored process's embedded bitcode, and the set of modules loaded
// against it.
type LinkerSession struct {
	mu       sync.Mutex
	layout   string
	layoutOK bool
	modules  map[string]*Module
	resolver ExternalResolver
}

// NewSession returns a session that resolves symbols it cannot find
// locally through resolver.
func NewSession(resolver ExternalResolver) *LinkerSession {
	return &LinkerSession{modules: make(map[string]*Module), resolver: resolver}
}

// SetLayout derives the target data layout from bitcode and stores it.
// Only the first call has an effect; later calls are no-ops, matching a
// linker that is handed the same original executable's bitcode on every
// LoadDyLib request.
func (s *LinkerSession) SetLayout(bitcode []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layoutOK {
		return nil
	}
	layout, err := DataLayout(bitcode)
	if err != nil {
		return err
	}
	s.layout = layout
	s.layoutOK = true
	return nil
}

// Layout returns the session's derived data layout string.
func (s *LinkerSession) Layout() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout, s.layoutOK
}

// Module looks up a previously loaded module by name.
func (s *LinkerSession) Module(name string) (*Module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[name]
	return m, ok
}

// LoadObject parses a relocatable ELF object, maps its allocatable
// sections into fresh pages, applies its relocations, and registers its
// defined function and object symbols under name.
func (s *LinkerSession) LoadObject(name string, objData []byte) (*Module, error) {
	if name == OriginalModuleName {
		return nil, ErrReservedModuleName
	}

	s.mu.Lock()
	if _, exists := s.modules[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	s.mu.Unlock()

	contentHash, err := hash.Reader(bytes.NewReader(objData))
	if err != nil {
		return nil, fmt.Errorf("hashing object for module %s: %w", name, err)
	}

	ef, err := elf.NewFile(bytes.NewReader(objData))
	if err != nil {
		return nil, fmt.Errorf("parsing object for module %s: %w", name, err)
	}
	if ef.Type != elf.ET_REL {
		return nil, fmt.Errorf("module %s: not a relocatable object (type %s)", name, ef.Type)
	}

	codeLayout, err := layoutSections(ef, func(f elf.SectionFlag) bool {
		return f&elf.SHF_ALLOC != 0 && f&elf.SHF_EXECINSTR != 0
	})
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	dataLayout, err := layoutSections(ef, func(f elf.SectionFlag) bool {
		return f&elf.SHF_ALLOC != 0 && f&elf.SHF_EXECINSTR == 0
	})
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}

	codeRegion, err := mapRegion(codeLayout.size)
	if err != nil {
		return nil, fmt.Errorf("module %s: mapping code pages: %w", name, err)
	}
	dataRegion, err := mapRegion(dataLayout.size)
	if err != nil {
		_ = unix.Munmap(codeRegion)
		return nil, fmt.Errorf("module %s: mapping data pages: %w", name, err)
	}

	codeBase := regionAddr(codeRegion)
	dataBase := regionAddr(dataRegion)

	if err := codeLayout.fill(ef, codeRegion); err != nil {
		unmapBoth(codeRegion, dataRegion)
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	if err := dataLayout.fill(ef, dataRegion); err != nil {
		unmapBoth(codeRegion, dataRegion)
		return nil, fmt.Errorf("module %s: %w", name, err)
	}

	sectionAddr := make(map[int]uint64, len(ef.Sections))
	for idx, off := range codeLayout.offsets {
		sectionAddr[idx] = codeBase + off
	}
	for idx, off := range dataLayout.offsets {
		sectionAddr[idx] = dataBase + off
	}

	syms, err := ef.Symbols()
	if err != nil {
		unmapBoth(codeRegion, dataRegion)
		return nil, fmt.Errorf("module %s: reading symbol table: %w", name, err)
	}

	resolve := func(symIdx int) (uint64, error) {
		if symIdx == 0 {
			return 0, nil
		}
		if symIdx-1 < 0 || symIdx-1 >= len(syms) {
			return 0, fmt.Errorf("relocation references out-of-range symbol index %d", symIdx)
		}
		sym := syms[symIdx-1]
		if sym.Section == elf.SHN_UNDEF {
			if addr, ok := s.resolveExternal(sym.Name); ok {
				return addr, nil
			}
			return 0, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, sym.Name)
		}
		base, ok := sectionAddr[int(sym.Section)]
		if !ok {
			return 0, fmt.Errorf("symbol %s defined in unmapped section %d", sym.Name, sym.Section)
		}
		return base + sym.Value, nil
	}

	if err := applyRelocations(ef, sectionAddr, resolve, codeRegion, codeLayout, dataRegion, dataLayout); err != nil {
		unmapBoth(codeRegion, dataRegion)
		return nil, fmt.Errorf("module %s: %w", name, err)
	}

	if err := unix.Mprotect(codeRegion, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unmapBoth(codeRegion, dataRegion)
		return nil, fmt.Errorf("module %s: marking code pages executable: %w", name, err)
	}

	mod := &Module{
		name:        name,
		contentHash: contentHash,
		byName:      make(map[string]*symbolEntry),
		byAddr:      make(map[uint64]*symbolEntry),
		codeRegion:  codeRegion,
		dataRegion:  dataRegion,
	}
	for _, sym := range syms {
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF {
			continue
		}
		isFunc := false
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			if sym.Size == 0 {
				unmapBoth(codeRegion, dataRegion)
				return nil, fmt.Errorf("module %s: %w: %s", name, ErrSymbolZeroSize, sym.Name)
			}
			isFunc = true
		case elf.STT_OBJECT:
		default:
			continue
		}
		base, ok := sectionAddr[int(sym.Section)]
		if !ok {
			continue
		}
		addr := base + sym.Value
		if addr == 0 {
			unmapBoth(codeRegion, dataRegion)
			return nil, fmt.Errorf("module %s: %w: %s", name, ErrSymbolZeroAddress, sym.Name)
		}
		e := &symbolEntry{addr: addr, size: sym.Size, isFunc: isFunc}
		mod.byName[sym.Name] = e
		mod.byAddr[addr] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.modules[name]; exists {
		unmapBoth(codeRegion, dataRegion)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	s.modules[name] = mod
	return mod, nil
}

func (s *LinkerSession) resolveExternal(name string) (uint64, bool) {
	s.mu.Lock()
	for _, mod := range s.modules {
		mod.mu.Lock()
		if e, ok := mod.byName[name]; ok {
			mod.mu.Unlock()
			s.mu.Unlock()
			return e.addr, true
		}
		mod.mu.Unlock()
	}
	resolver := s.resolver
	s.mu.Unlock()
	if resolver == nil {
		return 0, false
	}
	return resolver.ResolveExternalSymbol(name)
}

func unmapBoth(code, data []byte) {
	_ = unix.Munmap(code)
	_ = unix.Munmap(data)
}

// sectionLayout describes where each admitted section ends up inside a
// single contiguous mapping.
type sectionLayout struct {
	offsets map[int]uint64 // section index -> offset within the region
	size    uint64
}

func layoutSections(ef *elf.File, admit func(elf.SectionFlag) bool) (*sectionLayout, error) {
	l := &sectionLayout{offsets: make(map[int]uint64)}
	var cursor uint64
	for idx, sec := range ef.Sections {
		if !admit(sec.Flags) {
			continue
		}
		align := sec.Addralign
		if align == 0 {
			align = 1
		}
		cursor = alignUp(cursor, align)
		l.offsets[idx] = cursor
		cursor += sec.Size
	}
	l.size = cursor
	return l, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func (l *sectionLayout) fill(ef *elf.File, region []byte) error {
	for idx, off := range l.offsets {
		sec := ef.Sections[idx]
		if sec.Type == elf.SHT_NOBITS {
			continue // already zeroed by mmap
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("reading section %s: %w", sec.Name, err)
		}
		copy(region[off:], data)
	}
	return nil
}

// regionAddr returns the absolute address of an mmap'd region's first
// byte. Mmap pages never move, so this stays valid for the region's
// lifetime.
func regionAddr(region []byte) uint64 {
	if len(region) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&region[0])))
}

func mapRegion(size uint64) ([]byte, error) {
	if size == 0 {
		size = 1
	}
	pageSize := uint64(unix.Getpagesize())
	size = alignUp(size, pageSize)
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// resolveFn resolves relocation symbol index symIdx to an absolute
// address, or returns an error for an unresolvable external symbol.
type resolveFn func(symIdx int) (uint64, error)

func applyRelocations(ef *elf.File, sectionAddr map[int]uint64, resolve resolveFn, codeRegion []byte, codeLayout *sectionLayout, dataRegion []byte, dataLayout *sectionLayout) error {
	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		targetIdx := int(sec.Info) // SHT_RELA.Info holds the index of the section the relocations apply to

		targetRegion, targetLayout, ok := regionFor(targetIdx, codeLayout, codeRegion, dataLayout, dataRegion)
		if !ok {
			continue // relocations against a section we didn't map (e.g. debug info)
		}
		targetBase := sectionAddr[targetIdx]

		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("reading relocations of %s: %w", sec.Name, err)
		}
		if len(data)%24 != 0 {
			return fmt.Errorf("malformed RELA section %s: size %d not a multiple of 24", sec.Name, len(data))
		}
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i : i+8])
			rInfo := binary.LittleEndian.Uint64(data[i+8 : i+16])
			rAddend := int64(binary.LittleEndian.Uint64(data[i+16 : i+24]))

			symIdx := int(rInfo >> 32)
			relType := elf.R_X86_64(rInfo & 0xffffffff)

			symAddr, err := resolve(symIdx)
			if err != nil {
				return err
			}

			sectionOff, ok := targetLayout.offsets[targetIdx]
			if !ok {
				return fmt.Errorf("relocation target section %d not laid out", targetIdx)
			}
			place := targetBase + rOffset
			writeAt := sectionOff + rOffset
			if writeAt+8 > uint64(len(targetRegion)) {
				return fmt.Errorf("relocation offset %#x out of bounds for section %d", rOffset, targetIdx)
			}

			switch relType {
			case elf.R_X86_64_64:
				putUint64(targetRegion, writeAt, uint64(int64(symAddr)+rAddend))
			case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
				val := int64(symAddr) + rAddend - int64(place)
				putUint32(targetRegion, writeAt, uint32(int32(val)))
			case elf.R_X86_64_32:
				putUint32(targetRegion, writeAt, uint32(uint64(int64(symAddr)+rAddend)))
			case elf.R_X86_64_32S:
				putUint32(targetRegion, writeAt, uint32(int32(int64(symAddr)+rAddend)))
			default:
				return fmt.Errorf("%w: %s", ErrUnsupportedRelocation, relType)
			}
		}
	}
	return nil
}

func regionFor(sectionIdx int, codeLayout *sectionLayout, codeRegion []byte, dataLayout *sectionLayout, dataRegion []byte) ([]byte, *sectionLayout, bool) {
	if _, ok := codeLayout.offsets[sectionIdx]; ok {
		return codeRegion, codeLayout, true
	}
	if _, ok := dataLayout.offsets[sectionIdx]; ok {
		return dataRegion, dataLayout, true
	}
	return nil, nil, false
}

func putUint64(region []byte, off, v uint64) {
	binary.LittleEndian.PutUint64(region[off:off+8], v)
}

func putUint32(region []byte, off uint64, v uint32) {
	binary.LittleEndian.PutUint32(region[off:off+4], v)
}
