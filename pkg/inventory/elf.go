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
	"debug/elf"
	"fmt"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/halomon/agent/pkg/elfreader"
	"github.com/halomon/agent/pkg/objectfile"
)

const (
	sectionPatchableNames = ".halo.metadata"
	sectionBitcode        = ".llvmbc"
	sectionCommandLine    = ".llvmcmd"
)

// EnrollExecutable opens the host executable at path, locates its mapped
// virtual-address range in the running process, detects the PIE-vs-non-PIE
// delta, and admits every function-typed symbol with nonzero size into a
// new module named OriginalModuleName. It also pulls the bitcode,
// command-line, and patchable-name sections the compiler embedded.
//
// Module load, per the host binary: open the object file, query the
// process map for the VA range it occupies, detect position-independence,
// then iterate the symbol table admitting only function symbols.
func (inv *Inventory) EnrollExecutable(path string) (*Module, error) {
	obj, err := objectfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening executable %s: %w", path, err)
	}
	defer obj.Release()

	ef := obj.Value().ElfFile

	pie := elfreader.IsASLRElegibleElf(ef)

	vaStart, vaEnd, err := vaRangeForPath(path)
	if err != nil {
		return nil, fmt.Errorf("locating VA range for %s: %w", path, err)
	}

	delta := uint64(0)
	if pie {
		delta = vaStart
	}

	mod := newModule(OriginalModuleName, vaStart, vaEnd, delta)

	if err := admitFunctionSymbols(ef, mod); err != nil {
		return nil, fmt.Errorf("reading symbols of %s: %w", path, err)
	}

	if names, err := readNULSeparatedSection(obj.Value().ElfFile, sectionPatchableNames); err == nil {
		mod.PatchableNames = names
		for _, label := range names {
			if fn, ok := mod.FunctionByLabel(label); ok {
				fn.Patchable = true
			}
		}
	}
	if cmdline, err := readNULSeparatedSection(obj.Value().ElfFile, sectionCommandLine); err == nil {
		mod.CommandLine = cmdline
	}
	if bc := ef.Section(sectionBitcode); bc != nil {
		data, err := bc.Data()
		if err != nil {
			return nil, fmt.Errorf("reading %s of %s: %w", sectionBitcode, path, err)
		}
		mod.Bitcode = data
	}

	if err := inv.addModule(mod); err != nil {
		return nil, err
	}
	return mod, nil
}

// AddJITModule admits a JIT module's resolved functions into the outer
// index. JIT-linked functions already carry absolute process addresses
// (JitLinker hands back the final mapped address of each symbol), so the
// module's delta is always zero: its "in-object offset" is its address.
func (inv *Inventory) AddJITModule(name string, vaStart, vaEnd uint64, funcs []*Function) (*Module, error) {
	if name == OriginalModuleName {
		return nil, ErrReservedModuleName
	}
	mod := newModule(name, vaStart, vaEnd, 0)
	for _, fn := range funcs {
		if err := mod.admit(fn); err != nil {
			return nil, err
		}
	}
	if err := inv.addModule(mod); err != nil {
		return nil, err
	}
	return mod, nil
}

func admitFunctionSymbols(ef *elf.File, mod *Module) error {
	syms, err := ef.Symbols()
	if err != nil {
		// A stripped or minimal binary may carry no symbol table at all;
		// that is not fatal here, but the module then has no function
		// records, so a later patchable-name cross-check fails for every
		// listed name.
		return nil
	}
	for i := range syms {
		sym := &syms[i]
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 {
			continue
		}
		fn := &Function{
			Label:  sym.Name,
			Start:  sym.Value,
			Size:   sym.Size,
			SlotID: -1,
		}
		if err := mod.admit(fn); err != nil {
			return err
		}
	}
	return nil
}

// readNULSeparatedSection reads an ELF section's raw bytes and splits them
// on NUL, dropping the trailing empty token the final terminator leaves
// behind.
func readNULSeparatedSection(ef *elf.File, name string) ([]string, error) {
	s := ef.Section(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", objectfile.ErrSectionNotFound, name)
	}
	data, err := s.Data()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// vaRangeForPath scans this process's memory map for every mapping backed
// by path and returns the union [min start, max end) of those mappings.
func vaRangeForPath(path string) (start, end uint64, err error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, 0, fmt.Errorf("opening /proc/self: %w", err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return 0, 0, fmt.Errorf("reading /proc/self/maps: %w", err)
	}

	found := false
	for _, m := range maps {
		if m.Pathname != path {
			continue
		}
		s, e := uint64(m.StartAddr), uint64(m.EndAddr)
		if !found {
			start, end = s, e
			found = true
			continue
		}
		if s < start {
			start = s
		}
		if e > end {
			end = e
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("no mapping found for %s in /proc/self/maps", path)
	}
	return start, end, nil
}
