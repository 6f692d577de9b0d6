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

package jitlinker

import (
	"debug/elf"
	"sync"

	"github.com/prometheus/procfs"
)

// ChainResolver tries a sequence of ExternalResolvers in order, returning
// the first hit. It is how a LinkerSession is given more than one external
// symbol source: previously loaded JIT modules come first (handled inside
// resolveExternal itself), then whatever is chained here.
type ChainResolver []ExternalResolver

// NewChainResolver builds a ChainResolver trying each resolver in order.
// A nil entry is skipped, so an optional stage can be passed as nil.
func NewChainResolver(resolvers ...ExternalResolver) ChainResolver {
	return ChainResolver(resolvers)
}

func (c ChainResolver) ResolveExternalSymbol(name string) (uint64, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if addr, ok := r.ResolveExternalSymbol(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// ProcessImageResolver resolves symbol names against the dynamic symbol
// table of every shared object mapped into this process: libc, libm, any
// other .so the runtime has already loaded. It is the Go-side equivalent
// of orc::DynamicLibrarySearchGenerator::GetForCurrentProcess, which the
// original JIT registers on every dylib so that external references fall
// through to whatever dlsym can already see.
//
// The symbol table is scanned once, on first use, and cached; a process's
// set of mapped shared objects does not change once the agent has started,
// and the JIT never dlopens anything behind the resolver's back.
type ProcessImageResolver struct {
	once   sync.Once
	byName map[string]uint64
}

// NewProcessImageResolver returns a resolver backed by the current
// process's loaded shared objects.
func NewProcessImageResolver() *ProcessImageResolver {
	return &ProcessImageResolver{}
}

func (r *ProcessImageResolver) ResolveExternalSymbol(name string) (uint64, bool) {
	r.once.Do(func() {
		r.byName = scanProcessDynamicSymbols()
	})
	addr, ok := r.byName[name]
	return addr, ok
}

// scanProcessDynamicSymbols walks /proc/self/maps for every distinct
// file-backed mapping, opens each as an ELF shared object, and indexes its
// dynamic symbol table by name. Mapping start address stands in for load
// bias, the same approximation vaRangeForPath in pkg/inventory makes for
// the host executable itself; a symbol's runtime address is the lowest
// mapped start address for its object plus the symbol's file value, which
// holds for the position-independent shared objects a Linux dynamic
// linker loads.
func scanProcessDynamicSymbols() map[string]uint64 {
	out := make(map[string]uint64)

	proc, err := procfs.Self()
	if err != nil {
		return out
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return out
	}

	bases := make(map[string]uint64)
	for _, m := range maps {
		if m.Pathname == "" || m.Pathname[0] == '[' {
			continue
		}
		start := uint64(m.StartAddr)
		if b, ok := bases[m.Pathname]; !ok || start < b {
			bases[m.Pathname] = start
		}
	}

	for path, base := range bases {
		ef, err := elf.Open(path)
		if err != nil {
			continue
		}
		syms, err := ef.DynamicSymbols()
		if err == nil {
			for _, sym := range syms {
				if sym.Value == 0 || sym.Name == "" {
					continue
				}
				if _, exists := out[sym.Name]; !exists {
					out[sym.Name] = base + sym.Value
				}
			}
		}
		_ = ef.Close()
	}
	return out
}
