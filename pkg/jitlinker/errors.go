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

import "errors"

var (
	// ErrDataLayoutUnavailable means the bitcode's data layout string could
	// not be read; the caller treats this as fatal, since linking without
	// an accurate layout risks silently wrong section alignment.
	ErrDataLayoutUnavailable = errors.New("data layout unavailable from bitcode")
	// ErrReservedModuleName is returned when a JIT module tries to register
	// under OriginalModuleName.
	ErrReservedModuleName = errors.New("module name is reserved for the original executable")
	// ErrDuplicateModule is returned when a module name is already registered.
	ErrDuplicateModule = errors.New("module name already registered")
	// ErrSymbolMissing is returned when a server-declared symbol does not
	// appear in the object's symbol table.
	ErrSymbolMissing = errors.New("symbol not present in object")
	// ErrSymbolZeroAddress is returned when a declared symbol resolved to
	// address zero, which signals a broken object.
	ErrSymbolZeroAddress = errors.New("symbol resolved to address zero")
	// ErrSymbolZeroSize is returned when a declared function symbol has no
	// size recorded, which signals a broken object.
	ErrSymbolZeroSize = errors.New("function symbol has zero size")
	// ErrUnresolvedSymbol is returned when a relocation references a symbol
	// that cannot be found internally, in a prior module, in the process
	// image, or in the original executable's globals.
	ErrUnresolvedSymbol = errors.New("unresolved external symbol")
	// ErrUnsupportedRelocation is returned for a relocation type the
	// linker does not implement.
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
)
