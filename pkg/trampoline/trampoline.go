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

// Package trampoline binds patcher.TrampolineRuntime to the six C
// functions the host toolchain links into the process: max_function_id,
// function_address, patch_function, unpatch_function, redirect_function,
// and set_redirection_table. These are produced by compiler-side module
// preparation and are not implemented here; this package only declares
// the calling convention and hands the resulting addresses back to Go as
// uint64s.
package trampoline

/*
#include <stdint.h>
#include <stddef.h>

extern int32_t max_function_id(void);
extern uint64_t function_address(int32_t id);
extern void patch_function(int32_t id);
extern void unpatch_function(int32_t id);
extern void redirect_function(int32_t id);
extern void set_redirection_table(void *base, size_t count);
*/
import "C"

import (
	"unsafe"

	"github.com/halomon/agent/pkg/patcher"
)

// Runtime calls straight through to the linked-in trampoline functions.
// It holds no state of its own; the redirection table it publishes lives
// in the Patcher's own slice, and Runtime only needs that slice's base
// pointer and length for the lifetime of the process.
type Runtime struct{}

var _ patcher.TrampolineRuntime = Runtime{}

func (Runtime) MaxFunctionID() (int32, error) {
	return int32(C.max_function_id()), nil
}

func (Runtime) FunctionAddress(id int32) (uint64, error) {
	return uint64(C.function_address(C.int32_t(id))), nil
}

// SetRedirectionTable publishes table's backing array to the trampoline
// runtime. table must not be resized or reallocated afterward; the
// Patcher that owns it never does either, by construction.
func (Runtime) SetRedirectionTable(table []patcher.RedirectionEntry) error {
	if len(table) == 0 {
		C.set_redirection_table(nil, 0)
		return nil
	}
	C.set_redirection_table(unsafe.Pointer(&table[0]), C.size_t(len(table)))
	return nil
}

func (Runtime) PatchFunction(id int32) error {
	C.patch_function(C.int32_t(id))
	return nil
}

func (Runtime) RedirectFunction(id int32) error {
	C.redirect_function(C.int32_t(id))
	return nil
}

func (Runtime) UnpatchFunction(id int32) error {
	C.unpatch_function(C.int32_t(id))
	return nil
}
