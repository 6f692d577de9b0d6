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

import "go.uber.org/atomic"

// RedirectionEntry is one slot of the redirection table, laid out exactly
// as the compiler-inserted sled expects: a target address and a call
// counter, back to back. go.uber.org/atomic.Uint64's only field is the
// bare uint64 itself, so a slice of RedirectionEntry is bit-for-bit a C
// array of {u64 target; u64 counter} structs, and its base pointer is
// stable for the slice's lifetime.
type RedirectionEntry struct {
	Target  atomic.Uint64
	Counter atomic.Uint64
}

// TrampolineRuntime is the compiler-provided runtime the Patcher drives.
// Production builds satisfy this with a cgo shim over the toolchain's
// trampoline API (package trampoline: max_function_id,
// set_redirection_table, ...); tests satisfy it with an in-memory fake.
type TrampolineRuntime interface {
	// MaxFunctionID returns the highest valid slot id the compiler
	// assigned. Slot ids are dense, so valid ids are [0, MaxFunctionID()].
	MaxFunctionID() (int32, error)
	// FunctionAddress returns the address of the function registered
	// under id.
	FunctionAddress(id int32) (uint64, error)
	// SetRedirectionTable publishes the table's base pointer to the
	// runtime. Called exactly once, before any sled is enabled.
	SetRedirectionTable(table []RedirectionEntry) error
	// PatchFunction enables a slot's sled for entry counting only, without
	// necessarily installing a redirection target.
	PatchFunction(id int32) error
	// RedirectFunction enables a slot's sled in redirecting mode: once
	// enabled, the sled consults the redirection table target on every
	// call and tail-calls it when nonzero.
	RedirectFunction(id int32) error
	// UnpatchFunction disables a slot's sled; calls fall straight
	// through to the original body again.
	UnpatchFunction(id int32) error
}
