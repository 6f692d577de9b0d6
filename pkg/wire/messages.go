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

package wire

// DesiredState mirrors patcher.DesiredState's ordinals so a decoded
// ModifyFunction can be cast straight into a patcher.ModifyRequest
// without a translation table.
type DesiredState uint8

const (
	StateUnpatched DesiredState = iota
	StateRedirected
	StateBakeoff
)

// FunctionInfo describes one function as reported to the server, either
// as part of enrollment or a loaded module's symbol table.
type FunctionInfo struct {
	Label     string
	Start     uint64
	Size      uint64
	Patchable bool
}

func (f FunctionInfo) encode(e *encoder) {
	e.string(f.Label)
	e.u64(f.Start)
	e.u64(f.Size)
	e.bool(f.Patchable)
}

func decodeFunctionInfo(d *decoder) (FunctionInfo, error) {
	var f FunctionInfo
	var err error
	if f.Label, err = d.string(); err != nil {
		return f, err
	}
	if f.Start, err = d.u64(); err != nil {
		return f, err
	}
	if f.Size, err = d.u64(); err != nil {
		return f, err
	}
	if f.Patchable, err = d.boolean(); err != nil {
		return f, err
	}
	return f, nil
}

// ModuleInfo is the original executable's identity, layout, and function
// set as reported at enrollment: enough for the server to map sampled
// addresses back to source and to decide what, if anything, to compile
// and send back.
type ModuleInfo struct {
	Path       string
	VAStart    uint64
	VAEnd      uint64
	Delta      uint64
	BuildFlags []string
	Bitcode    []byte
	Name       string
	Functions  []FunctionInfo
}

func (m ModuleInfo) encode(e *encoder) {
	e.string(m.Path)
	e.u64(m.VAStart)
	e.u64(m.VAEnd)
	e.u64(m.Delta)
	e.u32(uint32(len(m.BuildFlags)))
	for _, f := range m.BuildFlags {
		e.string(f)
	}
	e.bytes(m.Bitcode)
	e.string(m.Name)
	e.u32(uint32(len(m.Functions)))
	for _, fn := range m.Functions {
		fn.encode(e)
	}
}

func decodeModuleInfo(d *decoder) (ModuleInfo, error) {
	var m ModuleInfo
	var err error
	if m.Path, err = d.string(); err != nil {
		return m, err
	}
	if m.VAStart, err = d.u64(); err != nil {
		return m, err
	}
	if m.VAEnd, err = d.u64(); err != nil {
		return m, err
	}
	if m.Delta, err = d.u64(); err != nil {
		return m, err
	}
	n, err := d.u32()
	if err != nil {
		return m, err
	}
	m.BuildFlags = make([]string, n)
	for i := range m.BuildFlags {
		if m.BuildFlags[i], err = d.string(); err != nil {
			return m, err
		}
	}
	if m.Bitcode, err = d.bytesField(); err != nil {
		return m, err
	}
	if m.Name, err = d.string(); err != nil {
		return m, err
	}
	n, err = d.u32()
	if err != nil {
		return m, err
	}
	m.Functions = make([]FunctionInfo, n)
	for i := range m.Functions {
		if m.Functions[i], err = decodeFunctionInfo(d); err != nil {
			return m, err
		}
	}
	return m, nil
}

// ClientEnroll is sent once, at startup, with enough host and binary
// information for the server to decide what to load.
type ClientEnroll struct {
	ProcessTriple string
	HostCPU       string
	Features      []string
	Module        ModuleInfo
}

func (m ClientEnroll) Encode() []byte {
	e := &encoder{}
	e.string(m.ProcessTriple)
	e.string(m.HostCPU)
	e.u32(uint32(len(m.Features)))
	for _, f := range m.Features {
		e.string(f)
	}
	m.Module.encode(e)
	return e.bytesOut()
}

func DecodeClientEnroll(body []byte) (ClientEnroll, error) {
	d := newDecoder(body)
	var m ClientEnroll
	var err error
	if m.ProcessTriple, err = d.string(); err != nil {
		return m, err
	}
	if m.HostCPU, err = d.string(); err != nil {
		return m, err
	}
	n, err := d.u32()
	if err != nil {
		return m, err
	}
	m.Features = make([]string, n)
	for i := range m.Features {
		if m.Features[i], err = d.string(); err != nil {
			return m, err
		}
	}
	if m.Module, err = decodeModuleInfo(d); err != nil {
		return m, err
	}
	return m, d.done()
}

// BranchEntry is one last-branch-record entry.
type BranchEntry struct {
	From         uint64
	To           uint64
	Mispredicted bool
	Predicted    bool
}

// RawSample is one decoded hardware sample, forwarded to the server
// as-is.
type RawSample struct {
	InstrPtr    uint64
	TID         uint32
	Time        uint64
	CallContext []uint64
	Branches    []BranchEntry
}

func (m RawSample) Encode() []byte {
	e := &encoder{}
	e.u64(m.InstrPtr)
	e.u32(m.TID)
	e.u64(m.Time)
	e.u32(uint32(len(m.CallContext)))
	for _, ip := range m.CallContext {
		e.u64(ip)
	}
	e.u32(uint32(len(m.Branches)))
	for _, b := range m.Branches {
		e.u64(b.From)
		e.u64(b.To)
		e.bool(b.Mispredicted)
		e.bool(b.Predicted)
	}
	return e.bytesOut()
}

func DecodeRawSample(body []byte) (RawSample, error) {
	d := newDecoder(body)
	var m RawSample
	var err error
	if m.InstrPtr, err = d.u64(); err != nil {
		return m, err
	}
	tid, err := d.u32()
	if err != nil {
		return m, err
	}
	m.TID = tid
	if m.Time, err = d.u64(); err != nil {
		return m, err
	}
	n, err := d.u32()
	if err != nil {
		return m, err
	}
	if n > 0 {
		m.CallContext = make([]uint64, n)
	}
	for i := range m.CallContext {
		if m.CallContext[i], err = d.u64(); err != nil {
			return m, err
		}
	}
	n, err = d.u32()
	if err != nil {
		return m, err
	}
	if n > 0 {
		m.Branches = make([]BranchEntry, n)
	}
	for i := range m.Branches {
		b := &m.Branches[i]
		if b.From, err = d.u64(); err != nil {
			return m, err
		}
		if b.To, err = d.u64(); err != nil {
			return m, err
		}
		if b.Mispredicted, err = d.boolean(); err != nil {
			return m, err
		}
		if b.Predicted, err = d.boolean(); err != nil {
			return m, err
		}
	}
	return m, d.done()
}

// CallCountEntry is one slot's observed counter at snapshot time.
type CallCountEntry struct {
	Addr  uint64
	Count uint64
}

// CallCountData is a snapshot of every installed slot's entry counter.
// Unpatched slots are never present.
type CallCountData struct {
	Timestamp uint64
	Counts    []CallCountEntry
}

func (m CallCountData) Encode() []byte {
	e := &encoder{}
	e.u64(m.Timestamp)
	e.u32(uint32(len(m.Counts)))
	for _, c := range m.Counts {
		e.u64(c.Addr)
		e.u64(c.Count)
	}
	return e.bytesOut()
}

func DecodeCallCountData(body []byte) (CallCountData, error) {
	d := newDecoder(body)
	var m CallCountData
	var err error
	if m.Timestamp, err = d.u64(); err != nil {
		return m, err
	}
	n, err := d.u32()
	if err != nil {
		return m, err
	}
	m.Counts = make([]CallCountEntry, n)
	for i := range m.Counts {
		if m.Counts[i].Addr, err = d.u64(); err != nil {
			return m, err
		}
		if m.Counts[i].Count, err = d.u64(); err != nil {
			return m, err
		}
	}
	return m, d.done()
}

// DyLibInfo reports a module's resolved symbols back to the server after
// a LoadDyLib request. Patchable is always false: server-supplied
// modules aren't themselves instrumented with sleds.
type DyLibInfo struct {
	Name    string
	Symbols []FunctionInfo
}

func (m DyLibInfo) Encode() []byte {
	e := &encoder{}
	e.string(m.Name)
	e.u32(uint32(len(m.Symbols)))
	for _, s := range m.Symbols {
		s.encode(e)
	}
	return e.bytesOut()
}

func DecodeDyLibInfo(body []byte) (DyLibInfo, error) {
	d := newDecoder(body)
	var m DyLibInfo
	var err error
	if m.Name, err = d.string(); err != nil {
		return m, err
	}
	n, err := d.u32()
	if err != nil {
		return m, err
	}
	m.Symbols = make([]FunctionInfo, n)
	for i := range m.Symbols {
		if m.Symbols[i], err = decodeFunctionInfo(d); err != nil {
			return m, err
		}
	}
	return m, d.done()
}

// SetSamplingPeriod pushes a new sampling period, in retired
// instructions between samples, to every sampler handle.
type SetSamplingPeriod struct {
	Period uint64
}

func (m SetSamplingPeriod) Encode() []byte {
	e := &encoder{}
	e.u64(m.Period)
	return e.bytesOut()
}

func DecodeSetSamplingPeriod(body []byte) (SetSamplingPeriod, error) {
	d := newDecoder(body)
	var m SetSamplingPeriod
	var err error
	if m.Period, err = d.u64(); err != nil {
		return m, err
	}
	return m, d.done()
}

// LoadDyLib carries a relocatable object for the JitLinker to load, plus
// the names the server wants resolved addresses for in the DyLibInfo
// reply.
type LoadDyLib struct {
	Name            string
	Object          []byte
	DeclaredSymbols []string
}

func (m LoadDyLib) Encode() []byte {
	e := &encoder{}
	e.string(m.Name)
	e.bytes(m.Object)
	e.u32(uint32(len(m.DeclaredSymbols)))
	for _, s := range m.DeclaredSymbols {
		e.string(s)
	}
	return e.bytesOut()
}

func DecodeLoadDyLib(body []byte) (LoadDyLib, error) {
	d := newDecoder(body)
	var m LoadDyLib
	var err error
	if m.Name, err = d.string(); err != nil {
		return m, err
	}
	if m.Object, err = d.bytesField(); err != nil {
		return m, err
	}
	n, err := d.u32()
	if err != nil {
		return m, err
	}
	m.DeclaredSymbols = make([]string, n)
	for i := range m.DeclaredSymbols {
		if m.DeclaredSymbols[i], err = d.string(); err != nil {
			return m, err
		}
	}
	return m, d.done()
}

// ModifyFunction asks the Patcher to transition one slot's state.
type ModifyFunction struct {
	Name      string
	Addr      uint64
	Desired   DesiredState
	OtherLib  string
	OtherName string
}

func (m ModifyFunction) Encode() []byte {
	e := &encoder{}
	e.string(m.Name)
	e.u64(m.Addr)
	e.u8(uint8(m.Desired))
	e.string(m.OtherLib)
	e.string(m.OtherName)
	return e.bytesOut()
}

func DecodeModifyFunction(body []byte) (ModifyFunction, error) {
	d := newDecoder(body)
	var m ModifyFunction
	var err error
	if m.Name, err = d.string(); err != nil {
		return m, err
	}
	if m.Addr, err = d.u64(); err != nil {
		return m, err
	}
	state, err := d.u8()
	if err != nil {
		return m, err
	}
	m.Desired = DesiredState(state)
	if m.OtherLib, err = d.string(); err != nil {
		return m, err
	}
	if m.OtherName, err = d.string(); err != nil {
		return m, err
	}
	return m, d.done()
}
