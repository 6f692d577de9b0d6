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
	"testing"

	"github.com/stretchr/testify/require"
)

// bitWriter is the bitReader's write-side mirror, used only to build
// synthetic bitstreams for tests.
type bitWriter struct {
	buf    []byte
	bitPos uint64
}

func (w *bitWriter) writeBits(v uint64, n uint) {
	for i := uint(0); i < n; i++ {
		byteIdx := w.bitPos / 8
		for uint64(len(w.buf)) <= byteIdx {
			w.buf = append(w.buf, 0)
		}
		bit := byte((v >> i) & 1)
		w.buf[byteIdx] |= bit << (w.bitPos % 8)
		w.bitPos++
	}
}

func (w *bitWriter) writeVBR(v uint64, width uint) {
	hiMask := uint64(1) << (width - 1)
	loMask := hiMask - 1
	for {
		piece := v & loMask
		v >>= width - 1
		if v != 0 {
			piece |= hiMask
		}
		w.writeBits(piece, width)
		if v == 0 {
			return
		}
	}
}

func (w *bitWriter) align32() {
	for w.bitPos%32 != 0 {
		w.writeBits(0, 1)
	}
}

// buildBitcodeWithDatalayout assembles a minimal, wrapper-less bitstream
// containing one MODULE_BLOCK with a single unabbreviated
// MODULE_CODE_DATALAYOUT record, matching what findDatalayoutRecord and
// scanModuleBlock know how to walk.
func buildBitcodeWithDatalayout(layout string) []byte {
	const topAbbrevWidth = 2
	const newAbbrevWidth = 3

	body := &bitWriter{}
	body.writeBits(builtinAbbrevUnabbrev, newAbbrevWidth)
	body.writeVBR(moduleCodeDatalayout, 6)
	body.writeVBR(uint64(len(layout)), 6)
	for _, c := range []byte(layout) {
		body.writeVBR(uint64(c), 6)
	}
	body.writeBits(builtinAbbrevEndBlock, newAbbrevWidth)
	body.align32()

	top := &bitWriter{}
	top.writeBits(builtinAbbrevEnterBlock, topAbbrevWidth)
	top.writeVBR(moduleBlockID, 8)
	top.writeVBR(newAbbrevWidth, 4)
	top.align32()
	top.writeBits(uint64(len(body.buf)/4), 32)
	top.buf = append(top.buf, body.buf...)
	top.bitPos += uint64(len(body.buf)) * 8

	out := []byte{0x42, 0x43, 0xC0, 0xDE}
	return append(out, top.buf...)
}

func TestDataLayoutExtractsRecord(t *testing.T) {
	layout := "e-m:e-p270:32:32-p271:32:32-p272:64:64-i64:64-f80:128-n8:16:32:64-S128"
	bitcode := buildBitcodeWithDatalayout(layout)

	got, err := DataLayout(bitcode)
	require.NoError(t, err)
	require.Equal(t, layout, got)
}

func TestDataLayoutRejectsMissingMagic(t *testing.T) {
	_, err := DataLayout([]byte{0, 1, 2, 3, 4, 5})
	require.ErrorIs(t, err, ErrDataLayoutUnavailable)
}

func TestDataLayoutRejectsBlockWithoutDatalayoutRecord(t *testing.T) {
	body := &bitWriter{}
	body.writeBits(builtinAbbrevEndBlock, 3)
	body.align32()

	top := &bitWriter{}
	top.writeBits(builtinAbbrevEnterBlock, 2)
	top.writeVBR(moduleBlockID, 8)
	top.writeVBR(3, 4)
	top.align32()
	top.writeBits(uint64(len(body.buf)/4), 32)
	top.buf = append(top.buf, body.buf...)

	bitcode := append([]byte{0x42, 0x43, 0xC0, 0xDE}, top.buf...)

	_, err := DataLayout(bitcode)
	require.ErrorIs(t, err, ErrDataLayoutUnavailable)
}

func TestUnwrapBitcodeStripsWrapperHeader(t *testing.T) {
	raw := append([]byte{0x42, 0x43, 0xC0, 0xDE}, 0xAA, 0xBB)
	wrapper := make([]byte, 20)
	wrapper[0] = 0xDE
	wrapper[1] = 0xC0
	wrapper[2] = 0x17
	wrapper[3] = 0x0B
	// Offset and Size fields at byte 8 and 12.
	wrapper[8] = 20
	wrapper[12] = byte(len(raw))
	wrapped := append(wrapper, raw...)

	got, err := unwrapBitcode(wrapped)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}
