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
	"encoding/binary"
	"fmt"
)

// This file implements just enough of the LLVM bitstream container format
// to recover a module's target datalayout string. It is not a general
// bitcode reader: it understands the wrapper header, the top-level block
// structure, and unabbreviated records only. Any module whose datalayout
// record was emitted with a custom (abbreviated) encoding is reported as
// ErrDataLayoutUnavailable rather than misparsed — callers treat that as
// fatal, same as a module with no datalayout record at all.

const (
	bitcodeWrapperMagic = 0x0B17C0DE
	bitcodeMagic        = 0xDEC04342 // on-disk bytes 'B','C',0xC0,0xDE read as little-endian u32

	moduleBlockID          = 8
	moduleCodeDatalayout    = 4
	moduleCodeTriple        = 2
	builtinAbbrevEndBlock   = 0
	builtinAbbrevEnterBlock = 1
	builtinAbbrevDefine     = 2
	builtinAbbrevUnabbrev   = 3
)

// DataLayout extracts the target datalayout string embedded in raw LLVM
// bitcode. It is read once, at JIT-linker construction time, from the
// original executable's embedded bitcode section.
func DataLayout(bitcode []byte) (string, error) {
	raw, err := unwrapBitcode(bitcode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDataLayoutUnavailable, err)
	}

	r := &bitReader{data: raw, bitPos: 32} // skip the 4-byte 'BC\xC0\xDE' magic
	layout, ok := findDatalayoutRecord(r, 2)
	if !ok {
		return "", ErrDataLayoutUnavailable
	}
	return layout, nil
}

// unwrapBitcode strips an optional bitcode wrapper header and validates
// the raw bitstream magic.
func unwrapBitcode(b []byte) ([]byte, error) {
	if len(b) >= 4 && binary.LittleEndian.Uint32(b) == bitcodeWrapperMagic {
		if len(b) < 20 {
			return nil, fmt.Errorf("truncated bitcode wrapper header")
		}
		offset := binary.LittleEndian.Uint32(b[8:12])
		size := binary.LittleEndian.Uint32(b[12:16])
		if uint64(offset)+uint64(size) > uint64(len(b)) {
			return nil, fmt.Errorf("bitcode wrapper header describes out-of-range payload")
		}
		b = b[offset : offset+size]
	}
	if len(b) < 4 || binary.LittleEndian.Uint32(b) != bitcodeMagic {
		return nil, fmt.Errorf("missing 'BC\\xC0\\xDE' bitstream magic")
	}
	return b, nil
}

// bitReader reads a little-endian bitstream LSB-first, the way LLVM's
// BitstreamReader does.
type bitReader struct {
	data   []byte
	bitPos uint64
}

func (r *bitReader) atEnd() bool {
	return r.bitPos >= uint64(len(r.data))*8
}

func (r *bitReader) read(numBits uint) (uint64, error) {
	var result uint64
	for i := uint(0); i < numBits; i++ {
		bytePos := r.bitPos / 8
		if bytePos >= uint64(len(r.data)) {
			return 0, fmt.Errorf("bitstream read past end")
		}
		bit := (r.data[bytePos] >> (r.bitPos % 8)) & 1
		result |= uint64(bit) << i
		r.bitPos++
	}
	return result, nil
}

func (r *bitReader) readVBR(width uint) (uint64, error) {
	var piece uint64
	var result uint64
	var shift uint
	hiMask := uint64(1) << (width - 1)
	for {
		var err error
		piece, err = r.read(width)
		if err != nil {
			return 0, err
		}
		result |= (piece &^ hiMask) << shift
		if piece&hiMask == 0 {
			return result, nil
		}
		shift += width - 1
	}
}

func (r *bitReader) align32() {
	r.bitPos = (r.bitPos + 31) &^ 31
}

// findDatalayoutRecord walks blocks at the current nesting level looking
// for MODULE_BLOCK_ID, then for an unabbreviated MODULE_CODE_DATALAYOUT
// record inside it.
func findDatalayoutRecord(r *bitReader, abbrevWidth uint) (string, bool) {
	for !r.atEnd() {
		abbrevID, err := r.read(abbrevWidth)
		if err != nil {
			return "", false
		}
		switch abbrevID {
		case builtinAbbrevEnterBlock:
			blockID, err := r.readVBR(8)
			if err != nil {
				return "", false
			}
			newWidth, err := r.readVBR(4)
			if err != nil {
				return "", false
			}
			r.align32()
			blockLenWords, err := r.read(32)
			if err != nil {
				return "", false
			}
			blockStartBit := r.bitPos
			if blockID == moduleBlockID {
				if layout, ok := scanModuleBlock(r, uint(newWidth)); ok {
					return layout, true
				}
			}
			// Skip the block (whether or not it was the module block we
			// already scanned) by its word-count length.
			r.bitPos = blockStartBit + blockLenWords*32
		case builtinAbbrevEndBlock:
			r.align32()
			return "", false
		default:
			// DEFINE_ABBREV or an abbreviated/unabbreviated record at the
			// top level, neither of which we expect outside a block; bail
			// rather than guess.
			return "", false
		}
	}
	return "", false
}

// scanModuleBlock looks for MODULE_CODE_DATALAYOUT among the module
// block's unabbreviated records. It gives up (returns ok=false) the
// moment it meets DEFINE_ABBREV or an abbreviated record it cannot skip
// safely, since it has no abbreviation-definition tracking.
func scanModuleBlock(r *bitReader, abbrevWidth uint) (string, bool) {
	for {
		abbrevID, err := r.read(abbrevWidth)
		if err != nil {
			return "", false
		}
		switch abbrevID {
		case builtinAbbrevEndBlock:
			r.align32()
			return "", false
		case builtinAbbrevEnterBlock:
			// A nested block (e.g. PARAMATTR, TYPE); skip it by length.
			if _, err := r.readVBR(8); err != nil {
				return "", false
			}
			if _, err := r.readVBR(4); err != nil {
				return "", false
			}
			r.align32()
			lenWords, err := r.read(32)
			if err != nil {
				return "", false
			}
			r.bitPos += lenWords * 32
		case builtinAbbrevDefine:
			// We cannot safely continue once custom abbreviations are in
			// play without implementing their operand encodings.
			return "", false
		case builtinAbbrevUnabbrev:
			code, err := r.readVBR(6)
			if err != nil {
				return "", false
			}
			numOps, err := r.readVBR(6)
			if err != nil {
				return "", false
			}
			ops := make([]uint64, numOps)
			for i := range ops {
				v, err := r.readVBR(6)
				if err != nil {
					return "", false
				}
				ops[i] = v
			}
			if code == moduleCodeDatalayout || code == moduleCodeTriple {
				buf := make([]byte, len(ops))
				for i, v := range ops {
					buf[i] = byte(v)
				}
				if code == moduleCodeDatalayout {
					return string(buf), true
				}
			}
		default:
			// An abbreviated record we have no definition for.
			return "", false
		}
	}
}
