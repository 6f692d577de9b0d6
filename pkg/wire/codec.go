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

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// encoder accumulates a message body: every variable-length field
// (string, byte slice) is length-prefixed with a uint32, matching how
// fixed-size record headers are encoded throughout this package.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) { e.buf.WriteByte(v) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf.Write(v)
}

func (e *encoder) string(v string) { e.bytes([]byte(v)) }

func (e *encoder) bytesOut() []byte { return e.buf.Bytes() }

// decoder reads a message body produced by encoder, in the same field
// order it was written.
type decoder struct {
	data []byte
	off  int
}

func newDecoder(body []byte) *decoder { return &decoder{data: body} }

func (d *decoder) u8() (uint8, error) {
	if d.off+1 > len(d.data) {
		return 0, fmt.Errorf("%w: truncated u8", ErrMalformedMessage)
	}
	v := d.data[d.off]
	d.off++
	return v, nil
}

func (d *decoder) boolean() (bool, error) {
	v, err := d.u8()
	return v != 0, err
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.data) {
		return 0, fmt.Errorf("%w: truncated u32", ErrMalformedMessage)
	}
	v := binary.LittleEndian.Uint32(d.data[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if d.off+8 > len(d.data) {
		return 0, fmt.Errorf("%w: truncated u64", ErrMalformedMessage)
	}
	v := binary.LittleEndian.Uint64(d.data[d.off : d.off+8])
	d.off += 8
	return v, nil
}

func (d *decoder) bytesField() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if d.off+int(n) > len(d.data) {
		return nil, fmt.Errorf("%w: truncated byte field of length %d", ErrMalformedMessage, n)
	}
	v := d.data[d.off : d.off+int(n)]
	d.off += int(n)
	return v, nil
}

func (d *decoder) string() (string, error) {
	b, err := d.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) done() error {
	if d.off != len(d.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(d.data)-d.off)
	}
	return nil
}

var ErrMalformedMessage = errors.New("malformed message body")
