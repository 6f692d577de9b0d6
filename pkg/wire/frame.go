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

// Package wire implements the agent's framed byte-stream protocol to the
// optimization server: a 4-byte little-endian message kind, a 4-byte
// little-endian body length, and a body encoded with this package's own
// fixed binary layouts. There is no IDL; each message kind knows how to
// encode and decode itself, the same way a jitdump or perf file-format
// reader would.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies a message's wire format and purpose.
type Kind uint32

const (
	KindClientEnroll Kind = iota + 1
	KindRawSample
	KindCallCountData
	KindDyLibInfo
	KindStartSampling
	KindStopSampling
	KindSetSamplingPeriod
	KindLoadDyLib
	KindModifyFunction
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindClientEnroll:
		return "ClientEnroll"
	case KindRawSample:
		return "RawSample"
	case KindCallCountData:
		return "CallCountData"
	case KindDyLibInfo:
		return "DyLibInfo"
	case KindStartSampling:
		return "StartSampling"
	case KindStopSampling:
		return "StopSampling"
	case KindSetSamplingPeriod:
		return "SetSamplingPeriod"
	case KindLoadDyLib:
		return "LoadDyLib"
	case KindModifyFunction:
		return "ModifyFunction"
	case KindShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// maxFrameBody bounds how much a peer can make us allocate for a single
// frame body before we've even looked at the message kind.
const maxFrameBody = 64 << 20

var ErrFrameTooLarge = errors.New("frame body exceeds maximum size")

// WriteFrame writes one frame: kind, body length, then body.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(kind))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame's kind and body.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind := Kind(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > maxFrameBody {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return kind, nil, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reading frame body of kind %s: %w", kind, err)
	}
	return kind, body, nil
}
