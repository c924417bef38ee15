//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package kernelbuf implements the growable, position/limit/capacity byte
// buffer kernels are framed and serialized through, plus the typed
// read/write helpers for the primitives the wire format (see spec.md §6)
// is built out of: fixed-width integers in both endiannesses, booleans,
// length-prefixed byte strings, IPv4/IPv6/interface addresses and generic
// socket addresses.
package kernelbuf

import (
	"encoding/binary"
	"fmt"
)

// ErrShortBuffer is returned by ReadGuard when the buffer does not yet hold
// a complete frame. Callers driving a receive loop over a growing input
// buffer should treat it as "try again once more bytes arrive", not as a
// protocol error.
var ErrShortBuffer = fmt.Errorf("kernelbuf: not enough bytes for a full frame")

// FrameHeaderSize is the length, in bytes, of the u32 frame-length header
// that prefixes every packet on the wire (spec.md §4.A, §6).
const FrameHeaderSize = 4

// Buffer is a growable byte buffer with an NIO-style position/limit/capacity
// model: reads and writes happen at `pos`, never past `limit`; `Flip` swaps
// from write-mode (limit == len(buf)) to read-mode (limit == old pos, pos
// reset to 0), matching the teacher's convention of separating raw IO
// (sysio) from pure buffer/format logic kept dependency-free here.
type Buffer struct {
	buf   []byte
	pos   int
	limit int
}

// New returns an empty buffer ready for writing.
func New() *Buffer {
	return &Buffer{buf: make([]byte, 0, 256)}
}

// NewFromBytes wraps an existing byte slice in read-mode: position 0,
// limit == len(b).
func NewFromBytes(b []byte) *Buffer {
	return &Buffer{buf: b, pos: 0, limit: len(b)}
}

func (b *Buffer) Position() int      { return b.pos }
func (b *Buffer) Limit() int         { return b.limit }
func (b *Buffer) Cap() int           { return len(b.buf) }
func (b *Buffer) Remaining() int     { return b.limit - b.pos }
func (b *Buffer) Bytes() []byte      { return b.buf }
func (b *Buffer) SetPosition(p int)  { b.pos = p }
func (b *Buffer) SetLimit(l int)     { b.limit = l }

// Flip prepares the buffer for reading what was just written: limit becomes
// the current position, position resets to zero.
func (b *Buffer) Flip() {
	b.limit = b.pos
	b.pos = 0
}

// Reset clears the buffer back to an empty write-mode state.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.pos = 0
	b.limit = 0
}

// grow ensures n more bytes can be written at pos, extending buf (and limit,
// since limit tracks the write frontier while in write-mode) as needed.
func (b *Buffer) grow(n int) {
	need := b.pos + n
	if need <= len(b.buf) {
		if need > b.limit {
			b.limit = need
		}
		return
	}
	if need <= cap(b.buf) {
		b.buf = b.buf[:need]
		b.limit = need
		return
	}
	grown := make([]byte, need)
	copy(grown, b.buf)
	b.buf = grown
	b.limit = need
}

func (b *Buffer) writeAt(p []byte) {
	b.grow(len(p))
	copy(b.buf[b.pos:], p)
	b.pos += len(p)
}

func (b *Buffer) readAt(n int) ([]byte, error) {
	if b.Remaining() < n {
		return nil, fmt.Errorf("kernelbuf: short read: want %d, have %d", n, b.Remaining())
	}
	p := b.buf[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

func (b *Buffer) WriteUint8(v uint8) { b.writeAt([]byte{v}) }

func (b *Buffer) ReadUint8() (uint8, error) {
	p, err := b.readAt(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
	} else {
		b.WriteUint8(0)
	}
}

func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

func (b *Buffer) WriteUint16BE(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.writeAt(tmp[:])
}

func (b *Buffer) WriteUint16LE(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.writeAt(tmp[:])
}

func (b *Buffer) ReadUint16BE() (uint16, error) {
	p, err := b.readAt(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) ReadUint16LE() (uint16, error) {
	p, err := b.readAt(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (b *Buffer) WriteUint32BE(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.writeAt(tmp[:])
}

func (b *Buffer) WriteUint32LE(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.writeAt(tmp[:])
}

func (b *Buffer) ReadUint32BE() (uint32, error) {
	p, err := b.readAt(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) ReadUint32LE() (uint32, error) {
	p, err := b.readAt(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (b *Buffer) WriteUint64BE(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.writeAt(tmp[:])
}

func (b *Buffer) WriteUint64LE(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.writeAt(tmp[:])
}

func (b *Buffer) ReadUint64BE() (uint64, error) {
	p, err := b.readAt(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (b *Buffer) ReadUint64LE() (uint64, error) {
	p, err := b.readAt(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

// WriteBytes writes p verbatim, with no length prefix.
func (b *Buffer) WriteBytes(p []byte) { b.writeAt(p) }

// ReadBytes reads exactly n bytes verbatim.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	p, err := b.readAt(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, p)
	return out, nil
}

// WriteString writes a u32-length-prefixed UTF-8 string (spec.md §6).
func (b *Buffer) WriteString(s string) {
	b.WriteUint32BE(uint32(len(s)))
	b.WriteBytes([]byte(s))
}

func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadUint32BE()
	if err != nil {
		return "", err
	}
	p, err := b.readAt(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}
