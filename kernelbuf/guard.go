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

package kernelbuf

import "fmt"

// WriteGuard implements the reserve-then-backfill framing rule of spec.md
// §4.A: it reserves FrameHeaderSize bytes at the current position, lets the
// caller write an arbitrary body through the wrapped Buffer, then on Close
// backfills the reserved bytes with the total frame length. If nothing was
// written between NewWriteGuard and Close, the frame is discarded entirely
// (position rewinds to where the guard started) so empty frames never reach
// the wire.
type WriteGuard struct {
	buf    *Buffer
	start  int
	closed bool
}

// NewWriteGuard reserves the frame-length header at the buffer's current
// write position.
func NewWriteGuard(buf *Buffer) *WriteGuard {
	g := &WriteGuard{buf: buf, start: buf.Position()}
	buf.grow(FrameHeaderSize)
	buf.pos += FrameHeaderSize
	if buf.pos > buf.limit {
		buf.limit = buf.pos
	}
	return g
}

// Close backfills the frame length, or discards the frame if its body is
// empty. It is safe to call more than once.
func (g *WriteGuard) Close() {
	if g.closed {
		return
	}
	g.closed = true

	bodyLen := g.buf.Position() - g.start - FrameHeaderSize
	if bodyLen <= 0 {
		// Nothing was written into the body: rewind past the reserved
		// header too, so the frame never appears on the wire.
		g.buf.pos = g.start
		if g.buf.limit > g.buf.pos && g.buf.limit == g.start+FrameHeaderSize {
			g.buf.limit = g.buf.pos
		}
		g.buf.buf = g.buf.buf[:g.start]
		return
	}

	total := uint32(bodyLen + FrameHeaderSize)
	// Backfill without disturbing pos/limit: write big-endian length
	// directly into the already-grown backing array.
	b := g.buf.buf
	b[g.start+0] = byte(total >> 24)
	b[g.start+1] = byte(total >> 16)
	b[g.start+2] = byte(total >> 8)
	b[g.start+3] = byte(total)
}

// ReadGuard implements the frame-aware reader of spec.md §4.A: it reads the
// u32 length header, refuses to proceed if fewer than that many body bytes
// are buffered yet (ErrShortBuffer — "come back later"), and otherwise
// narrows the buffer's limit to the end of the frame for the nested reader,
// restoring the previous limit (and forcing position to the frame boundary)
// when the guard is closed.
type ReadGuard struct {
	buf      *Buffer
	savedPos int
	savedLim int
	frameEnd int
	closed   bool
}

// NewReadGuard attempts to open a frame for reading. It returns
// ErrShortBuffer (not a real error) if the buffer does not yet contain a
// complete frame; the caller should retry once more bytes are appended.
func NewReadGuard(buf *Buffer) (*ReadGuard, error) {
	start := buf.Position()
	if buf.Remaining() < FrameHeaderSize {
		return nil, ErrShortBuffer
	}
	total, err := buf.ReadUint32BE()
	if err != nil {
		return nil, err
	}
	if total < FrameHeaderSize {
		return nil, fmt.Errorf("kernelbuf: invalid frame length %d", total)
	}
	bodyLen := int(total) - FrameHeaderSize
	if buf.Remaining() < bodyLen {
		// Not enough data buffered yet; undo the length read so a later
		// retry sees the same starting position.
		buf.SetPosition(start)
		return nil, ErrShortBuffer
	}

	g := &ReadGuard{
		buf:      buf,
		savedPos: start,
		savedLim: buf.Limit(),
		frameEnd: buf.Position() + bodyLen,
	}
	buf.SetLimit(g.frameEnd)
	return g, nil
}

// Close restores the buffer's outer limit and forces position to the end
// of the frame, guaranteeing position == limit at scope exit regardless of
// how much of the body the caller actually consumed (spec.md §8).
func (g *ReadGuard) Close() {
	if g.closed {
		return
	}
	g.closed = true
	g.buf.pos = g.frameEnd
	g.buf.limit = g.savedLim
}

// Len returns the frame's body length in bytes.
func (g *ReadGuard) Len() int { return g.frameEnd - (g.savedPos + FrameHeaderSize) }
