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

// NewSize returns an empty write-mode buffer pre-allocated to hold at least
// n bytes without regrowing — used for the page-sized per-connection
// buffers of spec.md §4.D.
func NewSize(n int) *Buffer {
	return &Buffer{buf: make([]byte, 0, n)}
}

// Write implements io.Writer, appending p at the current (write-mode)
// position. Used by Forward to copy a foreign kernel's raw frame bytes
// straight into a connection's output buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.writeAt(p)
	return len(p), nil
}

// WritableSlice returns the unused tail of the backing array, first growing
// it if fewer than minGrow bytes are free, so a caller can read() directly into it
// without an intermediate copy (the position/limit model's analogue of
// bufio's peek-then-commit pattern).
func (b *Buffer) WritableSlice() []byte {
	const minGrow = 4096
	if len(b.buf)-b.pos < minGrow {
		b.grow(minGrow)
	}
	return b.buf[b.pos:len(b.buf)]
}

// Advance records that n bytes were written into the slice WritableSlice
// returned, moving both position and limit forward.
func (b *Buffer) Advance(n int) {
	b.pos += n
	if b.pos > b.limit {
		b.limit = b.pos
	}
}

// Compact discards the bytes already consumed (everything before the
// current read-mode position) by shifting the unread remainder to the
// front, then switches back to write-mode positioned right after it — the
// standard NIO ByteBuffer.compact() operation, used between receive-loop
// passes so partially-arrived frames survive to the next read.
func (b *Buffer) Compact() {
	remaining := append([]byte(nil), b.buf[b.pos:b.limit]...)
	n := copy(b.buf, remaining)
	b.pos = n
	b.limit = len(b.buf)
}
