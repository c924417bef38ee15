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

package procpipeline

import (
	"net"
	"os"
	"time"
)

// pipeAddr satisfies net.Addr for the two-way-pipe transport spec.md §4.G
// describes: there is no socket address, only an application id.
type pipeAddr uint64

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return "app:" + itoa(uint64(a)) }

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// pipeConn adapts a pair of unidirectional *os.File pipe ends (spec.md
// §4.G "two-way pipe") into the net.Conn shape protocol.Conn expects, so
// the exact same framed send/receive/recovery machinery of §4.D serves
// both remote sockets and local application pipes. Embedding the read end
// promotes its SyscallConn method, which is all socket.Fder needs to
// register this connection's read side with epoll.
type pipeConn struct {
	*os.File // read end; SyscallConn promoted from here
	w        *os.File
	appID    uint64
}

func newPipeConn(r, w *os.File, appID uint64) *pipeConn {
	return &pipeConn{File: r, w: w, appID: appID}
}

func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) Close() error {
	err1 := c.File.Close()
	err2 := c.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr(c.appID) }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr(c.appID) }

func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*pipeConn)(nil)
