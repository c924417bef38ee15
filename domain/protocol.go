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

package domain

import (
	"net"

	"github.com/nestybox/subordination/kernel"
)

// ConnectionState is the per-peer connection state machine of spec.md §3
// "Connection".
type ConnectionState int

const (
	Initial ConnectionState = iota
	Starting
	Started
	Stopping
	Stopped
	Inactive
)

func (s ConnectionState) String() string {
	switch s {
	case Initial:
		return "initial"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Inactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// ConnectionIface is the per-peer kernel protocol wrapper of spec.md §4.D.
type ConnectionIface interface {
	// Send implements spec.md §4.D Send(K): assigns an id if missing,
	// decides retention, frames and writes K, and logs a Start record if
	// transaction logging is requested.
	Send(k *kernel.Kernel) error

	// Forward implements spec.md §4.D Forward(foreign K): the frame's raw
	// bytes are copied verbatim into the output buffer.
	Forward(f *kernel.ForeignKernel) error

	// Handle services one readiness event for this connection's underlying
	// file descriptor (read available input, flush pending output,
	// transition state).
	Handle(readable, writable bool) error

	State() ConnectionState
	PeerAddr() net.Addr
	Weight() uint32
	SetWeight(w uint32)

	// Close tears the connection down and runs the recovery procedure of
	// spec.md §4.D over every retained kernel.
	Close() error
}

// ConnectionOwner receives kernels a Connection has decoded or wants
// resubmitted — normally the parallel pipeline (native kernels) or a
// routing pipeline (foreign kernels, recovery resubmission).
type ConnectionOwner interface {
	DeliverLocal(k *kernel.Kernel)
	DeliverForeign(f *kernel.ForeignKernel) error
	Resubmit(k *kernel.Kernel)

	// ResolvePrincipal looks up a kernel currently alive on this node by id
	// (spec.md §4.D receive step 4, §9 "arena + ids"): used when a decoded
	// kernel's principal arrived as an id only, with no carried pointer.
	ResolvePrincipal(id uint64) (*kernel.Kernel, bool)
}
