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

import "net"

// RemotePipelineIface extends SocketPipelineIface with the server/client
// tables and weighted routing of spec.md §4.F. The discoverer drives this
// interface as it forms the hierarchy.
type RemotePipelineIface interface {
	SocketPipelineIface
	RoutingPipelineIface

	AddServer(ifaddr net.Addr) error
	RemoveServer(ifaddr net.Addr) error

	// AddClient is idempotent: a duplicate address reuses the existing
	// connection.
	AddClient(addr net.Addr) (ConnectionIface, error)
	RemoveClient(addr net.Addr) error
	SetClientWeight(addr net.Addr, weight uint32) error

	// Clients reports the client table's addresses in insertion order, for
	// spec.md §8's "client table equals the accumulated effect" property.
	Clients() []net.Addr
}

// PipelineEventListener receives the internal event kernels spec.md §4.F
// says are emitted when the remote pipeline's client/server table changes —
// normally the discoverer.
type PipelineEventListener interface {
	OnClientAdded(addr net.Addr)
	OnClientRemoved(addr net.Addr)
	OnServerAdded(addr net.Addr)
	OnServerRemoved(addr net.Addr)
}
