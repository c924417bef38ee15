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

// DiscovererIface drives the tree-hierarchy formation of spec.md §4.H for
// one local interface address.
type DiscovererIface interface {
	Start() error
	Stop()

	// Principal reports the current superior, if any.
	Principal() (net.Addr, bool)

	// Subordinates reports the current subordinate set.
	Subordinates() []net.Addr

	// Weight is this node's own weight (1 + sum of subordinate weights).
	Weight() uint32
}
