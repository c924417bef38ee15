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

import "github.com/nestybox/subordination/kernel"

// SocketPipelineIface is the base event-loop pipeline of spec.md §4.E.
type SocketPipelineIface interface {
	// Start spawns the event-loop thread.
	Start() error

	// Submit enqueues a locally-originated kernel addressed to a peer.
	Submit(k *kernel.Kernel)

	// Stop requests orderly shutdown: one final flush, then queues drain
	// into a sack released after the event-loop thread joins.
	Stop()

	Wait()
}
