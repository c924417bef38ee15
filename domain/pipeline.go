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

// PipelineIface is the local scheduler of spec.md §4.C: a fixed pool of
// upstream/timer/downstream worker threads dispatching kernels per the
// dispatch and execution rules.
type PipelineIface interface {
	// Submit applies the dispatch rule to k: downstream kernels go to a
	// downstream queue, kernels with a future `At` go to the timer queue,
	// everything else goes to the upstream queue.
	Submit(k *kernel.Kernel)

	// Stop requests orderly shutdown: queues drain to a sack, workers
	// observe the stopping flag and exit after their current callback.
	Stop()

	// Wait blocks until every worker thread has exited.
	Wait()

	// RegisterAffinityRoot records a local application root path the
	// path-affinity index should recognize for longest-prefix matching
	// (spec.md SPEC_FULL §4.B): kernels whose Path falls under it are
	// preferentially scheduled on workerIndex.
	RegisterAffinityRoot(path string, workerIndex int)

	// ResolvePrincipal looks up a kernel currently alive on this node by id
	// (spec.md §4.D receive step 4, §9 "arena + ids").
	ResolvePrincipal(id uint64) (*kernel.Kernel, bool)
}

// RoutingPipelineIface is implemented by the process and remote pipelines:
// whatever is responsible for getting a kernel to a destination other than
// this node's own parallel pipeline.
type RoutingPipelineIface interface {
	// Route attempts to deliver k to its destination. Returns
	// kernel.EndpointNotConnected-flavored errors are not expected here —
	// routing failures are encoded on the kernel's Result field and handed
	// back to the parallel pipeline, never returned as a Go error (spec.md
	// §7 "Routing" never raised).
	Route(k *kernel.Kernel) error
}
