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

// Package pipeline implements the local scheduler of spec.md §4.C: a fixed
// pool of upstream, timer and downstream worker goroutines dispatching
// kernels per the dispatch and execution rules, guarded by a single mutex
// the way the teacher's containerStateService guards its idTable/netnsTable
// (state/containerDB.go) — generalized here from one map to three queues.
package pipeline

import (
	"container/heap"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
)

var _ domain.PipelineIface = (*Pipeline)(nil)

// ShutdownFunc is invoked when a broadcast kernel with no principal carries
// a final result (spec.md §4.C "invoke graceful shutdown with int(K.result)").
type ShutdownFunc func(exitCode int)

// Pipeline is the parallel pipeline of spec.md §4.C.
type Pipeline struct {
	mu   sync.Mutex
	cond *sync.Cond

	upstream   []*kernel.Kernel
	downstream [][]*kernel.Kernel
	timerQ     timerQueue
	timerWake  chan struct{}

	stopping bool
	wg       sync.WaitGroup

	nUpWorkers   int
	nDownWorkers int

	// affinity holds, per registered local application root path, the
	// upstream worker index given to RegisterAffinityRoot (fixed at
	// registration) — a scheduling hint
	// only, consulted by sendUpstream (spec.md SPEC_FULL §4.B). It is never
	// consulted for correctness, only to prefer warm caches.
	affinity *iradix.Tree

	// preferred holds, per upstream worker, the kernels sendUpstream routed
	// there on an affinity hit. A worker drains its own preferred queue
	// before the shared upstream FIFO; a kernel with no affinity match (or
	// whose hinted worker index is out of range) always falls back to the
	// shared FIFO, so the hint never blocks scheduling.
	preferred [][]*kernel.Kernel

	// instances is the local instance registry of spec.md §9 "arena + ids":
	// every submitted kernel with an assigned id, reachable by id so a
	// point-to-point kernel arriving elsewhere with only a principal id can
	// be resolved to a live pointer (see ResolvePrincipal). Entries are
	// removed once a kernel is marked kernel.Deleted.
	instances map[uint64]*kernel.Kernel

	errorPipeline domain.RoutingPipelineIface
	onShutdown    ShutdownFunc
}

// New builds a pipeline with nUp upstream workers, nDown dedicated
// downstream workers (0 means upstream workers also drain their own
// downstream queue, per spec.md §4.C) and exactly one timer thread.
func New(nUp, nDown int) *Pipeline {
	if nUp < 1 {
		nUp = 1
	}
	d := nDown
	if d == 0 {
		d = nUp
	}
	p := &Pipeline{
		downstream:   make([][]*kernel.Kernel, d),
		preferred:    make([][]*kernel.Kernel, nUp),
		instances:    make(map[uint64]*kernel.Kernel),
		nUpWorkers:   nUp,
		nDownWorkers: nDown,
		affinity:     iradix.New(),
		timerWake:    make(chan struct{}, 1),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Setup wires the pipeline's optional collaborators: an error pipeline that
// receives kernels whose Act/React panicked or errored (spec.md §4.C "if an
// error pipeline is configured"), and the shutdown callback invoked when a
// final broadcast result arrives with no principal.
func (p *Pipeline) Setup(errorPipeline domain.RoutingPipelineIface, onShutdown ShutdownFunc) {
	p.errorPipeline = errorPipeline
	p.onShutdown = onShutdown
}

// RegisterAffinityRoot records a local application root path the
// path-affinity index should recognize for longest-prefix matching.
// workerIndex is taken modulo the upstream worker count, so a caller with no
// knowledge of pool size (e.g. an incrementing spawn counter) can still
// spread roots evenly across workers.
func (p *Pipeline) RegisterAffinityRoot(path string, workerIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := workerIndex % p.nUpWorkers
	if idx < 0 {
		idx += p.nUpWorkers
	}
	p.affinity, _, _ = p.affinity.Insert([]byte(path), idx)
}

// Start launches the upstream, downstream and timer goroutines.
func (p *Pipeline) Start() {
	for i := 0; i < p.nUpWorkers; i++ {
		p.wg.Add(1)
		go p.upstreamWorker(i)
	}
	for i := 0; i < p.nDownWorkers; i++ {
		p.wg.Add(1)
		go p.downstreamWorker(i)
	}
	p.wg.Add(1)
	go p.timerWorker()
}

// Stop requests orderly shutdown (spec.md §4.C "stop() flips state to
// Stopping and notifies all semaphores").
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.cond.Broadcast()
	select {
	case p.timerWake <- struct{}{}:
	default:
	}
}

// Wait joins every worker goroutine.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

var epoch time.Time // zero value: spec.md §3 "default: epoch = immediate"

// ResolvePrincipal implements domain.ConnectionOwner's instance-registry hook
// (spec.md §4.D receive step 4, §9 "arena + ids"): looks up a kernel this
// node currently has alive by id, for a kernel that arrived with a
// principal id but no carried pointer.
func (p *Pipeline) ResolvePrincipal(id uint64) (*kernel.Kernel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.instances[id]
	return k, ok
}

// Submit implements the dispatch rule of spec.md §4.C.
func (p *Pipeline) Submit(k *kernel.Kernel) {
	if k.ID != 0 {
		p.mu.Lock()
		if k.Flags.Has(kernel.Deleted) {
			delete(p.instances, k.ID)
		} else {
			p.instances[k.ID] = k
		}
		p.mu.Unlock()
	}

	switch {
	case k.Phase() == kernel.PhaseDownstream:
		p.sendDownstream(k)
	case k.At.After(epoch):
		p.sendTimer(k)
	default:
		p.sendUpstream(k)
	}
}

// sendUpstream implements the upstream half of spec.md §4.C's dispatch rule,
// consulting the path-affinity index as a pure scheduling hint (spec.md
// SPEC_FULL §4.B): a kernel whose Path longest-prefix-matches a registered
// application root is routed to the worker index registered for that root;
// anything else (no Path, no match, or an out-of-range hinted index) goes on
// the shared FIFO exactly as before.
func (p *Pipeline) sendUpstream(k *kernel.Kernel) {
	p.mu.Lock()
	if idx, ok := p.affinityWorkerLocked(k.Path); ok && idx >= 0 && idx < len(p.preferred) {
		p.preferred[idx] = append(p.preferred[idx], k)
	} else {
		p.upstream = append(p.upstream, k)
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// affinityWorkerLocked returns the worker index registered for the longest
// prefix of path matching a RegisterAffinityRoot call, if any. Must be
// called with p.mu held (iradix.Tree reads are lock-free once a given root
// pointer is observed, but p.affinity itself is swapped under p.mu by
// RegisterAffinityRoot).
func (p *Pipeline) affinityWorkerLocked(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	_, v, ok := p.affinity.Root().LongestPrefix([]byte(path))
	if !ok {
		return 0, false
	}
	idx, ok := v.(int)
	return idx, ok
}

func (p *Pipeline) sendTimer(k *kernel.Kernel) {
	p.mu.Lock()
	heap.Push(&p.timerQ, k)
	p.mu.Unlock()
	select {
	case p.timerWake <- struct{}{}:
	default:
	}
}

// bucketFor hashes a downstream-moving kernel by principal id so one
// principal's completions always land on the same FIFO (spec.md §4.C, §5
// "completions for a given principal are delivered in order").
func (p *Pipeline) bucketFor(k *kernel.Kernel) int {
	n := len(p.downstream)
	if n == 0 {
		return 0
	}
	return int(k.Principal.ID() % uint64(n))
}

func (p *Pipeline) sendDownstream(k *kernel.Kernel) {
	bucket := p.bucketFor(k)
	p.mu.Lock()
	p.downstream[bucket] = append(p.downstream[bucket], k)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func popFront(q *[]*kernel.Kernel) *kernel.Kernel {
	if len(*q) == 0 {
		return nil
	}
	k := (*q)[0]
	*q = (*q)[1:]
	return k
}

// upstreamWorker implements spec.md §4.C's upstream worker loop: wait on the
// upstream queue; if this pipeline has no dedicated downstream workers,
// drain this worker's own downstream bucket first so react() always runs
// before further act() on the same goroutine. Between that and the shared
// FIFO, a worker also drains its own affinity-preferred queue (spec.md
// SPEC_FULL §4.B) so a kernel hinted toward this worker runs here even while
// other workers are idle on the shared FIFO.
func (p *Pipeline) upstreamWorker(index int) {
	defer p.wg.Done()
	drainsOwnDownstream := p.nDownWorkers == 0

	for {
		p.mu.Lock()
		for {
			if drainsOwnDownstream && len(p.downstream[index]) > 0 {
				break
			}
			if len(p.preferred[index]) > 0 {
				break
			}
			if len(p.upstream) > 0 {
				break
			}
			if p.stopping {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}

		var k *kernel.Kernel
		switch {
		case drainsOwnDownstream && len(p.downstream[index]) > 0:
			k = popFront(&p.downstream[index])
		case len(p.preferred[index]) > 0:
			k = popFront(&p.preferred[index])
		default:
			k = popFront(&p.upstream)
		}
		p.mu.Unlock()

		if k != nil {
			p.execute(k)
		}
	}
}

func (p *Pipeline) downstreamWorker(index int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.downstream[index]) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.downstream[index]) == 0 && p.stopping {
			p.mu.Unlock()
			return
		}
		k := popFront(&p.downstream[index])
		p.mu.Unlock()

		if k != nil {
			p.execute(k)
		}
	}
}

// timerWorker implements spec.md §4.C's timer thread: wait_until(earliest
// deadline), tolerating spurious wakeups by re-checking the head each time.
func (p *Pipeline) timerWorker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if p.stopping && p.timerQ.Len() == 0 {
			p.mu.Unlock()
			return
		}
		if p.timerQ.Len() == 0 {
			p.mu.Unlock()
			<-p.timerWake
			continue
		}
		head := p.timerQ[0]
		now := time.Now()
		if head.At.After(now) {
			wait := head.At.Sub(now)
			p.mu.Unlock()
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-p.timerWake:
				t.Stop()
			}
			continue
		}
		k := heap.Pop(&p.timerQ).(*kernel.Kernel)
		p.mu.Unlock()
		p.execute(k)
	}
}

// execute runs the execution rule of spec.md §4.C for one kernel.
func (p *Pipeline) execute(k *kernel.Kernel) {
	if k.Result == kernel.Undefined {
		if k.Principal.IsSet() {
			p.deliver(k)
			return
		}
		p.act(k)
		return
	}

	if !k.Principal.IsSet() {
		if p.onShutdown != nil {
			p.onShutdown(int(k.Result))
		}
		return
	}
	p.deliver(k)
}

func (p *Pipeline) act(k *kernel.Kernel) {
	defer p.recoverPanic(k)
	if err := k.Body.Act(k); err != nil {
		p.onExecutionError(k, err)
	}
}

// deliver hands a completing kernel to its principal's react, implementing
// both the "principal exists, result undefined" delivery path and the
// "result defined" return-to-principal path — the Handler interface has no
// separate error callback, so react() itself is expected to branch on
// K.Result the way spec.md's principal->error(K) would (see DESIGN.md).
func (p *Pipeline) deliver(k *kernel.Kernel) {
	principal := k.Principal.Kernel()
	if principal == nil {
		logrus.WithField("kernel_id", k.ID).Warn("pipeline: no live principal pointer to deliver to, dropping")
		return
	}

	defer p.recoverPanic(principal)
	if err := principal.Body.React(principal, k); err != nil {
		p.onExecutionError(principal, err)
		return
	}
	if k.Flags.Has(kernel.DoNotDelete) {
		k.Flags &^= kernel.DoNotDelete
	}
}

func (p *Pipeline) recoverPanic(owner *kernel.Kernel) {
	if r := recover(); r != nil {
		logrus.WithField("kernel_id", owner.ID).Errorf("pipeline: recovered panic in kernel callback: %v", r)
		p.onExecutionError(owner, errPanic)
	}
}

var errPanic = kernelError("pipeline: kernel callback panicked")

type kernelError string

func (e kernelError) Error() string { return string(e) }

// onExecutionError implements spec.md §4.C's exception path: roll back,
// then either forward to the configured error pipeline or drop.
func (p *Pipeline) onExecutionError(owner *kernel.Kernel, cause error) {
	logrus.WithError(cause).WithField("kernel_id", owner.ID).Error("pipeline: execution error")

	if err := owner.Body.Rollback(owner); err != nil {
		logrus.WithError(err).WithField("kernel_id", owner.ID).Error("pipeline: rollback failed")
	}

	if p.errorPipeline == nil {
		return
	}
	owner.Result = kernel.Error
	owner.Principal = owner.Parent
	if err := p.errorPipeline.Route(owner); err != nil {
		logrus.WithError(err).WithField("kernel_id", owner.ID).Error("pipeline: failed to route to error pipeline")
	}
}
