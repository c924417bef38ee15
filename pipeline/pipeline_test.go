package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
)

// testBody is a minimal kernel.Body whose Act/React are swappable funcs, so
// each test only states the behavior it cares about.
type testBody struct {
	act   func(k *kernel.Kernel) error
	react func(k *kernel.Kernel, child *kernel.Kernel) error
}

func (b *testBody) Act(k *kernel.Kernel) error {
	if b.act == nil {
		return nil
	}
	return b.act(k)
}

func (b *testBody) React(k *kernel.Kernel, child *kernel.Kernel) error {
	if b.react == nil {
		return nil
	}
	return b.react(k, child)
}

func (b *testBody) Rollback(k *kernel.Kernel) error { return nil }

func (b *testBody) WriteBody(buf *kernelbuf.Buffer) error { return nil }
func (b *testBody) ReadBody(buf *kernelbuf.Buffer) error  { return nil }

// TestLocalEchoScenario covers spec.md §8 scenario 1 verbatim: N=1, M=0;
// the kernel's own act() calls return_to_parent(Success) and resends itself;
// since it has no parent, return_to_parent leaves principal unset, and the
// pipeline invokes graceful shutdown with int(K.result) as the exit code.
func TestLocalEchoScenario(t *testing.T) {
	p := New(1, 0)

	shutdownCh := make(chan int, 1)
	p.Setup(nil, func(code int) { shutdownCh <- code })
	p.Start()
	defer p.Wait()
	defer p.Stop()

	var k *kernel.Kernel
	k = kernel.New(1, &testBody{
		act: func(self *kernel.Kernel) error {
			self.ReturnToParent(kernel.Success)
			p.Submit(k)
			return nil
		},
	})
	p.Submit(k)

	select {
	case code := <-shutdownCh:
		assert.Equal(t, int(kernel.Success), code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown callback")
	}
}

// TestLocalEchoActThenReact covers the act()-then-deliver round trip: a
// kernel calls ReturnToParent in Act, and the pipeline delivers the
// completion to the parent's React.
func TestLocalEchoActThenReact(t *testing.T) {
	p := New(1, 0)
	p.Start()
	defer p.Wait()
	defer p.Stop()

	reacted := make(chan uint64, 1)
	parent := kernel.New(1, &testBody{
		react: func(k *kernel.Kernel, child *kernel.Kernel) error {
			reacted <- child.ID
			return nil
		},
	})

	var child *kernel.Kernel
	child = kernel.New(2, &testBody{
		act: func(self *kernel.Kernel) error {
			self.ReturnToParent(kernel.Success)
			p.Submit(child)
			return nil
		},
	})
	parent.Call(child)

	p.Submit(child)

	select {
	case gotID := <-reacted:
		assert.Equal(t, child.ID, gotID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for react")
	}
}

// TestTimerQueueOrdersByDeadline covers spec.md §8 scenario 2: three kernels
// submitted out of order with At offsets 100ms/10ms/50ms must act() in
// deadline order. Only the order is asserted, not how close each act()
// lands to its deadline.
func TestTimerQueueOrdersByDeadline(t *testing.T) {
	p := New(2, 0)
	p.Start()
	defer p.Wait()
	defer p.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	base := time.Now().Add(50 * time.Millisecond)
	offsets := []time.Duration{100 * time.Millisecond, 10 * time.Millisecond, 50 * time.Millisecond}

	for i, off := range offsets {
		idx := i
		k := kernel.New(uint16(idx), &testBody{
			act: func(k *kernel.Kernel) error {
				mu.Lock()
				order = append(order, idx)
				mu.Unlock()
				wg.Done()
				return nil
			},
		})
		k.At = base.Add(off)
		p.Submit(k)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all timer kernels to act")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, []int{1, 2, 0}, order)
}

// TestDownstreamBucketPreservesPerPrincipalOrder covers spec.md §5/§8's
// ordering property: completions for one principal are delivered to React
// in the order they were produced.
func TestDownstreamBucketPreservesPerPrincipalOrder(t *testing.T) {
	p := New(1, 2)
	p.Start()
	defer p.Wait()
	defer p.Stop()

	var mu sync.Mutex
	var order []int
	const n = 20
	done := make(chan struct{})

	principal := kernel.New(1, &testBody{
		react: func(k *kernel.Kernel, child *kernel.Kernel) error {
			mu.Lock()
			order = append(order, int(child.ID))
			full := len(order) == n
			mu.Unlock()
			if full {
				close(done)
			}
			return nil
		},
	})

	for i := 0; i < n; i++ {
		child := kernel.New(2, &testBody{})
		child.ID = uint64(i)
		principal.Call(child)
		child.Principal = kernel.RefKernel(principal)
		child.Result = kernel.Success
		p.Submit(child)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all completions")
	}

	mu.Lock()
	defer mu.Unlock()
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

// TestAffinitySendUpstreamPrefersRegisteredWorker covers spec.md SPEC_FULL
// §4.B's path-affinity hint at the sendUpstream/dispatch level: a kernel
// whose Path falls under a registered root is queued on that worker's
// preferred queue rather than the shared FIFO; one with no Path, or no
// matching root, still goes on the shared FIFO exactly as before.
func TestAffinitySendUpstreamPrefersRegisteredWorker(t *testing.T) {
	p := New(4, 0)
	p.RegisterAffinityRoot("/srv/app-a", 2)

	hinted := kernel.New(1, &testBody{})
	hinted.Path = "/srv/app-a/instance-7"
	p.Submit(hinted)

	unhinted := kernel.New(1, &testBody{})
	p.Submit(unhinted)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.preferred[2], 1)
	assert.Same(t, hinted, p.preferred[2][0])
	require.Len(t, p.upstream, 1)
	assert.Same(t, unhinted, p.upstream[0])
}

// TestSubmitRegistersAndForgetsInstance covers the local instance registry
// spec.md §9 "arena + ids": a kernel with an assigned id becomes resolvable
// by ResolvePrincipal as soon as it's submitted, and is forgotten once it
// carries kernel.Deleted.
func TestSubmitRegistersAndForgetsInstance(t *testing.T) {
	p := New(1, 0)

	k := kernel.New(1, &testBody{})
	k.ID = 5
	k.Parent = kernel.RefID(1)
	p.Submit(k)

	got, ok := p.ResolvePrincipal(5)
	require.True(t, ok)
	assert.Same(t, k, got)

	k.Flags |= kernel.Deleted
	p.Submit(k)

	_, ok = p.ResolvePrincipal(5)
	assert.False(t, ok)
}

// TestAffinityRootIndexWrapsWorkerCount covers RegisterAffinityRoot's
// documented modulo behavior for callers (procpipeline.Spawn) that have no
// knowledge of the upstream worker count.
func TestAffinityRootIndexWrapsWorkerCount(t *testing.T) {
	p := New(3, 0)
	p.RegisterAffinityRoot("/srv/app-b", 7) // 7 % 3 == 1

	idx, ok := p.affinityWorkerLocked("/srv/app-b/x")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}
