package protocol

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
)

type pingBody struct {
	Msg string
}

func (b *pingBody) Act(k *kernel.Kernel) error                  { return nil }
func (b *pingBody) React(k *kernel.Kernel, child *kernel.Kernel) error { return nil }
func (b *pingBody) Rollback(k *kernel.Kernel) error             { return nil }
func (b *pingBody) WriteBody(buf *kernelbuf.Buffer) error {
	buf.WriteString(b.Msg)
	return nil
}
func (b *pingBody) ReadBody(buf *kernelbuf.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	b.Msg = s
	return nil
}

var errUnknownType = errors.New("protocol_test: unknown type")

type fakeResolver struct{}

func (fakeResolver) IDFor(body kernel.Body) (uint16, error) {
	if _, ok := body.(*pingBody); ok {
		return 1, nil
	}
	return 0, errUnknownType
}

func (fakeResolver) New(id uint16) (kernel.Body, error) {
	if id == 1 {
		return &pingBody{}, nil
	}
	return nil, errUnknownType
}

type fakeOwner struct {
	mu       sync.Mutex
	local    []*kernel.Kernel
	foreign  []*kernel.ForeignKernel
	resubmit []*kernel.Kernel
	registry map[uint64]*kernel.Kernel // simulates the node's instance registry
}

func (o *fakeOwner) DeliverLocal(k *kernel.Kernel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.local = append(o.local, k)
}

func (o *fakeOwner) DeliverForeign(f *kernel.ForeignKernel) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.foreign = append(o.foreign, f)
	return nil
}

func (o *fakeOwner) Resubmit(k *kernel.Kernel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resubmit = append(o.resubmit, k)
}

func (o *fakeOwner) ResolvePrincipal(id uint64) (*kernel.Kernel, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k, ok := o.registry[id]
	return k, ok
}

func (o *fakeOwner) locals() []*kernel.Kernel {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*kernel.Kernel, len(o.local))
	copy(out, o.local)
	return out
}

func TestSendThenReceiveDeliversToOwner(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ownerB := &fakeOwner{}
	connA := New(a, fakeResolver{}, 1, &fakeOwner{})
	connB := New(b, fakeResolver{}, 1, ownerB)

	k := kernel.New(1, &pingBody{Msg: "hello"})
	k.TargetAppID = 1 // no principal, no parent: a plain broadcast-phase kernel

	sendErr := make(chan error, 1)
	go func() { sendErr <- connA.Send(k) }()

	require.Eventually(t, func() bool {
		return connB.Handle(true, false) == nil && len(ownerB.locals()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, <-sendErr)

	got := ownerB.locals()
	require.Len(t, got, 1)
	body, ok := got[0].Body.(*pingBody)
	require.True(t, ok)
	assert.Equal(t, "hello", body.Msg)
}

func TestForwardCopiesForeignFrameVerbatim(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ownerA := &fakeOwner{}
	ownerB := &fakeOwner{}
	connA := New(a, fakeResolver{}, 1, ownerA)
	connB := New(b, fakeResolver{}, 1, ownerB)

	k := kernel.New(1, &pingBody{Msg: "for-another-app"})
	k.TargetAppID = 99

	buf := kernelbuf.New()
	require.NoError(t, kernel.Write(buf, k, fakeResolver{}))
	buf.Flip()
	raw := append([]byte(nil), buf.Bytes()[buf.Position():buf.Limit()]...)

	sendErr := make(chan error, 1)
	go func() { sendErr <- connA.Forward(&kernel.ForeignKernel{TargetAppID: 99, Raw: raw}) }()

	require.Eventually(t, func() bool {
		return connB.Handle(true, false) == nil && len(ownerB.foreign) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, <-sendErr)

	ownerB.mu.Lock()
	defer ownerB.mu.Unlock()
	require.Len(t, ownerB.foreign, 1)
	assert.Equal(t, uint64(99), ownerB.foreign[0].TargetAppID)
	assert.Equal(t, raw, ownerB.foreign[0].Raw)
}

// TestReceiveResolvesPrincipalFromInstanceRegistry covers spec.md §4.D
// receive step 4: a kernel decoded with a principal id only (no carried
// parent to plug) is resolved against the owner's instance registry before
// delivery, so the delivered kernel carries a live principal pointer.
func TestReceiveResolvesPrincipalFromInstanceRegistry(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	principal := kernel.New(1, &pingBody{})
	principal.ID = 42
	ownerB := &fakeOwner{registry: map[uint64]*kernel.Kernel{42: principal}}
	connA := New(a, fakeResolver{}, 1, &fakeOwner{})
	connB := New(b, fakeResolver{}, 1, ownerB)

	k := kernel.New(1, &pingBody{Msg: "ptp"})
	k.TargetAppID = 1
	k.Parent = kernel.RefID(42)
	k.Principal = kernel.RefID(42)

	sendErr := make(chan error, 1)
	go func() { sendErr <- connA.Send(k) }()

	require.Eventually(t, func() bool {
		return connB.Handle(true, false) == nil && len(ownerB.locals()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, <-sendErr)

	got := ownerB.locals()
	require.Len(t, got, 1)
	assert.True(t, got[0].Principal.HasPointer())
	assert.Same(t, principal, got[0].Principal.Kernel())
}

// TestReceiveBouncesUnresolvablePrincipal covers spec.md §4.D receive step 5:
// a principal id the registry doesn't recognize gets turned around with
// kernel.NoPrincipalFound and requeued as a send back over the same
// connection, rather than delivered to the receiving node's own pipeline.
// The kernel only actually completes once it lands back at the originator,
// which still retains the original in its upstream queue and plugs it via
// the ordinary Downstream-phase path.
func TestReceiveBouncesUnresolvablePrincipal(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ownerA := &fakeOwner{}
	ownerB := &fakeOwner{registry: map[uint64]*kernel.Kernel{}}
	connA := New(a, fakeResolver{}, 1, ownerA)
	connB := New(b, fakeResolver{}, 1, ownerB)

	k := kernel.New(1, &pingBody{Msg: "ptp"})
	k.TargetAppID = 1
	k.Parent = kernel.RefID(7)
	k.Principal = kernel.RefID(99) // nothing in the registry knows this id

	sendErr := make(chan error, 1)
	go func() { sendErr <- connA.Send(k) }()

	require.Eventually(t, func() bool {
		return connB.Handle(true, false) == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, <-sendErr)
	assert.Empty(t, ownerB.locals(), "connB must not deliver an unresolvable-principal kernel locally")

	require.Eventually(t, func() bool {
		return connA.Handle(true, false) == nil && len(ownerA.locals()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	got := ownerA.locals()
	require.Len(t, got, 1)
	assert.Equal(t, kernel.NoPrincipalFound, got[0].Result)
	assert.Equal(t, uint64(7), got[0].Principal.ID())
}

func TestRetentionClassifiesByPhase(t *testing.T) {
	upstream := kernel.New(1, &pingBody{})
	upstream.Parent = kernel.RefID(5)
	assert.Equal(t, retainUpstream, classify(upstream))

	downstreamWithParent := kernel.New(1, &pingBody{})
	downstreamWithParent.Parent = kernel.RefID(5)
	downstreamWithParent.Principal = kernel.RefID(5)
	downstreamWithParent.Result = kernel.Success
	downstreamWithParent.Flags |= kernel.CarriesParent
	assert.Equal(t, retainDownstream, classify(downstreamWithParent))

	broadcast := kernel.New(1, &pingBody{})
	assert.Equal(t, retainNone, classify(broadcast))
}
