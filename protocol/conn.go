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

// Package protocol implements the per-peer connection and kernel wire
// protocol of spec.md §4.D: framing, retention for resend, and the receive
// loop that turns bytes back into kernels or forwards them untouched.
package protocol

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
)

const bufferSize = 4096 // page-sized, per spec.md §4.D

var _ domain.ConnectionIface = (*Conn)(nil)

// Conn owns one peer connection's buffers, retained-kernel queues and id
// counter (spec.md §4.D). The net.Conn itself is usually non-blocking; the
// owning socket pipeline drives reads/writes via Handle.
type Conn struct {
	mu sync.Mutex

	nc   net.Conn
	peer net.Addr

	input  *kernelbuf.Buffer
	output *kernelbuf.Buffer

	upstreamQueue   []*kernel.Kernel // retained for resend (spec.md §4.D.2)
	downstreamQueue []*kernel.Kernel // retained CarriesParent downstream kernels

	counter uint64
	weight  uint32
	state   domain.ConnectionState

	resolver      kernel.TypeResolver
	thisAppID     uint64
	owner         domain.ConnectionOwner
	txlog         domain.TxLogIface
	pipelineIndex uint16
}

// New wraps nc with empty buffers and queues. resolver is the node's type
// registry; thisAppID is used to classify incoming kernels as native or
// foreign (spec.md §4.D.1); owner receives delivered/foreign/resubmitted
// kernels — it is the thing that knows about the local instance registry
// and the native pipeline (spec.md §9 "arena + ids").
func New(nc net.Conn, resolver kernel.TypeResolver, thisAppID uint64, owner domain.ConnectionOwner) *Conn {
	return &Conn{
		nc:        nc,
		peer:      nc.RemoteAddr(),
		input:     kernelbuf.NewSize(bufferSize),
		output:    kernelbuf.NewSize(bufferSize),
		resolver:  resolver,
		thisAppID: thisAppID,
		owner:     owner,
		state:     domain.Starting,
	}
}

// SetTxLog wires the transaction log used when a kernel carries the
// WriteTransactionLog flag (spec.md §4.D.4 / §4.I).
func (c *Conn) SetTxLog(log domain.TxLogIface, pipelineIndex uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txlog = log
	c.pipelineIndex = pipelineIndex
}

func (c *Conn) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) PeerAddr() net.Addr { return c.peer }

// Fd returns the underlying transport's raw file descriptor so a
// socket.Base can register it with epoll (socket.Fder). Any transport
// implementing syscall.Conn supports this: TCP and Unix sockets, and
// procpipeline's pipe connection, whose embedded read-end *os.File supplies
// SyscallConn.
func (c *Conn) Fd() (int, error) {
	sc, ok := c.nc.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("protocol: %T does not expose a raw file descriptor", c.nc)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("protocol: SyscallConn: %w", err)
	}
	var fd int
	var ctrlErr error
	err = raw.Control(func(fdv uintptr) { fd = int(fdv) })
	if err != nil {
		ctrlErr = err
	}
	if ctrlErr != nil {
		return -1, fmt.Errorf("protocol: Control: %w", ctrlErr)
	}
	return fd, nil
}

func (c *Conn) Weight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

func (c *Conn) SetWeight(w uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weight = w
}

// retentionClass mirrors spec.md §4.D.2's table.
type retentionClass int

const (
	retainNone retentionClass = iota
	retainUpstream
	retainDownstream
)

func classify(k *kernel.Kernel) retentionClass {
	phase := k.Phase()
	switch {
	case phase == kernel.PhaseDownstream && k.Flags.Has(kernel.CarriesParent):
		return retainDownstream
	case phase == kernel.PhaseUpstream || phase == kernel.PhasePointToPoint:
		return retainUpstream
	default:
		return retainNone
	}
}

// Send implements spec.md §4.D's Send(K).
func (c *Conn) Send(k *kernel.Kernel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(k)
}

// sendLocked is Send's body, factored out so receiveOne can requeue a kernel
// as a send (spec.md §4.D receive step 5's bounce) without re-entering c.mu,
// which it already holds via readAndDecode.
func (c *Conn) sendLocked(k *kernel.Kernel) error {
	if k.ID == 0 {
		c.counter++
		k.ID = c.counter
	}

	class := classify(k)
	switch class {
	case retainUpstream:
		c.upstreamQueue = append(c.upstreamQueue, k)
	case retainDownstream:
		c.downstreamQueue = append(c.downstreamQueue, k)
	}

	if k.Flags.Has(kernel.WriteTransactionLog) && c.txlog != nil {
		if err := c.txlog.WriteStart(c.pipelineIndex, k); err != nil {
			logrus.WithError(err).Error("protocol: failed to write tx log start record")
		}
	}

	if err := kernel.Write(c.output, k, c.resolver); err != nil {
		return fmt.Errorf("protocol: encoding kernel %d: %w", k.ID, err)
	}

	if err := c.flushLocked(); err != nil {
		return err
	}

	if class == retainNone {
		k.Flags |= kernel.Deleted
	}
	return nil
}

// Forward implements spec.md §4.D's Forward(foreign K): the raw frame bytes
// are copied verbatim, never touching the registry.
func (c *Conn) Forward(f *kernel.ForeignKernel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.output.Write(f.Raw); err != nil {
		return fmt.Errorf("protocol: forwarding foreign kernel to app %d: %w", f.TargetAppID, err)
	}
	return c.flushLocked()
}

func (c *Conn) flushLocked() error {
	c.output.Flip()
	if c.output.Remaining() == 0 {
		c.output.Reset()
		return nil
	}
	if _, err := c.nc.Write(c.output.Bytes()[c.output.Position():c.output.Limit()]); err != nil {
		return fmt.Errorf("protocol: writing to %s: %w", c.peer, err)
	}
	c.output.Reset()
	return nil
}

// Handle implements the poller-driven half of spec.md §4.E's event loop:
// read available bytes and run the receive loop; flush any pending writes.
// The first readiness event moves a Starting connection to Started.
func (c *Conn) Handle(readable, writable bool) error {
	c.mu.Lock()
	if c.state == domain.Starting && (readable || writable) {
		c.state = domain.Started
	}
	c.mu.Unlock()
	if writable {
		c.mu.Lock()
		err := c.flushLocked()
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if !readable {
		return nil
	}
	return c.readAndDecode()
}

func (c *Conn) readAndDecode() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.nc.Read(c.input.WritableSlice())
	if n > 0 {
		c.input.Advance(n)
	}
	if n == 0 && err != nil {
		c.state = domain.Stopped
		return fmt.Errorf("protocol: reading from %s: %w", c.peer, err)
	}

	c.input.Flip()
	for {
		k, foreign, decErr := kernel.Decode(c.input, c.resolver, c.thisAppID)
		if decErr == kernelbuf.ErrShortBuffer {
			break
		}
		if decErr != nil {
			logrus.WithError(decErr).Warn("protocol: dropping malformed frame")
			break
		}
		if foreign != nil {
			if err := c.owner.DeliverForeign(foreign); err != nil {
				logrus.WithError(err).Warn("protocol: failed to forward foreign kernel")
			}
			continue
		}
		c.receiveOne(k)
	}
	c.input.Compact()
	return nil
}

// receiveOne implements steps 2-5 of spec.md §4.D's receive loop for one
// already-decoded native kernel.
func (c *Conn) receiveOne(k *kernel.Kernel) {
	if k.Source == nil {
		k.Source = c.peer
	}

	if k.Phase() == kernel.PhaseDownstream {
		if parent, ok := c.plugParent(k.ID); ok {
			k.Parent = parent
			k.Principal = parent
			c.owner.DeliverLocal(k)
			return
		}
	}

	// Decode only ever reconstructs a principal as an id (writeCommonFields
	// writes k.Principal.ID(), never a pointer), so anything that didn't just
	// get plugged above still needs its principal resolved against this
	// node's instance registry before it can be delivered (spec.md §4.D
	// receive steps 4-5).
	if k.Principal.IsSet() && !k.Principal.HasPointer() {
		if principal, ok := c.owner.ResolvePrincipal(k.Principal.ID()); ok {
			k.Principal.Resolve(principal)
		} else {
			c.bounceNoPrincipal(k)
			return
		}
	}

	if k.Flags.Has(kernel.WriteTransactionLog) && c.txlog != nil {
		if err := c.txlog.WriteEnd(k.ID); err != nil {
			logrus.WithError(err).Error("protocol: failed to write tx log end record")
		}
	}

	c.owner.DeliverLocal(k)
}

// bounceNoPrincipal implements spec.md §4.D receive step 5: a kernel whose
// principal id the instance registry doesn't recognize is requeued as a
// send, bouncing it back over this same connection to the peer it arrived
// from, rather than silently dropped.
func (c *Conn) bounceNoPrincipal(k *kernel.Kernel) {
	k.Result = kernel.NoPrincipalFound
	k.Source, k.Destination = k.Destination, k.Source
	k.Principal = k.Parent
	if err := c.sendLocked(k); err != nil {
		logrus.WithError(err).WithField("kernel_id", k.ID).Warn("protocol: failed to bounce kernel with unresolvable principal")
	}
}

// plugParent scans the retained upstream queue for the original kernel with
// the given id (spec.md §4.D.3), removing and returning its parent ref.
func (c *Conn) plugParent(id uint64) (kernel.Ref, bool) {
	for i, pending := range c.upstreamQueue {
		if pending.ID == id {
			c.upstreamQueue = append(c.upstreamQueue[:i], c.upstreamQueue[i+1:]...)
			return pending.Parent, true
		}
	}
	return kernel.Ref{}, false
}

// recover implements spec.md §4.D's connection-close recovery procedure
// over every kernel this connection was retaining.
func (c *Conn) recover() {
	c.mu.Lock()
	upstream := c.upstreamQueue
	downstream := c.downstreamQueue
	c.upstreamQueue = nil
	c.downstreamQueue = nil
	c.mu.Unlock()

	for _, k := range upstream {
		switch k.Phase() {
		case kernel.PhasePointToPoint:
			k.Result = kernel.EndpointNotConnected
			k.Source, k.Destination = k.Destination, k.Source
			k.Principal = k.Parent
			c.owner.DeliverLocal(k)
		case kernel.PhaseUpstream:
			c.owner.Resubmit(k)
		default:
			logrus.WithField("kernel_id", k.ID).Warn("protocol: dropping unrecoverable retained kernel")
		}
	}
	for _, k := range downstream {
		c.owner.DeliverLocal(k)
	}
}

// Close marks the connection stopped, closes the underlying transport and
// runs recovery (spec.md §4.D) over every kernel it was retaining.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = domain.Stopped
	c.mu.Unlock()
	err := c.nc.Close()
	c.recover()
	return err
}
