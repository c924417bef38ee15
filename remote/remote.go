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

// Package remote implements the remote socket pipeline of spec.md §4.F: a
// server table of per-interface listeners, a client table of outbound
// connections weighted by the discoverer's hierarchy, and weighted
// round-robin routing across that table. Grounded on
// `original_source/src/subordination/daemon/{unix_domain_socket_pipeline,
// remote_client}.hh` and the factory variant of the same files for the
// listener-accept loop shape.
package remote

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/protocol"
	"github.com/nestybox/subordination/socket"
)

// server is one listening socket, one per local interface address the
// discoverer has decided to accept subordinates on (spec.md §4.F "server
// table").
type server struct {
	addr net.Addr
	ln   net.Listener
	done chan struct{}
}

// client is one outbound connection to a peer, weighted by the hierarchy so
// Route can spread load across subordinates/principal in proportion to
// their subtree size (spec.md §4.F "weighted round-robin").
type client struct {
	addr   net.Addr
	conn   *protocol.Conn
	weight uint32
}

// Pipeline is the remote socket pipeline of spec.md §4.F. It embeds the
// base event loop (spec.md §4.E) the same way procpipeline.Pipeline does,
// adding the server/client tables and routing cursor on top.
type Pipeline struct {
	*socket.Base

	mu sync.Mutex

	servers   map[string]*server
	clients   map[string]*client
	order     []string // client key insertion order: spec.md §8 "client table equals the accumulated effect"
	cursor    int      // index into order of the client currently being favored
	remaining uint32   // remaining turns for the client at cursor before advancing

	resolver  kernel.TypeResolver
	thisAppID uint64
	owner     domain.ConnectionOwner
	listeners []domain.PipelineEventListener

	dialer net.Dialer
}

var (
	_ domain.RemotePipelineIface = (*Pipeline)(nil)
	_ socket.Delegate            = (*Pipeline)(nil)
	_ domain.ConnectionOwner     = (*Pipeline)(nil)
)

func addrKey(a net.Addr) string { return a.Network() + "://" + a.String() }

// New builds a remote pipeline. resolver/thisAppID are used to construct
// protocol.Conn wrappers for both accepted and dialed connections.
func New(resolver kernel.TypeResolver, thisAppID uint64, startTimeout time.Duration) (*Pipeline, error) {
	p := &Pipeline{
		servers:   make(map[string]*server),
		clients:   make(map[string]*client),
		resolver:  resolver,
		thisAppID: thisAppID,
	}
	base, err := socket.New(startTimeout, p)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	p.Base = base
	return p, nil
}

// Setup wires the pipeline's owner (receives delivered/foreign/resubmitted
// native kernels) and its hierarchy event listeners (normally the
// discoverer, per spec.md §4.F "emits ... to registered listeners").
func (p *Pipeline) Setup(owner domain.ConnectionOwner, listeners ...domain.PipelineEventListener) {
	p.owner = owner
	p.listeners = listeners
}

// AddServer opens a listener on ifaddr and starts an accept loop that
// registers each inbound connection with the base event loop (spec.md
// §4.F "server table").
func (p *Pipeline) AddServer(ifaddr net.Addr) error {
	key := addrKey(ifaddr)

	p.mu.Lock()
	if _, ok := p.servers[key]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	ln, err := net.Listen(ifaddr.Network(), ifaddr.String())
	if err != nil {
		return fmt.Errorf("remote: listen %s: %w", ifaddr, err)
	}

	srv := &server{addr: ifaddr, ln: ln, done: make(chan struct{})}
	p.mu.Lock()
	p.servers[key] = srv
	p.mu.Unlock()

	go p.acceptLoop(srv)

	for _, l := range p.listeners {
		l.OnServerAdded(ifaddr)
	}
	return nil
}

func (p *Pipeline) acceptLoop(srv *server) {
	for {
		nc, err := srv.ln.Accept()
		if err != nil {
			select {
			case <-srv.done:
				return
			default:
				logrus.WithError(err).WithField("addr", srv.addr).Warn("remote: accept failed")
				return
			}
		}
		conn := protocol.New(nc, p.resolver, p.thisAppID, p)
		if err := p.AddConn(conn); err != nil {
			logrus.WithError(err).Warn("remote: registering accepted connection failed")
			conn.Close()
			continue
		}
	}
}

// RemoveServer closes ifaddr's listener, if present.
func (p *Pipeline) RemoveServer(ifaddr net.Addr) error {
	key := addrKey(ifaddr)
	p.mu.Lock()
	srv, ok := p.servers[key]
	if ok {
		delete(p.servers, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	close(srv.done)
	err := srv.ln.Close()
	for _, l := range p.listeners {
		l.OnServerRemoved(ifaddr)
	}
	return err
}

// AddClient dials addr and registers the connection, or returns the
// existing one if addr is already a client (spec.md §4.F "AddClient is
// idempotent").
func (p *Pipeline) AddClient(addr net.Addr) (domain.ConnectionIface, error) {
	key := addrKey(addr)

	p.mu.Lock()
	if c, ok := p.clients[key]; ok {
		p.mu.Unlock()
		return c.conn, nil
	}
	p.mu.Unlock()

	nc, err := p.dialer.Dial(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", addr, err)
	}
	conn := protocol.New(nc, p.resolver, p.thisAppID, p)
	if err := p.AddConn(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote: registering client connection to %s: %w", addr, err)
	}

	p.mu.Lock()
	p.clients[key] = &client{addr: addr, conn: conn, weight: 1}
	p.order = append(p.order, key)
	p.mu.Unlock()

	for _, l := range p.listeners {
		l.OnClientAdded(addr)
	}
	return conn, nil
}

// RemoveClient closes and forgets the client connection to addr.
func (p *Pipeline) RemoveClient(addr net.Addr) error {
	key := addrKey(addr)
	p.mu.Lock()
	c, ok := p.clients[key]
	if ok {
		delete(p.clients, key)
		p.removeFromOrder(key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.conn.Close()
	for _, l := range p.listeners {
		l.OnClientRemoved(addr)
	}
	return err
}

func (p *Pipeline) removeFromOrder(key string) {
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			return
		}
	}
}

// SetClientWeight updates a client's routing weight, driven by the
// discoverer as hierarchy subtree sizes change (spec.md §4.F "weighted").
func (p *Pipeline) SetClientWeight(addr net.Addr, weight uint32) error {
	key := addrKey(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[key]
	if !ok {
		return fmt.Errorf("remote: %s is not a known client", addr)
	}
	c.weight = weight
	return nil
}

// Clients reports the client table's addresses in insertion order (spec.md
// §8's table-equals-accumulated-effect testable property).
func (p *Pipeline) Clients() []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]net.Addr, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.clients[k].addr)
	}
	return out
}

// Route implements domain.RoutingPipelineIface: spec.md §4.F routes a
// kernel with no specific target to the client table by weighted round
// robin, and a kernel with a specific peer address directly to that
// client's connection.
func (p *Pipeline) Route(k *kernel.Kernel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if k.Destination != nil {
		if c, ok := p.clients[addrKey(k.Destination)]; ok {
			return c.conn.Send(k)
		}
	}

	if len(p.order) == 0 {
		k.Result = kernel.EndpointNotConnected
		k.Principal = k.Parent
		if p.owner != nil {
			p.owner.DeliverLocal(k)
		}
		return nil
	}

	c := p.nextWeightedLocked()
	if c == nil {
		k.Result = kernel.EndpointNotConnected
		k.Principal = k.Parent
		if p.owner != nil {
			p.owner.DeliverLocal(k)
		}
		return nil
	}
	return c.conn.Send(k)
}

// nextWeightedLocked advances the round-robin cursor, visiting each client
// in table order weight times before moving to the next — the original's
// simple weighted round robin (spec.md SPEC_FULL §4.F), not a priority
// scheme. Must be called with p.mu held.
func (p *Pipeline) nextWeightedLocked() *client {
	n := len(p.order)
	if p.cursor >= n {
		p.cursor = 0
	}
	for tries := 0; tries < n; tries++ {
		c := p.clients[p.order[p.cursor]]
		if p.remaining == 0 {
			p.remaining = c.weight
		}
		if p.remaining == 0 {
			// weight 0 means "skip unless nothing else is eligible".
			p.cursor = (p.cursor + 1) % n
			continue
		}
		p.remaining--
		if p.remaining == 0 {
			p.cursor = (p.cursor + 1) % n
		}
		return c
	}
	// every client has weight 0: still route somewhere rather than drop.
	c := p.clients[p.order[p.cursor]]
	p.cursor = (p.cursor + 1) % n
	return c
}

// ProcessKernels implements socket.Delegate: every kernel accumulated since
// the last loop iteration is routed (spec.md §4.F "inbound kernels not
// otherwise claimed are handed to Route").
func (p *Pipeline) ProcessKernels(inbound []*kernel.Kernel) {
	for _, k := range inbound {
		if err := p.Route(k); err != nil {
			logrus.WithError(err).Warn("remote: routing outbound kernel failed")
		}
	}
}

// DeliverLocal, DeliverForeign and Resubmit implement domain.ConnectionOwner
// so a client/server connection can hand decoded/foreign/recovered kernels
// back up to this pipeline's own owner (normally the parallel pipeline).
func (p *Pipeline) DeliverLocal(k *kernel.Kernel) {
	if p.owner != nil {
		p.owner.DeliverLocal(k)
	}
}

func (p *Pipeline) DeliverForeign(f *kernel.ForeignKernel) error {
	if p.owner != nil {
		return p.owner.DeliverForeign(f)
	}
	return fmt.Errorf("remote: no owner configured to forward foreign kernel")
}

func (p *Pipeline) Resubmit(k *kernel.Kernel) {
	if p.owner != nil {
		p.owner.Resubmit(k)
	}
}

func (p *Pipeline) ResolvePrincipal(id uint64) (*kernel.Kernel, bool) {
	if p.owner != nil {
		return p.owner.ResolvePrincipal(id)
	}
	return nil, false
}
