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

package discoverer

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
)

// treeAddressIterator walks a subnet's host addresses in the rooted-tree
// order of spec.md §4.H: the root is offset 0, the subnet's network
// address, which is never produced; each offset's fanout children are
// offset*fanout+1 .. offset*fanout+fanout, visited breadth-first. The
// interface's own address is not excluded: it is produced at its place in
// that order like any other host. This
// turns "probe everyone" into "probe my candidate superiors before my
// candidate subordinates", so a fresh node climbs toward the root instead
// of scanning the subnet linearly.
type treeAddressIterator struct {
	base    net.IP // network address (host bits zero)
	bits    int    // number of host bits
	fanout  uint32
	queue   []uint32
	visited map[uint32]bool
}

func newTreeAddressIterator(ipnet *net.IPNet, fanout uint32) *treeAddressIterator {
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	it := &treeAddressIterator{
		base:    ipnet.IP.Mask(ipnet.Mask),
		bits:    hostBits,
		fanout:  fanout,
		queue:   []uint32{0},
		visited: make(map[uint32]bool),
	}
	return it
}

func (it *treeAddressIterator) maxOffset() uint32 {
	if it.bits >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<uint(it.bits) - 1
}

// Next returns the next candidate address in tree order, or nil once every
// host offset in the subnet has been produced.
func (it *treeAddressIterator) Next() net.IP {
	max := it.maxOffset()
	for len(it.queue) > 0 {
		offset := it.queue[0]
		it.queue = it.queue[1:]
		if it.visited[offset] {
			continue
		}
		it.visited[offset] = true

		for c := uint32(1); c <= it.fanout; c++ {
			child := offset*it.fanout + c
			if child == 0 || child > max || it.visited[child] {
				continue
			}
			it.queue = append(it.queue, child)
		}

		if offset == 0 {
			continue // offset 0 is the subnet's network address, never a candidate
		}
		return offsetAddr(it.base, offset)
	}
	return nil
}

func offsetAddr(base net.IP, offset uint32) net.IP {
	ip4 := base.To4()
	if ip4 == nil {
		return nil // IPv6 tree addressing is out of scope; spec.md §1 Non-goals
	}
	v := binary.BigEndian.Uint32(ip4) + offset
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

// probeBody is the kernel exchanged during discovery: the prober sends its
// own socket address and current weight; the receiving node's Act replies
// in kind by setting Accept and its own weight, or leaves Accept false to
// refuse (fanout exhausted). Reply distinguishes a fresh probe (false) from
// its answer (true) — the pair has no parent/principal on the wire (spec.md
// §3 "broadcast"), so the reply has to be a second, independently routed
// kernel rather than a return_to_parent. Grounded on `original_source/src/
// subordination/daemon/discoverer.hh`'s probe kernel.
type probeBody struct {
	disp *Dispatcher

	FromAddr string
	Weight   uint32
	Accept   bool
	Reply    bool
}

// Act implements both halves of the probe exchange (spec.md §4.H): a fresh
// probe (Reply == false) is handed to the owning interface's Discoverer for
// an accept/reject decision, which is sent back as a second, Reply == true
// kernel addressed at the sender; a reply is handed to OnProbeReply so the
// prober's own hierarchy updates.
func (b *probeBody) Act(k *kernel.Kernel) error {
	if b.disp == nil {
		return fmt.Errorf("discoverer: probe kernel has no dispatcher wired")
	}
	d := b.disp.find(k.Source)
	if d == nil {
		return fmt.Errorf("discoverer: no discoverer registered to handle a probe from %v", k.Source)
	}
	from, err := net.ResolveTCPAddr("tcp", b.FromAddr)
	if err != nil {
		// the sender's own advertised address didn't parse; fall back to
		// the connection's peer address rather than drop the exchange.
		from = k.Source
	}
	if b.Reply {
		d.OnProbeReply(from, b.Accept, b.Weight)
		return nil
	}
	if d.remote == nil {
		return fmt.Errorf("discoverer: no remote pipeline wired to send probe reply")
	}
	// Dial the sender back by its own advertised address *before* running
	// the accept/reject decision, so that OnIncomingProbe's own
	// SetClientWeight call — and every kernel routed to this peer
	// afterward — finds a client table entry keyed the same way on both
	// ends (spec.md §4.F's client table is keyed by dial address, not by
	// an accepted connection's ephemeral source port).
	if _, err := d.remote.AddClient(from); err != nil {
		logrus.WithError(err).WithField("addr", from).Warn("discoverer: dialing back probing peer failed")
	}
	accept, weight := d.OnIncomingProbe(from, b.Weight)
	reply := kernel.New(ProbeTypeID, &probeBody{
		disp:     b.disp,
		FromAddr: d.hierarchy.IfaceAddr.String(),
		Weight:   weight,
		Accept:   accept,
		Reply:    true,
	})
	reply.Destination = from
	return d.remote.Route(reply)
}

func (b *probeBody) React(k *kernel.Kernel, child *kernel.Kernel) error { return nil }
func (b *probeBody) Rollback(k *kernel.Kernel) error                    { return nil }

func (b *probeBody) WriteBody(buf *kernelbuf.Buffer) error {
	buf.WriteString(b.FromAddr)
	buf.WriteUint32BE(b.Weight)
	var acc, rep uint8
	if b.Accept {
		acc = 1
	}
	if b.Reply {
		rep = 1
	}
	buf.WriteUint8(acc)
	buf.WriteUint8(rep)
	return nil
}

func (b *probeBody) ReadBody(buf *kernelbuf.Buffer) error {
	addr, err := buf.ReadString()
	if err != nil {
		return err
	}
	w, err := buf.ReadUint32BE()
	if err != nil {
		return err
	}
	acc, err := buf.ReadUint8()
	if err != nil {
		return err
	}
	rep, err := buf.ReadUint8()
	if err != nil {
		return err
	}
	b.FromAddr = addr
	b.Weight = w
	b.Accept = acc != 0
	b.Reply = rep != 0
	return nil
}

// weightBody is the hierarchy-broadcast kernel of spec.md §4.H: sent by a
// node to its own principal whenever one of its subordinates' weight
// changes (and so its own weight, 1 + sum of subordinates, changes too),
// carrying the sender's Generation so an out-of-order or partition-healed
// broadcast can be recognized as stale and dropped rather than applied
// (spec.md §9 "(NEW)"). Grounded on `original_source/src/subordination/
// daemon/network_master.cc`'s weight-propagation message.
type weightBody struct {
	disp *Dispatcher

	FromAddr   string
	Weight     uint32
	Generation uint64
}

// Act resolves the Discoverer the broadcast concerns (by sender address,
// same as probeBody) and applies the weight update.
func (b *weightBody) Act(k *kernel.Kernel) error {
	if b.disp == nil {
		return fmt.Errorf("discoverer: weight kernel has no dispatcher wired")
	}
	d := b.disp.find(k.Source)
	if d == nil {
		return fmt.Errorf("discoverer: no discoverer registered to handle a weight update from %v", k.Source)
	}
	from, err := net.ResolveTCPAddr("tcp", b.FromAddr)
	if err != nil {
		from = k.Source
	}
	d.OnSubordinateWeight(from, b.Weight, b.Generation)
	return nil
}

func (b *weightBody) React(k *kernel.Kernel, child *kernel.Kernel) error { return nil }
func (b *weightBody) Rollback(k *kernel.Kernel) error                    { return nil }

func (b *weightBody) WriteBody(buf *kernelbuf.Buffer) error {
	buf.WriteString(b.FromAddr)
	buf.WriteUint32BE(b.Weight)
	buf.WriteUint64BE(b.Generation)
	return nil
}

func (b *weightBody) ReadBody(buf *kernelbuf.Buffer) error {
	addr, err := buf.ReadString()
	if err != nil {
		return err
	}
	w, err := buf.ReadUint32BE()
	if err != nil {
		return err
	}
	gen, err := buf.ReadUint64BE()
	if err != nil {
		return err
	}
	b.FromAddr = addr
	b.Weight = w
	b.Generation = gen
	return nil
}

// WeightTypeID is the stable, user-chosen kernel type id for weightBody.
const WeightTypeID uint16 = 2

// RegisterWeightType registers weightBody's constructor under WeightTypeID,
// wiring every constructed weightBody to disp so its Act can resolve the
// Discoverer it belongs to, the same way RegisterProbeType does for probes.
func RegisterWeightType(r registrar, disp *Dispatcher) error {
	return r.Register(WeightTypeID, func() kernel.Body { return &weightBody{disp: disp} })
}

// ProbeTypeID is the stable, user-chosen kernel type id for probeBody,
// exported so cmd/subordd can register it with the node's type resolver
// the same way every other kernel type is registered (spec.md §4.B "no
// RTTI on the wire").
const ProbeTypeID uint16 = 1

// registrar is the narrow slice of registry.Registry's API RegisterProbeType
// needs, so discoverer does not import the registry package directly.
type registrar interface {
	Register(id uint16, constructor func() kernel.Body) error
}

// Dispatcher routes an arriving probeBody to the Discoverer that owns the
// local interface the exchange concerns. A daemon running discovery on more
// than one --iface flag registers each Discoverer here (Add); probeBody.Act
// resolves which Discoverer's hierarchy a given probe or reply belongs to
// by matching the sender's address against each interface's subnet,
// falling back to the first registered Discoverer for the common
// single-interface deployment spec.md §8 scenario 6 exercises.
type Dispatcher struct {
	mu          sync.Mutex
	discoverers []*Discoverer
}

// NewDispatcher builds an empty Dispatcher. Discoverers are added to it as
// they are constructed (cmd/subordd's startDiscoverers), after
// RegisterProbeType has already captured the pointer in its constructor
// closure — the Dispatcher, not the Discoverer list, is what needs to
// exist before registration.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Add registers d so incoming probes/replies naming its interface resolve
// to it.
func (disp *Dispatcher) Add(d *Discoverer) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	disp.discoverers = append(disp.discoverers, d)
}

func (disp *Dispatcher) find(addr net.Addr) *Discoverer {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.discoverers) == 0 {
		return nil
	}
	if host := addrIP(addr); host != nil {
		for _, d := range disp.discoverers {
			if d.ipnet != nil && d.ipnet.Contains(host) {
				return d
			}
		}
	}
	return disp.discoverers[0]
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}

// RegisterProbeType registers probeBody's constructor under ProbeTypeID,
// wiring every constructed probeBody to disp so its Act can resolve the
// Discoverer it belongs to.
func RegisterProbeType(r registrar, disp *Dispatcher) error {
	return r.Register(ProbeTypeID, func() kernel.Body { return &probeBody{disp: disp} })
}

// Discoverer drives the hierarchy formation of spec.md §4.H for one local
// interface address: it iterates tree-address candidates, probes them
// through the remote pipeline's client table, and accepts or refuses
// incoming probes depending on current subordinate count and fanout.
type Discoverer struct {
	mu sync.Mutex

	hierarchy *Hierarchy
	cache     *Cache
	remote    domain.RemotePipelineIface
	iter      *treeAddressIterator
	ipnet     *net.IPNet
	fanout    uint32
	maxSubs   uint32
	interval  time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ domain.DiscovererIface = (*Discoverer)(nil)

// New builds a discoverer for one local interface. cacheDir may be empty to
// disable cache persistence.
func New(ifaceAddr net.Addr, port int, self net.Addr, ipnet *net.IPNet, fanout uint32, interval time.Duration, remote domain.RemotePipelineIface, ioSvc domain.IOServiceIface, cacheDir string) *Discoverer {
	d := &Discoverer{
		hierarchy: NewHierarchy(ifaceAddr, port, self),
		remote:    remote,
		iter:      newTreeAddressIterator(ipnet, fanout),
		ipnet:     ipnet,
		fanout:    fanout,
		maxSubs:   fanout,
		interval:  interval,
		stop:      make(chan struct{}),
	}
	if cacheDir != "" && ioSvc != nil {
		d.cache = NewCache(ioSvc, cacheDir, ifaceAddr)
	}
	return d
}

// LocalInterfaceAddrs enumerates this host's configured interface addresses
// via netlink rather than the stdlib net package, matching the teacher's
// preference for the address-family-aware netlink machinery over
// net.Interfaces (spec.md SPEC_FULL §4.H).
func LocalInterfaceAddrs() ([]netlink.Addr, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("discoverer: netlink link list: %w", err)
	}
	var out []netlink.Addr
	for _, link := range links {
		if link.Attrs().Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// Start loads any cached principal and begins the probe loop. A cached
// principal is not just logged: it is probed immediately, the same way a
// fresh tree-address candidate is, so a restarted node rejoins at its old
// place in the hierarchy instead of waiting for the next tick's subnet walk
// to happen to reach it again (spec.md §4.H Initial state "try to join").
func (d *Discoverer) Start() error {
	if d.cache != nil {
		if addr, ok, err := d.cache.Load(); err == nil && ok {
			tcpAddr, rerr := net.ResolveTCPAddr("tcp", addr)
			if rerr != nil {
				logrus.WithError(rerr).WithField("addr", addr).Warn("discoverer: cached principal address unparsable")
			} else {
				logrus.WithField("addr", tcpAddr).Info("discoverer: rejoining cached principal candidate")
				d.probe(tcpAddr.IP)
			}
		}
	}
	d.wg.Add(1)
	go d.probeLoop()
	return nil
}

// Stop ends the probe loop; Start's goroutine exits after its current
// iteration.
func (d *Discoverer) Stop() {
	close(d.stop)
}

// Wait blocks until the probe loop goroutine started by Start has exited.
func (d *Discoverer) Wait() { d.wg.Wait() }

func (d *Discoverer) probeLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick implements one round of spec.md §4.H: if this node has no
// principal, probe the next tree-address candidate; persist the hierarchy
// to cache on every tick, whether or not it changed.
func (d *Discoverer) tick() {
	if !d.hierarchy.HasPrincipal() {
		candidate := d.iter.Next()
		if candidate == nil {
			return // subnet exhausted; wait for an incoming probe instead
		}
		d.probe(candidate)
	}
	if d.cache != nil {
		if err := d.cache.Save(d.hierarchy); err != nil {
			logrus.WithError(err).Warn("discoverer: saving hierarchy cache failed")
		}
	}
}

// probe dials candidate through the remote pipeline's client table and
// sends a probe kernel asking it to become this node's principal.
func (d *Discoverer) probe(candidate net.IP) {
	addr := &net.TCPAddr{IP: candidate, Port: d.hierarchy.Port}
	conn, err := d.remote.AddClient(addr)
	if err != nil {
		logrus.WithError(err).WithField("addr", addr).Debug("discoverer: probe dial failed")
		return
	}

	k := kernel.New(ProbeTypeID, &probeBody{
		FromAddr: d.hierarchy.IfaceAddr.String(),
		Weight:   d.hierarchy.Weight(),
	})
	k.Destination = addr
	if err := conn.Send(k); err != nil {
		logrus.WithError(err).WithField("addr", addr).Debug("discoverer: probe send failed")
	}
}

// OnProbeReply is driven by cmd/subordd's kernel dispatch when a probeBody
// kernel returns: it applies the accept/reject/retain/remove decision of
// spec.md §4.H to this interface's hierarchy, then reports this node's
// current weight to its newly acquired principal.
func (d *Discoverer) OnProbeReply(from net.Addr, accepted bool, weight uint32) {
	d.mu.Lock()
	if !accepted {
		d.mu.Unlock()
		return
	}
	if p, ok := d.hierarchy.Principal(); ok && sameAddr(p.Addr, from) {
		// Already our principal (a retried or periodic re-probe of the same
		// address): just refresh its advertised weight rather than rebuild
		// the Node, so Connected and any other recorded state survive.
		d.hierarchy.SetPrincipalWeight(weight)
	} else {
		d.hierarchy.SetPrincipal(from, weight)
	}
	d.hierarchy.SetSubordinateConnected(from, true)
	d.mu.Unlock()
	d.sendWeightToPrincipal()
}

// OnIncomingProbe is driven by cmd/subordd when a probeBody kernel arrives
// from a peer asking to join as a subordinate: accept if this node has
// fanout headroom, otherwise reject. When the exchange changes this node's
// own weight (a new subordinate, or an existing one reporting a different
// weight), the new value is propagated to this node's own principal in turn
// (spec.md §4.H "sends a hierarchy kernel to its principal").
func (d *Discoverer) OnIncomingProbe(from net.Addr, weight uint32) (accept bool, ourWeight uint32) {
	d.mu.Lock()
	if d.hierarchy.HasSubordinate(from) {
		changed := d.hierarchy.SetSubordinateWeight(from, weight)
		ourWeight = d.hierarchy.Weight()
		d.mu.Unlock()
		if changed {
			d.sendWeightToPrincipal()
		}
		return true, ourWeight
	}
	if uint32(d.hierarchy.NumSubordinates()) >= d.maxSubs {
		ourWeight = d.hierarchy.Weight()
		d.mu.Unlock()
		return false, ourWeight
	}
	if err := d.hierarchy.AddSubordinate(from, weight); err != nil {
		ourWeight = d.hierarchy.Weight()
		d.mu.Unlock()
		return false, ourWeight
	}
	d.hierarchy.SetSubordinateConnected(from, true)
	if d.remote != nil {
		d.remote.SetClientWeight(from, weight)
	}
	ourWeight = d.hierarchy.Weight()
	d.mu.Unlock()
	d.sendWeightToPrincipal()
	return true, ourWeight
}

// OnSubordinateWeight is driven by cmd/subordd's kernel dispatch when a
// weightBody kernel arrives from a subordinate reporting its new weight
// (spec.md §4.H weight propagation): applies it — dropping it as stale if
// its Generation doesn't advance what was last recorded for that
// subordinate — and, if this node's own weight changed as a result,
// propagates the new value to its own principal, continuing the climb to
// the root.
func (d *Discoverer) OnSubordinateWeight(from net.Addr, weight uint32, generation uint64) {
	d.mu.Lock()
	changed := d.hierarchy.ApplySubordinateWeight(from, weight, generation)
	d.mu.Unlock()
	if changed {
		d.sendWeightToPrincipal()
	}
}

// sendWeightToPrincipal sends a weightBody kernel to this interface's
// current principal carrying this node's own updated weight and hierarchy
// generation (spec.md §4.H). A no-op if this node currently has no
// principal or no remote pipeline wired.
func (d *Discoverer) sendWeightToPrincipal() {
	d.mu.Lock()
	principal, ok := d.hierarchy.Principal()
	weight := d.hierarchy.Weight()
	generation := d.hierarchy.CurrentGeneration()
	d.mu.Unlock()
	if !ok || d.remote == nil {
		return
	}

	conn, err := d.remote.AddClient(principal.Addr)
	if err != nil {
		logrus.WithError(err).WithField("addr", principal.Addr).Debug("discoverer: dialing principal for weight update failed")
		return
	}
	k := kernel.New(WeightTypeID, &weightBody{
		FromAddr:   d.hierarchy.IfaceAddr.String(),
		Weight:     weight,
		Generation: generation,
	})
	k.Destination = principal.Addr
	if err := conn.Send(k); err != nil {
		logrus.WithError(err).WithField("addr", principal.Addr).Debug("discoverer: weight update send failed")
	}
}

// OnPeerLost is driven by cmd/subordd's domain.PipelineEventListener
// plumbing when a client/server connection drops: it removes the peer from
// the hierarchy, whether it was a principal or a subordinate, so discovery
// resumes probing in the next tick (spec.md §4.H "retain or remove").
func (d *Discoverer) OnPeerLost(addr net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.hierarchy.Principal(); ok && sameAddr(p.Addr, addr) {
		d.hierarchy.UnsetPrincipal()
		return
	}
	d.hierarchy.RemoveSubordinate(addr)
}

// Principal implements domain.DiscovererIface.
func (d *Discoverer) Principal() (net.Addr, bool) {
	p, ok := d.hierarchy.Principal()
	if !ok {
		return nil, false
	}
	return p.Addr, true
}

// Subordinates implements domain.DiscovererIface.
func (d *Discoverer) Subordinates() []net.Addr {
	subs := d.hierarchy.Subordinates()
	out := make([]net.Addr, len(subs))
	for i, s := range subs {
		out[i] = s.Addr
	}
	return out
}

// Weight implements domain.DiscovererIface.
func (d *Discoverer) Weight() uint32 { return d.hierarchy.Weight() }
