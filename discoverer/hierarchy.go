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

// Package discoverer implements the hierarchical peer discovery of spec.md
// §4.H: a deterministic tree-address iterator, the probe/reply state
// machine that forms a superior/subordinate overlay, weight propagation,
// and on-disk cache persistence. Grounded on
// `original_source/src/subordination/daemon/{discoverer,hierarchy,hierarchy_node}.hh`.
package discoverer

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/nestybox/subordination/domain"
)

// Node is a subordinate or principal entry of spec.md §3's Hierarchy:
// a socket address plus its weight. Connected separates "listed as
// subordinate" from "the client connection has finished handshaking",
// recovered from the original's hierarchy_node.hh (spec.md SPEC_FULL §4.H).
type Node struct {
	Addr      net.Addr
	Weight    uint32
	Connected bool

	// Generation is the sending peer's own Generation as of its last applied
	// weight-broadcast kernel, used to drop an out-of-order or
	// partition-healed broadcast rather than regress this entry (see
	// ApplySubordinateWeight). Zero for a node never reached that way (e.g.
	// one only ever updated through the synchronous probe exchange).
	Generation uint64
}

func (n Node) key() string {
	if n.Addr == nil {
		return ""
	}
	return n.Addr.Network() + "://" + n.Addr.String()
}

// Hierarchy is the spec.md §3 record: one local interface's view of its
// principal and subordinates. A node never appears in both sets; a node's
// own address is never in Subordinates.
type Hierarchy struct {
	mu sync.RWMutex

	IfaceAddr  net.Addr
	Port       int
	self       net.Addr
	principal  *Node
	subByKey   map[string]*Node
	subOrder   []string // insertion order, for deterministic Subordinates()

	// Generation is bumped whenever the hierarchy changes shape, carried on
	// hierarchy-broadcast kernels so a partition-healed, stale broadcast is
	// detected and dropped rather than applied (spec.md §9 "(NEW)",
	// grounded on original's network_master.cc).
	Generation uint64
}

// NewHierarchy builds an empty hierarchy rooted at self (this node's own
// address, never eligible to become its own subordinate or principal).
func NewHierarchy(ifaceAddr net.Addr, port int, self net.Addr) *Hierarchy {
	return &Hierarchy{
		IfaceAddr: ifaceAddr,
		Port:      port,
		self:      self,
		subByKey:  make(map[string]*Node),
	}
}

// HasPrincipal reports whether a principal is currently set.
func (h *Hierarchy) HasPrincipal() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.principal != nil
}

// Principal returns the current principal, if any.
func (h *Hierarchy) Principal() (Node, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.principal == nil {
		return Node{}, false
	}
	return *h.principal, true
}

// SetPrincipal sets addr as the principal, removing it from subordinates if
// present there (spec.md §3 "a node never appears in both").
func (h *Hierarchy) SetPrincipal(addr net.Addr, weight uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := &Node{Addr: addr, Weight: weight}
	delete(h.subByKey, n.key())
	h.removeFromOrder(n.key())
	h.principal = n
	h.Generation++
}

// UnsetPrincipal clears the principal.
func (h *Hierarchy) UnsetPrincipal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.principal != nil {
		h.principal = nil
		h.Generation++
	}
}

// SetPrincipalWeight updates the principal's weight, reporting whether it
// changed.
func (h *Hierarchy) SetPrincipalWeight(w uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.principal == nil || h.principal.Weight == w {
		return false
	}
	h.principal.Weight = w
	h.Generation++
	return true
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// AddSubordinate adds addr to the subordinate set, refusing to add the
// node's own address or an address already its principal (spec.md §3's
// Hierarchy invariants).
func (h *Hierarchy) AddSubordinate(addr net.Addr, weight uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sameAddr(addr, h.self) {
		return fmt.Errorf("discoverer: refusing to add own address as subordinate")
	}
	if h.principal != nil && sameAddr(addr, h.principal.Addr) {
		return fmt.Errorf("discoverer: %s is already this node's principal", addr)
	}
	n := Node{Addr: addr, Weight: weight}
	key := n.key()
	if _, ok := h.subByKey[key]; !ok {
		h.subOrder = append(h.subOrder, key)
	}
	h.subByKey[key] = &n
	h.Generation++
	return nil
}

// RemoveSubordinate removes addr from the subordinate set, reporting
// whether it was present.
func (h *Hierarchy) RemoveSubordinate(addr net.Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := (Node{Addr: addr}).key()
	if _, ok := h.subByKey[key]; !ok {
		return false
	}
	delete(h.subByKey, key)
	h.removeFromOrder(key)
	h.Generation++
	return true
}

func (h *Hierarchy) removeFromOrder(key string) {
	for i, k := range h.subOrder {
		if k == key {
			h.subOrder = append(h.subOrder[:i], h.subOrder[i+1:]...)
			return
		}
	}
}

// HasSubordinate reports whether addr is currently a subordinate.
func (h *Hierarchy) HasSubordinate(addr net.Addr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subByKey[(Node{Addr: addr}).key()]
	return ok
}

// SetSubordinateWeight updates a subordinate's weight, reporting whether
// anything changed.
func (h *Hierarchy) SetSubordinateWeight(addr net.Addr, w uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.subByKey[(Node{Addr: addr}).key()]
	if !ok || n.Weight == w {
		return false
	}
	n.Weight = w
	h.Generation++
	return true
}

// ApplySubordinateWeight updates a subordinate's weight from an incoming
// hierarchy-broadcast kernel (spec.md §4.H), reporting whether anything
// changed. generation must be strictly newer than the last one already
// applied from that subordinate, or the update is dropped as stale (spec.md
// §9 "(NEW)" partition-healed broadcast).
func (h *Hierarchy) ApplySubordinateWeight(addr net.Addr, weight uint32, generation uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.subByKey[(Node{Addr: addr}).key()]
	if !ok || generation <= n.Generation {
		return false
	}
	n.Generation = generation
	if n.Weight == weight {
		return false
	}
	n.Weight = weight
	h.Generation++
	return true
}

// CurrentGeneration returns the hierarchy's own generation counter, carried
// on outgoing weight-broadcast kernels.
func (h *Hierarchy) CurrentGeneration() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Generation
}

// SetSubordinateConnected marks a subordinate's client connection as having
// finished handshaking (spec.md SPEC_FULL §4.H "connected boolean").
func (h *Hierarchy) SetSubordinateConnected(addr net.Addr, connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.subByKey[(Node{Addr: addr}).key()]; ok {
		n.Connected = connected
	}
}

// Subordinates returns the subordinate set in insertion order.
func (h *Hierarchy) Subordinates() []Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Node, 0, len(h.subOrder))
	for _, k := range h.subOrder {
		out = append(out, *h.subByKey[k])
	}
	return out
}

// NumSubordinates reports the subordinate count.
func (h *Hierarchy) NumSubordinates() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subByKey)
}

// Weight is this node's own weight: 1 + the sum of every subordinate's
// weight (spec.md §4.H "Weights").
func (h *Hierarchy) Weight() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total uint32 = 1
	for _, n := range h.subByKey {
		total += n.Weight
	}
	return total
}

// TotalWeight is the sum of every neighbour's weight, principal included —
// the original's hierarchy::total_weight() (spec.md SPEC_FULL §4.H).
func (h *Hierarchy) TotalWeight() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total uint32
	if h.principal != nil {
		total += h.principal.Weight
	}
	for _, n := range h.subByKey {
		total += n.Weight
	}
	return total
}

// Cache persists/restores the hierarchy to the on-disk format of spec.md
// §6: the principal's address on the first line, one subordinate address
// per subsequent line.
type Cache struct {
	ioSvc domain.IOServiceIface
	path  string
}

// NewCache builds a cache handle for the given cache directory and
// interface address, matching `cache_directory/<ifaddr>.cache` (spec.md
// §4.H).
func NewCache(ioSvc domain.IOServiceIface, cacheDir string, ifaceAddr net.Addr) *Cache {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(ifaceAddr.String())
	path := cacheDir + "/" + name + ".cache"
	return &Cache{ioSvc: ioSvc, path: path}
}

// Save writes h's current principal and subordinates to disk.
func (c *Cache) Save(h *Hierarchy) error {
	var buf bytes.Buffer
	if p, ok := h.Principal(); ok {
		fmt.Fprintln(&buf, p.Addr.String())
	} else {
		fmt.Fprintln(&buf)
	}
	for _, s := range h.Subordinates() {
		fmt.Fprintln(&buf, s.Addr.String())
	}
	node := c.ioSvc.NewIOnode("hierarchy-cache", c.path, 0644)
	return node.WriteFile(buf.Bytes())
}

// Load reads a cached principal address back, if a cache file exists.
// Subordinates are not restored from cache — spec.md §4.H only promises a
// principal to "try to join"; subordinates re-announce themselves via
// probes after restart.
func (c *Cache) Load() (principal string, ok bool, err error) {
	node := c.ioSvc.NewIOnode("hierarchy-cache", c.path, 0644)
	raw, err := node.ReadFile()
	if err != nil {
		return "", false, nil // absent cache is not an error: spec.md §4.H "if any"
	}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	if !scanner.Scan() {
		return "", false, nil
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return "", false, nil
	}
	return line, true, nil
}
