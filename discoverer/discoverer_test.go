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
	"net"
	"testing"
)

func TestTreeAddressIteratorSkipsOwnOffsetAndIsBFSOrdered(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("10.0.0.0/24")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	it := newTreeAddressIterator(ipnet, 4)

	// Offset 0 (the subnet's own root address) must never be produced; a
	// complete F-ary tree's BFS order over 1-indexed offsets is exactly
	// the ascending offset sequence, regardless of fanout (spec.md §4.H).
	var got []string
	for i := 0; i < 10; i++ {
		ip := it.Next()
		if ip == nil {
			t.Fatalf("Next() returned nil early at i=%d", i)
		}
		got = append(got, ip.String())
	}
	want := []string{
		"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5",
		"10.0.0.6", "10.0.0.7", "10.0.0.8", "10.0.0.9", "10.0.0.10",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestTreeAddressIteratorExhaustsSmallSubnet(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("10.0.0.0/30") // 2 host bits: offsets 1..3
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	it := newTreeAddressIterator(ipnet, 4)

	var count int
	for {
		ip := it.Next()
		if ip == nil {
			break
		}
		count++
		if count > 10 {
			t.Fatalf("iterator did not terminate at the subnet boundary")
		}
	}
	if count != 3 {
		t.Fatalf("got %d candidates, want 3 (offsets 1..3)", count)
	}
}

// TestHierarchyWeightsConverge builds, by hand, the 4-node tree spec.md §8
// scenario 6 describes (fanout=2; 10.0.0.1 has subordinates {2,3}; 10.0.0.2
// has subordinate {4}) and asserts the weight each node would compute and
// broadcast: leaves weigh 1, a node's weight is 1 + the sum of its
// subordinates' advertised weights.
func TestHierarchyWeightsConverge(t *testing.T) {
	addr := func(host string) net.Addr { return &net.TCPAddr{IP: net.ParseIP(host), Port: 9555} }

	h4 := NewHierarchy(addr("10.0.0.4"), 9555, addr("10.0.0.4"))
	if h4.Weight() != 1 {
		t.Fatalf("leaf 10.0.0.4 weight = %d, want 1", h4.Weight())
	}

	h3 := NewHierarchy(addr("10.0.0.3"), 9555, addr("10.0.0.3"))
	if h3.Weight() != 1 {
		t.Fatalf("leaf 10.0.0.3 weight = %d, want 1", h3.Weight())
	}

	h2 := NewHierarchy(addr("10.0.0.2"), 9555, addr("10.0.0.2"))
	if err := h2.AddSubordinate(addr("10.0.0.4"), h4.Weight()); err != nil {
		t.Fatalf("AddSubordinate: %v", err)
	}
	if got := h2.Weight(); got != 2 {
		t.Fatalf("10.0.0.2 weight = %d, want 2", got)
	}

	h1 := NewHierarchy(addr("10.0.0.1"), 9555, addr("10.0.0.1"))
	if err := h1.AddSubordinate(addr("10.0.0.2"), h2.Weight()); err != nil {
		t.Fatalf("AddSubordinate: %v", err)
	}
	if err := h1.AddSubordinate(addr("10.0.0.3"), h3.Weight()); err != nil {
		t.Fatalf("AddSubordinate: %v", err)
	}
	if got := h1.Weight(); got != 4 {
		t.Fatalf("10.0.0.1 weight = %d, want 4", got)
	}
	if got := h1.NumSubordinates(); got != 2 {
		t.Fatalf("10.0.0.1 subordinate count = %d, want 2", got)
	}
}

// TestApplySubordinateWeightDropsStaleGeneration covers spec.md §9 "(NEW)"
// weight-broadcast stale-drop: an update whose generation does not advance
// past the last one applied for that subordinate is ignored, even though
// the weight value itself differs.
func TestApplySubordinateWeightDropsStaleGeneration(t *testing.T) {
	addr := func(host string) net.Addr { return &net.TCPAddr{IP: net.ParseIP(host), Port: 9555} }
	self := addr("10.0.0.1")
	h := NewHierarchy(self, 9555, self)
	sub := addr("10.0.0.2")

	if err := h.AddSubordinate(sub, 1); err != nil {
		t.Fatalf("AddSubordinate: %v", err)
	}

	if changed := h.ApplySubordinateWeight(sub, 5, 10); !changed {
		t.Fatalf("expected a newer generation to apply")
	}
	if got := h.Weight(); got != 6 {
		t.Fatalf("weight after first update = %d, want 6", got)
	}

	if changed := h.ApplySubordinateWeight(sub, 99, 3); changed {
		t.Fatalf("expected a stale (older) generation to be dropped")
	}
	if got := h.Weight(); got != 6 {
		t.Fatalf("weight after stale update = %d, want unchanged 6", got)
	}
}

func TestHierarchyNeverDuplicatesAddressAsPrincipalAndSubordinate(t *testing.T) {
	addr := func(host string) net.Addr { return &net.TCPAddr{IP: net.ParseIP(host), Port: 9555} }
	self := addr("10.0.0.1")
	h := NewHierarchy(self, 9555, self)

	if err := h.AddSubordinate(addr("10.0.0.2"), 1); err != nil {
		t.Fatalf("AddSubordinate: %v", err)
	}
	h.SetPrincipal(addr("10.0.0.2"), 1)
	if h.HasSubordinate(addr("10.0.0.2")) {
		t.Fatalf("10.0.0.2 promoted to principal must be removed from subordinates")
	}

	if err := h.AddSubordinate(self, 1); err == nil {
		t.Fatalf("expected AddSubordinate to refuse the node's own address")
	}
}
