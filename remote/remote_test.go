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

package remote

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nestybox/subordination/kernel"
)

var errUnknownType = errors.New("remote_test: unknown type")

type noopResolver struct{}

func (noopResolver) IDFor(kernel.Body) (uint16, error)  { return 1, nil }
func (noopResolver) New(id uint16) (kernel.Body, error) { return nil, errUnknownType }

// listenLoopback opens a throwaway TCP listener that accepts and immediately
// parks each connection (closed when the test ends), standing in for a peer
// daemon so AddClient has something real to dial.
func listenLoopback(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { c.Close() })
		}
	}()
	return ln.Addr()
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(noopResolver{}, 1, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Stop(); p.Wait() })
	return p
}

func TestClientTableReflectsAddRemoveInInsertionOrder(t *testing.T) {
	p := newTestPipeline(t)

	a1 := listenLoopback(t)
	a2 := listenLoopback(t)
	a3 := listenLoopback(t)

	if _, err := p.AddClient(a1); err != nil {
		t.Fatalf("AddClient a1: %v", err)
	}
	if _, err := p.AddClient(a2); err != nil {
		t.Fatalf("AddClient a2: %v", err)
	}
	if _, err := p.AddClient(a3); err != nil {
		t.Fatalf("AddClient a3: %v", err)
	}

	got := p.Clients()
	if len(got) != 3 || got[0].String() != a1.String() || got[1].String() != a2.String() || got[2].String() != a3.String() {
		t.Fatalf("got client order %v, want [%s %s %s]", got, a1, a2, a3)
	}

	if err := p.RemoveClient(a2); err != nil {
		t.Fatalf("RemoveClient a2: %v", err)
	}
	got = p.Clients()
	if len(got) != 2 || got[0].String() != a1.String() || got[1].String() != a3.String() {
		t.Fatalf("after removing a2, got %v, want [%s %s]", got, a1, a3)
	}
}

func TestAddClientIsIdempotent(t *testing.T) {
	p := newTestPipeline(t)
	a1 := listenLoopback(t)

	c1, err := p.AddClient(a1)
	if err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	c2, err := p.AddClient(a1)
	if err != nil {
		t.Fatalf("AddClient (repeat): %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected AddClient to return the existing connection for a duplicate address")
	}
	if len(p.Clients()) != 1 {
		t.Fatalf("expected exactly one client table entry, got %d", len(p.Clients()))
	}
}

func TestWeightedRoundRobinVisitsInProportionToWeight(t *testing.T) {
	p := newTestPipeline(t)
	a1 := listenLoopback(t)
	a2 := listenLoopback(t)

	if _, err := p.AddClient(a1); err != nil {
		t.Fatalf("AddClient a1: %v", err)
	}
	if _, err := p.AddClient(a2); err != nil {
		t.Fatalf("AddClient a2: %v", err)
	}
	if err := p.SetClientWeight(a1, 3); err != nil {
		t.Fatalf("SetClientWeight a1: %v", err)
	}
	if err := p.SetClientWeight(a2, 1); err != nil {
		t.Fatalf("SetClientWeight a2: %v", err)
	}

	counts := map[string]int{}
	p.mu.Lock()
	for i := 0; i < 8; i++ {
		c := p.nextWeightedLocked()
		counts[c.addr.String()]++
	}
	p.mu.Unlock()

	if counts[a1.String()] != 6 || counts[a2.String()] != 2 {
		t.Fatalf("got distribution %v over 2 cycles of weights {3,1}, want {%s:6 %s:2}", counts, a1, a2)
	}
}

func TestSetClientWeightOnUnknownClientFails(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.SetClientWeight(&net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 1}, 5); err == nil {
		t.Fatalf("expected an error setting the weight of an unregistered client")
	}
}
