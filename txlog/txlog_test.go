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

package txlog

import (
	"errors"
	"testing"

	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
	"github.com/nestybox/subordination/sysio"
)

var errUnknownType = errors.New("txlog_test: unknown type")

type noopBody struct{ Tag string }

func (*noopBody) Act(*kernel.Kernel) error                  { return nil }
func (*noopBody) React(*kernel.Kernel, *kernel.Kernel) error { return nil }
func (*noopBody) Rollback(*kernel.Kernel) error              { return nil }
func (b *noopBody) WriteBody(buf *kernelbuf.Buffer) error {
	buf.WriteString(b.Tag)
	return nil
}
func (b *noopBody) ReadBody(buf *kernelbuf.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	b.Tag = s
	return nil
}

type fakeResolver struct{}

func (fakeResolver) IDFor(kernel.Body) (uint16, error) { return 11, nil }
func (fakeResolver) New(id uint16) (kernel.Body, error) {
	if id != 11 {
		return nil, errUnknownType
	}
	return &noopBody{}, nil
}

func newSurvivorKernel(id uint64) *kernel.Kernel {
	parent := kernel.New(11, &noopBody{Tag: "parent"})
	parent.ID = id + 1000
	parent.TargetAppID = 1

	k := kernel.New(11, &noopBody{Tag: "child"})
	k.ID = id
	k.TargetAppID = 1
	parent.CarryParent(k)
	return k
}

func TestWriteStartWriteEndCompactsToEmptyFile(t *testing.T) {
	io := sysio.NewMemFileService()
	log, survivors, err := Open(io, "/var/log/subord.txlog", fakeResolver{}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(survivors) != 0 {
		t.Fatalf("expected no survivors on first open, got %d", len(survivors))
	}

	k := newSurvivorKernel(42)
	if err := log.WriteStart(0, k); err != nil {
		t.Fatalf("WriteStart: %v", err)
	}
	if err := log.WriteEnd(k.ID); err != nil {
		t.Fatalf("WriteEnd: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening runs recovery again: every Start has a matching End, so the
	// file must compact to empty and yield no survivors (spec.md §8).
	log2, survivors2, err := Open(io, "/var/log/subord.txlog", fakeResolver{}, 1)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer log2.Close()
	if len(survivors2) != 0 {
		t.Fatalf("expected empty file after compaction, got %d survivors", len(survivors2))
	}

	raw, err := io.NewIOnode("txlog", "/var/log/subord.txlog", 0600).ReadFile()
	if err != nil {
		t.Fatalf("reading compacted file: %v", err)
	}
	if len(raw) != 0 {
		t.Fatalf("expected compacted file to be empty, got %d bytes", len(raw))
	}
}

func TestRecoveryResubmitsUnacknowledgedCarriesParentSurvivor(t *testing.T) {
	io := sysio.NewMemFileService()
	log, _, err := Open(io, "/var/log/subord.txlog", fakeResolver{}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	k := newSurvivorKernel(7)
	if err := log.WriteStart(3, k); err != nil {
		t.Fatalf("WriteStart: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, survivors, err := Open(io, "/var/log/subord.txlog", fakeResolver{}, 1)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("expected exactly one survivor, got %d", len(survivors))
	}
	if survivors[0].Kernel.ID != 7 || survivors[0].PipelineIndex != 3 {
		t.Fatalf("got survivor %+v, want id=7 pipeline_index=3", survivors[0])
	}
	if !survivors[0].Kernel.Parent.HasPointer() {
		t.Fatalf("expected the embedded parent to have been decoded")
	}
}

func TestOpenOnEmptyFileYieldsNoSurvivors(t *testing.T) {
	io := sysio.NewMemFileService()
	log, survivors, err := Open(io, "/var/log/subord.txlog", fakeResolver{}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()
	if len(survivors) != 0 {
		t.Fatalf("expected no survivors opening a nonexistent log, got %d", len(survivors))
	}
}
