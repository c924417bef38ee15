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

// Package txlog implements the crash-recovery transaction log of spec.md
// §4.I: an append-only, frame-per-record file recording in-flight upstream
// kernels, scanned and compacted once at startup before any writer opens
// it. Grounded on `original_source/src/subordination/core/transaction_log.cc`;
// file IO goes through domain.IOServiceIface (sysio, afero-backed) exactly
// as the teacher's own file-backed services do, so recovery is unit-testable
// against an in-memory filesystem.
package txlog

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/subordination/domain"
	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
)

// isNotExist generalizes os.IsNotExist to afero's in-memory filesystem,
// whose MemMapFs does not always wrap errors the way *os.PathError does.
func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if os.IsNotExist(err) {
		return true
	}
	return strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "no such file")
}

// status mirrors spec.md §3's transaction record `status` field.
type status uint8

const (
	statusStart status = iota
	statusEnd
)

// Log is the transaction log of spec.md §4.I.
type Log struct {
	mu       sync.Mutex
	io       domain.IOServiceIface
	node     domain.IOnodeIface
	path     string
	resolver kernel.TypeResolver
	thisApp  uint64
}

var _ domain.TxLogIface = (*Log)(nil)

// Open opens (creating if absent) the log at path and runs recovery
// synchronously if it is non-empty, per spec.md §9's "recovery runs before
// the pipeline opens, single-writer" resolution. The returned Log is ready
// for WriteStart/WriteEnd once the caller has resubmitted the returned
// survivors.
func Open(io domain.IOServiceIface, path string, resolver kernel.TypeResolver, thisApp uint64) (*Log, []domain.Survivor, error) {
	l := &Log{io: io, path: path, resolver: resolver, thisApp: thisApp}
	l.node = io.NewIOnode("txlog", path, 0600)

	raw, err := l.node.ReadFile()
	if isNotExist(err) {
		return l, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("txlog: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return l, nil, nil
	}

	survivors, err := l.recover(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("txlog: recovering %s: %w", path, err)
	}
	return l, survivors, nil
}

// WriteStart implements spec.md §4.I: append a Start record carrying the
// kernel and the pipeline index recovery should resubmit it to.
func (l *Log) WriteStart(pipelineIndex uint16, k *kernel.Kernel) error {
	return l.append(statusStart, pipelineIndex, k, 0)
}

// WriteEnd implements spec.md §4.I: append an End record carrying only the
// kernel id; later compaction drops every Start record sharing that id.
func (l *Log) WriteEnd(id uint64) error {
	return l.append(statusEnd, 0, nil, id)
}

func (l *Log) append(st status, pipelineIndex uint16, k *kernel.Kernel, endID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := kernelbuf.New()
	wg := kernelbuf.NewWriteGuard(buf)
	buf.WriteUint8(uint8(st))
	buf.WriteUint16BE(pipelineIndex)
	if st == statusEnd {
		buf.WriteUint64BE(endID)
	} else {
		if err := kernel.Write(buf, k, l.resolver); err != nil {
			wg.Close()
			return fmt.Errorf("txlog: encoding start record: %w", err)
		}
	}
	wg.Close()

	buf.Flip()
	if err := l.node.Append(buf.Bytes()[buf.Position():buf.Limit()]); err != nil {
		return fmt.Errorf("txlog: appending record: %w", err)
	}
	return nil
}

// record is one decoded frame from the log file, before compaction.
type record struct {
	status        status
	pipelineIndex uint16
	kernelID      uint64 // populated for both start (from k.ID) and end
	k             *kernel.Kernel
}

// recover implements spec.md §4.I's scan-compact-resubmit procedure: for
// each End id, drop every Start record sharing it; rewrite survivors to
// `<file>.new` and atomically rename over `<file>`; return, among the
// survivors, those eligible for resubmission (CarriesParent set and a
// pipeline index recorded).
func (l *Log) recover(raw []byte) ([]domain.Survivor, error) {
	buf := kernelbuf.NewFromBytes(raw)

	var starts []record
	ended := make(map[uint64]bool)

	for buf.Remaining() > 0 {
		rg, err := kernelbuf.NewReadGuard(buf)
		if err == kernelbuf.ErrShortBuffer {
			break
		}
		if err != nil {
			logrus.WithError(err).Warn("txlog: dropping malformed trailing record during recovery")
			break
		}

		st, err := buf.ReadUint8()
		if err != nil {
			rg.Close()
			break
		}
		pipelineIndex, err := buf.ReadUint16BE()
		if err != nil {
			rg.Close()
			break
		}

		if status(st) == statusEnd {
			id, err := buf.ReadUint64BE()
			rg.Close()
			if err != nil {
				break
			}
			ended[id] = true
			continue
		}

		k, foreign, err := kernel.Decode(buf, l.resolver, l.thisApp)
		rg.Close()
		if err != nil {
			logrus.WithError(err).Warn("txlog: dropping undecodable start record during recovery")
			continue
		}
		if foreign != nil {
			// A foreign kernel has no type on this node; there is nothing
			// to resubmit it to locally, so it is dropped like any other
			// unrecoverable survivor (spec.md §4.I "dropped").
			continue
		}
		starts = append(starts, record{status: statusStart, pipelineIndex: pipelineIndex, kernelID: k.ID, k: k})
	}

	var keep []record
	for _, r := range starts {
		if ended[r.kernelID] {
			continue
		}
		keep = append(keep, r)
	}

	if err := l.rewrite(keep); err != nil {
		return nil, err
	}

	var survivors []domain.Survivor
	for _, r := range keep {
		if r.k.Flags.Has(kernel.CarriesParent) {
			survivors = append(survivors, domain.Survivor{PipelineIndex: r.pipelineIndex, Kernel: r.k})
		}
	}
	return survivors, nil
}

// rewrite implements the "rewrite the remaining records into <file>.new and
// atomically rename over <file>" step of spec.md §4.I.
func (l *Log) rewrite(keep []record) error {
	buf := kernelbuf.New()
	for _, r := range keep {
		wg := kernelbuf.NewWriteGuard(buf)
		buf.WriteUint8(uint8(statusStart))
		buf.WriteUint16BE(r.pipelineIndex)
		if err := kernel.Write(buf, r.k, l.resolver); err != nil {
			wg.Close()
			return fmt.Errorf("txlog: re-encoding survivor %d: %w", r.kernelID, err)
		}
		wg.Close()
	}

	newPath := l.path + ".new"
	newNode := l.io.NewIOnode("txlog-new", newPath, 0600)
	buf.Flip()
	if err := newNode.WriteFile(buf.Bytes()[buf.Position():buf.Limit()]); err != nil {
		return fmt.Errorf("txlog: writing %s: %w", newPath, err)
	}
	if err := newNode.Rename(l.path); err != nil {
		return fmt.Errorf("txlog: renaming %s over %s: %w", newPath, l.path, err)
	}
	l.node = l.io.NewIOnode("txlog", l.path, 0600)
	return nil
}

// Recover satisfies domain.TxLogIface: it re-reads the log file and runs
// the same scan-and-compact procedure Open runs. Production callers use the
// survivors already returned by Open. Start records with no matching End
// stay in the file after compaction, so a later Recover reports those
// survivors again.
func (l *Log) Recover() ([]domain.Survivor, error) {
	l.mu.Lock()
	raw, err := l.node.ReadFile()
	l.mu.Unlock()
	if isNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("txlog: reading %s: %w", l.path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recover(raw)
}

// Close releases the log's file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.node.Close()
}
