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

package domain

import "github.com/nestybox/subordination/kernel"

// TxLogIface is the crash-recovery transaction log of spec.md §4.I.
type TxLogIface interface {
	// WriteStart records k as in-flight on the pipeline identified by
	// pipelineIndex.
	WriteStart(pipelineIndex uint16, k *kernel.Kernel) error

	// WriteEnd records that k.ID has been durably acknowledged downstream;
	// later compaction drops its Start record.
	WriteEnd(id uint64) error

	// Recover runs the scan-compact-resubmit procedure of spec.md §4.I and
	// returns the survivors eligible for resubmission (CarriesParent and a
	// valid pipeline index). It must be called before any writer opens the
	// log (spec.md §9 "recovery runs before the pipeline opens").
	Recover() ([]Survivor, error)

	Close() error
}

// Survivor is a transaction-log Start record that outlived compaction and
// is eligible for resubmission.
type Survivor struct {
	PipelineIndex uint16
	Kernel        *kernel.Kernel
}
