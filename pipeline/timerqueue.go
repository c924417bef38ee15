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

package pipeline

import (
	"container/heap"

	"github.com/nestybox/subordination/kernel"
)

// timerQueue is a min-heap of kernels ordered by At ascending (spec.md §4.C
// "timer queue (priority, ordered by at ascending)").
type timerQueue []*kernel.Kernel

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].At.Before(q[j].At) }
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x interface{}) { *q = append(*q, x.(*kernel.Kernel)) }

func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	k := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return k
}

var _ heap.Interface = (*timerQueue)(nil)
