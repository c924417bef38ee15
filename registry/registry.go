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

// Package registry implements the kernel type registry of spec.md §4.B,
// grounded on the original factory::Types (original_source/src/factory/reg/
// type_registry.hh/.cc): a two-way mapping between a user-chosen stable wire
// type id and the constructor that produces a fresh, empty Body of that
// type so Decode can build one to read into.
package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/nestybox/subordination/kernel"
)

// Constructor builds a fresh, zero-valued Body ready to have ReadBody called
// on it (spec.md §4.B "kernel type descriptor").
type Constructor func() kernel.Body

type entry struct {
	id          uint16
	constructor Constructor
}

// Registry is the process-wide two-way map of kernel.TypeResolver. Safe for
// concurrent use: Register is expected at startup before any pipeline
// worker is running, but lookups happen continuously from every worker
// goroutine thereafter.
type Registry struct {
	mu       sync.RWMutex
	byID     map[uint16]entry
	byGoType map[reflect.Type]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:     make(map[uint16]entry),
		byGoType: make(map[reflect.Type]entry),
	}
}

// Register associates id with constructor, keyed internally also by the Go
// type constructor() produces — so IDFor can work from a live Body value
// without the caller having to track its own id. Re-registering the same id
// with an identical constructor type is idempotent (spec.md §8's "same type
// registered twice is a no-op, not an error"); registering a second,
// different type under an id already in use is rejected.
func (r *Registry) Register(id uint16, constructor Constructor) error {
	if id == 0 {
		return fmt.Errorf("registry: id 0 is reserved")
	}

	sample := constructor()
	if sample == nil {
		return fmt.Errorf("registry: constructor for id %d returned nil", id)
	}
	goType := reflect.TypeOf(sample)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok {
		if reflect.TypeOf(existing.constructor()) == goType {
			return nil
		}
		return fmt.Errorf("registry: id %d already registered to a different type", id)
	}
	if existing, ok := r.byGoType[goType]; ok && existing.id != id {
		return fmt.Errorf("registry: type %s already registered under id %d", goType, existing.id)
	}

	e := entry{id: id, constructor: constructor}
	r.byID[id] = e
	r.byGoType[goType] = e
	return nil
}

// IDFor satisfies kernel.TypeResolver: it reports the wire type id for a
// live Body value, looked up by its Go type.
func (r *Registry) IDFor(body kernel.Body) (uint16, error) {
	if body == nil {
		return 0, fmt.Errorf("registry: nil body has no type id")
	}
	goType := reflect.TypeOf(body)

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byGoType[goType]
	if !ok {
		return 0, fmt.Errorf("registry: type %s is not registered", goType)
	}
	return e.id, nil
}

// New satisfies kernel.TypeResolver: it constructs a fresh Body for id,
// ready for Decode to call ReadBody on.
func (r *Registry) New(id uint16) (kernel.Body, error) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no type registered for id %d", id)
	}
	return e.constructor(), nil
}

// Len reports how many distinct types are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
