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

// Package kernel implements the unit-of-work object model of spec.md §3/§4.B:
// the Kernel record, its parent/principal lineage, its derived phase, and the
// handle operations (Call, CarryParent, ReturnToParent, Recurse) kernels use
// to move through the runtime.
package kernel

import (
	"net"
	"time"

	"github.com/nestybox/subordination/application"
	"github.com/nestybox/subordination/kernelbuf"
)

// Result mirrors spec.md §3's result enum. Undefined means "not yet executed";
// every other value is a terminal outcome delivered to a principal.
type Result int32

const (
	Undefined Result = iota
	Success
	Error
	EndpointNotConnected
	NoPrincipalFound
)

func (r Result) String() string {
	switch r {
	case Undefined:
		return "undefined"
	case Success:
		return "success"
	case Error:
		return "error"
	case EndpointNotConnected:
		return "endpoint-not-connected"
	case NoPrincipalFound:
		return "no-principal-found"
	default:
		return "unknown"
	}
}

// Flags is the kernel bitset of spec.md §3.
type Flags uint32

const (
	CarriesParent Flags = 1 << iota
	DoNotDelete
	ParentIsID
	PrincipalIsID
	Deleted
	PriorityService
	WriteTransactionLog
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Phase is the derived direction of travel of spec.md §3/§4.B.
type Phase int

const (
	PhaseUpstream Phase = iota
	PhaseDownstream
	PhasePointToPoint
	PhaseBroadcast
)

func (p Phase) String() string {
	switch p {
	case PhaseUpstream:
		return "upstream"
	case PhaseDownstream:
		return "downstream"
	case PhasePointToPoint:
		return "point-to-point"
	case PhaseBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Ref is the tagged union of spec.md §3: a parent or principal is either a
// live in-process pointer to another Kernel, or just its id (e.g. right
// after being read off the wire, before the instance registry has resolved
// it — see kernel.hh's "arena + ids" note in spec.md §9). Exactly one form
// is meaningful at a time; IsSet reports whether either is.
type Ref struct {
	id uint64
	k  *Kernel
}

// RefID builds an id-only reference.
func RefID(id uint64) Ref { return Ref{id: id} }

// RefKernel builds a pointer reference, capturing the referent's id too so
// serialization never loses it even if the pointer is later dropped.
func RefKernel(k *Kernel) Ref {
	if k == nil {
		return Ref{}
	}
	return Ref{id: k.ID, k: k}
}

func (r Ref) IsSet() bool      { return r.id != 0 || r.k != nil }
func (r Ref) HasPointer() bool { return r.k != nil }
func (r Ref) Kernel() *Kernel  { return r.k }

func (r Ref) ID() uint64 {
	if r.k != nil {
		return r.k.ID
	}
	return r.id
}

// Resolve attaches a live pointer to an id-only reference once the instance
// registry has found the referent (spec.md §4.D "plug the parent").
func (r *Ref) Resolve(k *Kernel) {
	r.k = k
	if k != nil {
		r.id = k.ID
	}
}

// Header carries the optional fields of spec.md §3/§6, present only when the
// corresponding `fields` bitmask bit is set on the wire.
type Header struct {
	SourceApp      *application.Application
	SourceAppID    uint64
	TargetApp      *application.Application
	TargetAppID    uint64
	Source         net.Addr
	Destination    net.Addr
	ResourceFilter string
}

// Handler is the polymorphic behavior a registered kernel type supplies
// (spec.md §4.B). Act performs the computation or spawns subordinates;
// React handles a completing subordinate kernel (invoked on the principal);
// Rollback releases partial side effects after an exception escaping Act or
// React, before the kernel bounces back to its parent with Result = Error.
type Handler interface {
	Act(k *Kernel) error
	React(k *Kernel, child *Kernel) error
	Rollback(k *Kernel) error
}

// Body is what a user registers a constructor for (spec.md §4.B "Kernel type
// descriptor"): the kernel-type-specific fields plus behavior plus the
// ability to serialize itself. TypeID is stable and chosen by the user at
// registration time, never derived from Go's type system (no RTTI on the
// wire, spec.md §9).
type Body interface {
	Handler
	WriteBody(buf *kernelbuf.Buffer) error
	ReadBody(buf *kernelbuf.Buffer) error
}

// Kernel is the spec.md §3 record. It is a plain value, not an interface:
// the polymorphism lives entirely in the embedded Body.
type Kernel struct {
	ID     uint64
	OldID  uint64
	Result Result
	At     time.Time
	Flags  Flags
	Path   string
	Weight uint32
	TypeID uint16

	Parent    Ref
	Principal Ref

	Header

	Body Body
}

// New constructs a kernel wrapping the given body, with Parent/Principal
// unset, so Phase() reports PhaseBroadcast until a parent is attached.
func New(typeID uint16, body Body) *Kernel {
	return &Kernel{TypeID: typeID, Body: body}
}

// Phase derives the direction of travel from the (result==Undefined?,
// principal?, parent?) triple exactly as spec.md §3 mandates:
//
//	upstream        ⇔  undefined ∧ ¬principal ∧  parent
//	downstream      ⇔  defined   ∧  principal ∧  parent
//	point-to-point  ⇔  undefined ∧  principal ∧  parent
//	broadcast       ⇔  ¬principal ∧ ¬parent
func (k *Kernel) Phase() Phase {
	undefined := k.Result == Undefined
	hasPrincipal := k.Principal.IsSet()
	hasParent := k.Parent.IsSet()

	switch {
	case !hasPrincipal && !hasParent:
		return PhaseBroadcast
	case undefined && !hasPrincipal && hasParent:
		return PhaseUpstream
	case !undefined && hasPrincipal && hasParent:
		return PhaseDownstream
	case undefined && hasPrincipal && hasParent:
		return PhasePointToPoint
	default:
		// any other combination (a principal without a parent, or a
		// defined result with a parent but no principal): treat as a final,
		// un-returnable result (closest to point-to-point bookkeeping-wise,
		// callers should check Result before reading Phase in this case).
		return PhasePointToPoint
	}
}

// Call attaches k as the parent of child (spec.md §4.B).
func (k *Kernel) Call(child *Kernel) {
	child.Parent = RefKernel(k)
}

// CarryParent attaches k as child's parent and marks child so the parent is
// embedded in the same packet on the wire (spec.md §4.B/§6).
func (k *Kernel) CarryParent(child *Kernel) {
	k.Call(child)
	child.Flags |= CarriesParent
}

// ReturnToParent sets principal := parent and result := code, mirroring the
// kernel's source address to its destination if one is set, the way a
// point-to-point reply retraces its own path (spec.md §4.B).
func (k *Kernel) ReturnToParent(code Result) {
	k.Principal = k.Parent
	k.Result = code
	if k.Source != nil {
		k.Destination = k.Source
	}
}

// Recurse sets principal := self: the next completion of this kernel is
// delivered back to itself rather than to its parent (spec.md §4.B).
func (k *Kernel) Recurse() {
	k.Principal = RefKernel(k)
}

// unixNano converts a wire-format nanosecond timestamp back into a time.Time,
// the inverse of writeCommonFields' k.At.UnixNano().
func unixNano(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}

// Native reports whether this kernel targets the given application id —
// i.e. whether it is a native kernel for the daemon holding that id, versus
// a foreign kernel only eligible for forwarding (spec.md glossary).
func (k *Kernel) Native(thisApplicationID uint64) bool {
	target := k.TargetAppID
	if k.TargetApp != nil {
		target = k.TargetApp.ID
	}
	return target == thisApplicationID
}
