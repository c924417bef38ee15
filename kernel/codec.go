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

package kernel

import (
	"fmt"

	"github.com/nestybox/subordination/application"
	"github.com/nestybox/subordination/kernelbuf"
)

// field bits of the wire format's `fields` byte (spec.md §6).
const (
	fieldSourceAppEmbedded byte = 1 << iota
	fieldTargetAppEmbedded
	fieldSourcePresent
	fieldDestPresent
	fieldResourceFilterPresent
)

// TypeResolver is the subset of registry.Registry the codec needs: mapping a
// Body to its registered wire type id and back. Defined here (rather than
// imported from package registry) so kernel has no dependency on registry —
// registry depends on kernel instead, avoiding an import cycle.
type TypeResolver interface {
	IDFor(body Body) (uint16, error)
	New(id uint16) (Body, error)
}

// ForeignKernel is the opaque envelope spec.md §4.A/§4.D describe: a frame
// whose target application id isn't this daemon's. Its bytes — including
// the outer length header — are retained verbatim so the protocol layer can
// forward them without ever decoding the body.
type ForeignKernel struct {
	TargetAppID uint64
	Header      Header
	Raw         []byte // full frame, length header included
}

// Write frames k (reserving and backfilling its own length header, spec.md
// §4.A) and serializes header fields, type id, common kernel fields and
// k.Body in the order spec.md §4.A mandates. If CarriesParent is set and a
// live parent pointer is available, the parent kernel is written
// identically — recursively, with its own nested frame — immediately after.
func Write(buf *kernelbuf.Buffer, k *Kernel, resolver TypeResolver) error {
	wg := kernelbuf.NewWriteGuard(buf)
	defer wg.Close()

	var fields byte
	if k.SourceApp != nil {
		fields |= fieldSourceAppEmbedded
	}
	if k.TargetApp != nil {
		fields |= fieldTargetAppEmbedded
	}
	if k.Source != nil {
		fields |= fieldSourcePresent
	}
	if k.Destination != nil {
		fields |= fieldDestPresent
	}
	if k.ResourceFilter != "" {
		fields |= fieldResourceFilterPresent
	}
	buf.WriteUint8(fields)

	if k.SourceApp != nil {
		application.Write(buf, k.SourceApp)
	} else {
		buf.WriteUint64BE(k.SourceAppID)
	}
	if k.TargetApp != nil {
		application.Write(buf, k.TargetApp)
	} else {
		buf.WriteUint64BE(k.TargetAppID)
	}
	if k.Source != nil {
		if err := buf.WriteSockAddr(k.Source); err != nil {
			return fmt.Errorf("kernel: writing source address: %w", err)
		}
	}
	if k.Destination != nil {
		if err := buf.WriteSockAddr(k.Destination); err != nil {
			return fmt.Errorf("kernel: writing destination address: %w", err)
		}
	}
	if k.ResourceFilter != "" {
		buf.WriteString(k.ResourceFilter)
	}

	typeID, err := resolver.IDFor(k.Body)
	if err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	buf.WriteUint16BE(typeID)

	writeCommonFields(buf, k)

	if err := k.Body.WriteBody(buf); err != nil {
		return fmt.Errorf("kernel: body write: %w", err)
	}

	if k.Flags.Has(CarriesParent) && k.Parent.HasPointer() {
		if err := Write(buf, k.Parent.Kernel(), resolver); err != nil {
			return fmt.Errorf("kernel: writing embedded parent: %w", err)
		}
	}

	return nil
}

func writeCommonFields(buf *kernelbuf.Buffer, k *Kernel) {
	buf.WriteUint64BE(k.ID)
	buf.WriteUint64BE(k.OldID)
	buf.WriteUint32BE(uint32(int32(k.Result)))
	buf.WriteUint64BE(uint64(k.At.UnixNano()))
	buf.WriteUint32BE(uint32(k.Flags))
	buf.WriteString(k.Path)
	buf.WriteUint32BE(k.Weight)
	buf.WriteUint64BE(k.Parent.ID())
	buf.WriteUint64BE(k.Principal.ID())
}

// Decode reads exactly one frame from buf: either a native Kernel (target
// application id == thisApplicationID) with its Body constructed via
// resolver, or a ForeignKernel carrying the frame's raw bytes untouched for
// forwarding (spec.md §4.A "Reading inverts this"). Returns
// kernelbuf.ErrShortBuffer, unmodified, if buf does not yet hold a complete
// frame — callers driving a receive loop should treat that as "try again
// once more bytes arrive".
func Decode(buf *kernelbuf.Buffer, resolver TypeResolver, thisApplicationID uint64) (*Kernel, *ForeignKernel, error) {
	frameStart := buf.Position()

	rg, err := kernelbuf.NewReadGuard(buf)
	if err != nil {
		return nil, nil, err
	}
	defer rg.Close()
	frameEnd := buf.Limit()

	fields, err := buf.ReadUint8()
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: reading fields byte: %w", err)
	}

	var hdr Header
	if fields&fieldSourceAppEmbedded != 0 {
		app, err := application.Read(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading source application: %w", err)
		}
		hdr.SourceApp = app
		hdr.SourceAppID = app.ID
	} else {
		id, err := buf.ReadUint64BE()
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading source app id: %w", err)
		}
		hdr.SourceAppID = id
	}

	if fields&fieldTargetAppEmbedded != 0 {
		app, err := application.Read(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading target application: %w", err)
		}
		hdr.TargetApp = app
		hdr.TargetAppID = app.ID
	} else {
		id, err := buf.ReadUint64BE()
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading target app id: %w", err)
		}
		hdr.TargetAppID = id
	}

	if fields&fieldSourcePresent != 0 {
		addr, err := buf.ReadSockAddr()
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading source address: %w", err)
		}
		hdr.Source = addr
	}
	if fields&fieldDestPresent != 0 {
		addr, err := buf.ReadSockAddr()
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading destination address: %w", err)
		}
		hdr.Destination = addr
	}
	if fields&fieldResourceFilterPresent != 0 {
		rf, err := buf.ReadString()
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading resource filter: %w", err)
		}
		hdr.ResourceFilter = rf
	}

	if hdr.TargetAppID != thisApplicationID {
		raw := make([]byte, frameEnd-frameStart)
		copy(raw, buf.Bytes()[frameStart:frameEnd])
		buf.SetPosition(frameEnd)
		return nil, &ForeignKernel{TargetAppID: hdr.TargetAppID, Header: hdr, Raw: raw}, nil
	}

	typeID, err := buf.ReadUint16BE()
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: reading type id: %w", err)
	}
	body, err := resolver.New(typeID)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: %w", err)
	}

	k := New(typeID, body)
	k.Header = hdr
	if err := readCommonFields(buf, k); err != nil {
		return nil, nil, err
	}

	if err := body.ReadBody(buf); err != nil {
		return nil, nil, fmt.Errorf("kernel: body read: %w", err)
	}

	if k.Flags.Has(CarriesParent) {
		parent, foreignParent, err := Decode(buf, resolver, thisApplicationID)
		if err != nil {
			return nil, nil, fmt.Errorf("kernel: reading embedded parent: %w", err)
		}
		if foreignParent != nil {
			return nil, nil, fmt.Errorf("kernel: embedded parent is foreign, which is never valid")
		}
		k.Parent = RefKernel(parent)
	}

	return k, nil, nil
}

func readCommonFields(buf *kernelbuf.Buffer, k *Kernel) error {
	var err error
	if k.ID, err = buf.ReadUint64BE(); err != nil {
		return fmt.Errorf("kernel: reading id: %w", err)
	}
	if k.OldID, err = buf.ReadUint64BE(); err != nil {
		return fmt.Errorf("kernel: reading old id: %w", err)
	}
	result, err := buf.ReadUint32BE()
	if err != nil {
		return fmt.Errorf("kernel: reading result: %w", err)
	}
	k.Result = Result(int32(result))
	atNanos, err := buf.ReadUint64BE()
	if err != nil {
		return fmt.Errorf("kernel: reading at: %w", err)
	}
	k.At = unixNano(atNanos)
	flags, err := buf.ReadUint32BE()
	if err != nil {
		return fmt.Errorf("kernel: reading flags: %w", err)
	}
	k.Flags = Flags(flags)
	if k.Path, err = buf.ReadString(); err != nil {
		return fmt.Errorf("kernel: reading path: %w", err)
	}
	if k.Weight, err = buf.ReadUint32BE(); err != nil {
		return fmt.Errorf("kernel: reading weight: %w", err)
	}
	parentID, err := buf.ReadUint64BE()
	if err != nil {
		return fmt.Errorf("kernel: reading parent id: %w", err)
	}
	if parentID != 0 {
		k.Parent = RefID(parentID)
	}
	principalID, err := buf.ReadUint64BE()
	if err != nil {
		return fmt.Errorf("kernel: reading principal id: %w", err)
	}
	if principalID != 0 {
		k.Principal = RefID(principalID)
	}
	return nil
}
