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

package kernelbuf

import (
	"fmt"
	"net"
)

// Address family tags used inside the length-prefixed SocketAddress blob
// (spec.md §6: "[u16 len][len bytes of sockaddr_*]"). Go has no portable
// struct sockaddr_* to mirror byte-for-byte, so the blob is a small
// self-describing encoding instead: one tag byte followed by
// family-specific bytes.
const (
	famNone byte = iota
	famInet4
	famInet6
	famUnix
)

// WriteIPv4 writes a bare 4-byte IPv4 address (spec.md §4.A).
func (b *Buffer) WriteIPv4(ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		return fmt.Errorf("kernelbuf: %v is not an IPv4 address", ip)
	}
	b.WriteBytes(v4)
	return nil
}

func (b *Buffer) ReadIPv4() (net.IP, error) {
	p, err := b.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	return net.IP(p), nil
}

// WriteIPv6 writes a bare 16-byte IPv6 address.
func (b *Buffer) WriteIPv6(ip net.IP) error {
	v6 := ip.To16()
	if v6 == nil {
		return fmt.Errorf("kernelbuf: %v is not a valid IP address", ip)
	}
	b.WriteBytes(v6)
	return nil
}

func (b *Buffer) ReadIPv6() (net.IP, error) {
	p, err := b.ReadBytes(16)
	if err != nil {
		return nil, err
	}
	return net.IP(p), nil
}

// InterfaceAddress is an IP address plus its subnet mask, used by the
// discoverer to describe the local interface it is scanning from.
type InterfaceAddress struct {
	IP   net.IP
	Mask net.IPMask
}

func (ia InterfaceAddress) String() string {
	ones, _ := ia.Mask.Size()
	return fmt.Sprintf("%s/%d", ia.IP.String(), ones)
}

// WriteInterfaceAddress writes an address + netmask pair: a family byte
// followed by IP bytes and mask bytes of matching width.
func (b *Buffer) WriteInterfaceAddress(ia InterfaceAddress) error {
	if v4 := ia.IP.To4(); v4 != nil {
		b.WriteUint8(famInet4)
		b.WriteBytes(v4)
		mask := ia.Mask
		if len(mask) == 16 {
			mask = mask[12:]
		}
		if len(mask) != 4 {
			return fmt.Errorf("kernelbuf: invalid IPv4 mask length %d", len(mask))
		}
		b.WriteBytes(mask)
		return nil
	}
	v6 := ia.IP.To16()
	if v6 == nil {
		return fmt.Errorf("kernelbuf: %v is not a valid IP address", ia.IP)
	}
	b.WriteUint8(famInet6)
	b.WriteBytes(v6)
	if len(ia.Mask) != 16 {
		return fmt.Errorf("kernelbuf: invalid IPv6 mask length %d", len(ia.Mask))
	}
	b.WriteBytes(ia.Mask)
	return nil
}

func (b *Buffer) ReadInterfaceAddress() (InterfaceAddress, error) {
	fam, err := b.ReadUint8()
	if err != nil {
		return InterfaceAddress{}, err
	}
	switch fam {
	case famInet4:
		ip, err := b.ReadBytes(4)
		if err != nil {
			return InterfaceAddress{}, err
		}
		mask, err := b.ReadBytes(4)
		if err != nil {
			return InterfaceAddress{}, err
		}
		return InterfaceAddress{IP: net.IP(ip), Mask: net.IPMask(mask)}, nil
	case famInet6:
		ip, err := b.ReadBytes(16)
		if err != nil {
			return InterfaceAddress{}, err
		}
		mask, err := b.ReadBytes(16)
		if err != nil {
			return InterfaceAddress{}, err
		}
		return InterfaceAddress{IP: net.IP(ip), Mask: net.IPMask(mask)}, nil
	default:
		return InterfaceAddress{}, fmt.Errorf("kernelbuf: unknown interface-address family %d", fam)
	}
}

// WriteSockAddr writes a length-prefixed, family-discriminated socket
// address: TCPAddr and UDPAddr encode as inet4/inet6 + port, UnixAddr
// encodes as a raw path (including a leading NUL byte for Linux abstract
// sockets, which net.UnixAddr.Name already carries verbatim). A nil addr
// writes a zero-length blob.
func (b *Buffer) WriteSockAddr(addr net.Addr) error {
	if addr == nil {
		b.WriteUint16BE(0)
		return nil
	}

	inner := New()
	switch a := addr.(type) {
	case *net.TCPAddr:
		if err := writeIPPort(inner, a.IP, a.Port); err != nil {
			return err
		}
	case *net.UDPAddr:
		if err := writeIPPort(inner, a.IP, a.Port); err != nil {
			return err
		}
	case *net.UnixAddr:
		inner.WriteUint8(famUnix)
		inner.WriteBytes([]byte(a.Name))
	default:
		return fmt.Errorf("kernelbuf: unsupported socket address type %T", addr)
	}

	if inner.Position() > 0xFFFF {
		return fmt.Errorf("kernelbuf: socket address too long (%d bytes)", inner.Position())
	}
	b.WriteUint16BE(uint16(inner.Position()))
	b.WriteBytes(inner.buf[:inner.Position()])
	return nil
}

func writeIPPort(inner *Buffer, ip net.IP, port int) error {
	if v4 := ip.To4(); v4 != nil {
		inner.WriteUint8(famInet4)
		inner.WriteBytes(v4)
		inner.WriteUint16BE(uint16(port))
		return nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return fmt.Errorf("kernelbuf: %v is not a valid IP address", ip)
	}
	inner.WriteUint8(famInet6)
	inner.WriteBytes(v6)
	inner.WriteUint16BE(uint16(port))
	return nil
}

// ReadSockAddr reads back whatever WriteSockAddr wrote. A zero-length blob
// decodes to a nil net.Addr (the `{}` fixture in spec.md §8 scenario 4).
// IPv4 and IPv6 entries always decode as *net.TCPAddr, so a UDPAddr comes
// back as a TCPAddr with the same IP and port.
func (b *Buffer) ReadSockAddr() (net.Addr, error) {
	n, err := b.ReadUint16BE()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	raw, err := b.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	inner := NewFromBytes(raw)

	fam, err := inner.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch fam {
	case famInet4:
		ip, err := inner.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		port, err := inner.ReadUint16BE()
		if err != nil {
			return nil, err
		}
		return &net.TCPAddr{IP: net.IP(ip), Port: int(port)}, nil
	case famInet6:
		ip, err := inner.ReadBytes(16)
		if err != nil {
			return nil, err
		}
		port, err := inner.ReadUint16BE()
		if err != nil {
			return nil, err
		}
		return &net.TCPAddr{IP: net.IP(ip), Port: int(port)}, nil
	case famUnix:
		path := raw[1:]
		return &net.UnixAddr{Name: string(path), Net: "unix"}, nil
	default:
		return nil, fmt.Errorf("kernelbuf: unknown socket-address family %d", fam)
	}
}
