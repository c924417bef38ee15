package kernelbuf

import (
	"net"
	"testing"
)

func TestIntegerRoundTrip(t *testing.T) {
	buf := New()
	buf.WriteUint32LE(123)
	buf.Flip()

	v, err := buf.ReadUint32LE()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 123 {
		t.Fatalf("got %d, want 123", v)
	}
	if buf.Remaining() != 0 {
		t.Fatalf("expected buffer fully drained, remaining=%d", buf.Remaining())
	}
}

func TestWriteGuardFramesIntegerAndFlipReadsItBack(t *testing.T) {
	buf := New()

	wg := NewWriteGuard(buf)
	buf.WriteUint32LE(123)
	wg.Close()

	buf.Flip()

	rg, err := NewReadGuard(buf)
	if err != nil {
		t.Fatalf("NewReadGuard: %v", err)
	}
	if rg.Len() != 4 {
		t.Fatalf("frame len = %d, want 4", rg.Len())
	}

	v, err := buf.ReadUint32LE()
	if err != nil {
		t.Fatalf("ReadUint32LE: %v", err)
	}
	if v != 123 {
		t.Fatalf("got %d, want 123", v)
	}

	rg.Close()
	if buf.Remaining() != 0 {
		t.Fatalf("expected no bytes remaining after guard close, got %d", buf.Remaining())
	}
}

func TestEmptyFrameIsDiscarded(t *testing.T) {
	buf := New()
	before := buf.Position()

	wg := NewWriteGuard(buf)
	wg.Close()

	if buf.Position() != before {
		t.Fatalf("position moved from %d to %d on an empty frame", before, buf.Position())
	}
}

func TestReadGuardShortBuffer(t *testing.T) {
	buf := New()
	wg := NewWriteGuard(buf)
	buf.WriteUint64LE(0xdeadbeef)
	wg.Close()

	full := buf.Position()
	buf.Flip()
	buf.SetLimit(full - 1) // simulate a partially-arrived frame

	if _, err := NewReadGuard(buf); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	buf := New()
	buf.WriteString("hello, kernel")
	buf.Flip()

	s, err := buf.ReadString()
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if s != "hello, kernel" {
		t.Fatalf("got %q", s)
	}
}

func TestSockAddrRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		addr net.Addr
	}{
		{"empty", nil},
		{"loopback", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}},
		{"v4", &net.TCPAddr{IP: net.ParseIP("84.10.32.12"), Port: 321}},
		{"unix-abstract", &net.UnixAddr{Net: "unix", Name: "\x00/tmp/.sock"}},
		{"v6", &net.TCPAddr{IP: net.ParseIP("::ffff:127.1.2.3"), Port: 333}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := New()
			if err := buf.WriteSockAddr(tc.addr); err != nil {
				t.Fatalf("WriteSockAddr: %v", err)
			}
			buf.Flip()

			got, err := buf.ReadSockAddr()
			if err != nil {
				t.Fatalf("ReadSockAddr: %v", err)
			}

			switch want := tc.addr.(type) {
			case nil:
				if got != nil {
					t.Fatalf("got %v, want nil", got)
				}
			case *net.TCPAddr:
				gotTCP, ok := got.(*net.TCPAddr)
				if !ok {
					t.Fatalf("got %T, want *net.TCPAddr", got)
				}
				if !gotTCP.IP.Equal(want.IP) || gotTCP.Port != want.Port {
					t.Fatalf("got %v, want %v", gotTCP, want)
				}
			case *net.UnixAddr:
				gotUnix, ok := got.(*net.UnixAddr)
				if !ok {
					t.Fatalf("got %T, want *net.UnixAddr", got)
				}
				if gotUnix.Name != want.Name {
					t.Fatalf("got %q, want %q", gotUnix.Name, want.Name)
				}
			}
		})
	}
}

func TestInterfaceAddressRoundTrip(t *testing.T) {
	ia := InterfaceAddress{
		IP:   net.ParseIP("10.0.0.1").To4(),
		Mask: net.CIDRMask(24, 32),
	}

	buf := New()
	if err := buf.WriteInterfaceAddress(ia); err != nil {
		t.Fatalf("WriteInterfaceAddress: %v", err)
	}
	buf.Flip()

	got, err := buf.ReadInterfaceAddress()
	if err != nil {
		t.Fatalf("ReadInterfaceAddress: %v", err)
	}
	if !got.IP.Equal(ia.IP) {
		t.Fatalf("got IP %v, want %v", got.IP, ia.IP)
	}
	ones, _ := got.Mask.Size()
	wantOnes, _ := ia.Mask.Size()
	if ones != wantOnes {
		t.Fatalf("got mask /%d, want /%d", ones, wantOnes)
	}
}

func TestIPv4IPv6RoundTrip(t *testing.T) {
	buf := New()
	v4 := net.ParseIP("192.168.1.1")
	if err := buf.WriteIPv4(v4); err != nil {
		t.Fatalf("WriteIPv4: %v", err)
	}
	v6 := net.ParseIP("fe80::1")
	if err := buf.WriteIPv6(v6); err != nil {
		t.Fatalf("WriteIPv6: %v", err)
	}
	buf.Flip()

	gotV4, err := buf.ReadIPv4()
	if err != nil {
		t.Fatalf("ReadIPv4: %v", err)
	}
	if !gotV4.Equal(v4) {
		t.Fatalf("got %v, want %v", gotV4, v4)
	}

	gotV6, err := buf.ReadIPv6()
	if err != nil {
		t.Fatalf("ReadIPv6: %v", err)
	}
	if !gotV6.Equal(v6) {
		t.Fatalf("got %v, want %v", gotV6, v6)
	}
}
