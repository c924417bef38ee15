package registry

import (
	"testing"

	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
)

type pingBody struct {
	Payload string
}

func (p *pingBody) Act(k *kernel.Kernel) error                  { return nil }
func (p *pingBody) React(k *kernel.Kernel, child *kernel.Kernel) error { return nil }
func (p *pingBody) Rollback(k *kernel.Kernel) error             { return nil }
func (p *pingBody) WriteBody(buf *kernelbuf.Buffer) error {
	buf.WriteString(p.Payload)
	return nil
}
func (p *pingBody) ReadBody(buf *kernelbuf.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	p.Payload = s
	return nil
}

type pongBody struct{}

func (p *pongBody) Act(k *kernel.Kernel) error                  { return nil }
func (p *pongBody) React(k *kernel.Kernel, child *kernel.Kernel) error { return nil }
func (p *pongBody) Rollback(k *kernel.Kernel) error             { return nil }
func (p *pongBody) WriteBody(buf *kernelbuf.Buffer) error       { return nil }
func (p *pongBody) ReadBody(buf *kernelbuf.Buffer) error        { return nil }

func TestRegisterAndResolveRoundTrip(t *testing.T) {
	r := New()
	if err := r.Register(1, func() kernel.Body { return &pingBody{} }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	id, err := r.IDFor(&pingBody{Payload: "hi"})
	if err != nil {
		t.Fatalf("IDFor: %v", err)
	}
	if id != 1 {
		t.Fatalf("got id %d, want 1", id)
	}

	body, err := r.New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := body.(*pingBody); !ok {
		t.Fatalf("New(1) returned %T, want *pingBody", body)
	}
}

func TestRegisterSameTypeTwiceIsANoOp(t *testing.T) {
	r := New()
	ctor := func() kernel.Body { return &pingBody{} }
	if err := r.Register(1, ctor); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(1, ctor); err != nil {
		t.Fatalf("second Register should be a no-op, got error: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegisterConflictingIDRejected(t *testing.T) {
	r := New()
	if err := r.Register(1, func() kernel.Body { return &pingBody{} }); err != nil {
		t.Fatalf("Register ping: %v", err)
	}
	if err := r.Register(1, func() kernel.Body { return &pongBody{} }); err == nil {
		t.Fatalf("expected error registering a second type under id 1")
	}
}

func TestIDForUnregisteredTypeErrors(t *testing.T) {
	r := New()
	if _, err := r.IDFor(&pingBody{}); err == nil {
		t.Fatalf("expected error for unregistered type")
	}
}

func TestNewUnknownIDErrors(t *testing.T) {
	r := New()
	if _, err := r.New(99); err == nil {
		t.Fatalf("expected error for unknown id")
	}
}
