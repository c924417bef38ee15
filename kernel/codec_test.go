package kernel

import (
	"errors"
	"testing"

	"github.com/nestybox/subordination/kernelbuf"
)

var errUnknownType = errors.New("kernel_test: unknown type")

type echoBody struct {
	Msg string
}

func (e *echoBody) Act(k *Kernel) error                  { return nil }
func (e *echoBody) React(k *Kernel, child *Kernel) error { return nil }
func (e *echoBody) Rollback(k *Kernel) error             { return nil }
func (e *echoBody) WriteBody(buf *kernelbuf.Buffer) error {
	buf.WriteString(e.Msg)
	return nil
}
func (e *echoBody) ReadBody(buf *kernelbuf.Buffer) error {
	s, err := buf.ReadString()
	if err != nil {
		return err
	}
	e.Msg = s
	return nil
}

type fakeResolver struct{}

func (fakeResolver) IDFor(body Body) (uint16, error) {
	if _, ok := body.(*echoBody); ok {
		return 7, nil
	}
	return 0, errUnknownType
}

func (fakeResolver) New(id uint16) (Body, error) {
	if id == 7 {
		return &echoBody{}, nil
	}
	return nil, errUnknownType
}

func TestWriteDecodeRoundTripNativeKernel(t *testing.T) {
	k := New(7, &echoBody{Msg: "hello"})
	k.TargetAppID = 42
	k.SourceAppID = 1
	k.Weight = 3
	k.Path = "/a/b"

	buf := kernelbuf.New()
	if err := Write(buf, k, fakeResolver{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf.Flip()

	got, foreign, err := Decode(buf, fakeResolver{}, 42)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if foreign != nil {
		t.Fatalf("expected a native kernel, got a foreign one")
	}
	if got.ID != k.ID || got.Path != "/a/b" || got.Weight != 3 {
		t.Fatalf("got %+v, want id/path/weight to match", got)
	}
	body, ok := got.Body.(*echoBody)
	if !ok {
		t.Fatalf("got body %T, want *echoBody", got.Body)
	}
	if body.Msg != "hello" {
		t.Fatalf("got msg %q, want %q", body.Msg, "hello")
	}
	if buf.Remaining() != 0 {
		t.Fatalf("expected buffer fully drained, remaining=%d", buf.Remaining())
	}
}

func TestDecodeForeignKernelKeepsRawBytes(t *testing.T) {
	k := New(7, &echoBody{Msg: "hello"})
	k.TargetAppID = 99

	buf := kernelbuf.New()
	if err := Write(buf, k, fakeResolver{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf.Flip()
	frameLen := buf.Remaining()

	got, foreign, err := Decode(buf, fakeResolver{}, 42)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no native kernel for a foreign frame")
	}
	if foreign == nil {
		t.Fatalf("expected a ForeignKernel")
	}
	if foreign.TargetAppID != 99 {
		t.Fatalf("got target app %d, want 99", foreign.TargetAppID)
	}
	if len(foreign.Raw) != frameLen {
		t.Fatalf("got raw len %d, want %d", len(foreign.Raw), frameLen)
	}
	if buf.Remaining() != 0 {
		t.Fatalf("expected buffer fully drained, remaining=%d", buf.Remaining())
	}
}

func TestWriteDecodeWithEmbeddedParent(t *testing.T) {
	parent := New(7, &echoBody{Msg: "parent"})
	parent.TargetAppID = 42
	child := New(7, &echoBody{Msg: "child"})
	child.TargetAppID = 42
	parent.CarryParent(child)

	buf := kernelbuf.New()
	if err := Write(buf, child, fakeResolver{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf.Flip()

	got, foreign, err := Decode(buf, fakeResolver{}, 42)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if foreign != nil {
		t.Fatalf("expected a native kernel")
	}
	if got.Parent.Kernel() == nil {
		t.Fatalf("expected embedded parent to be decoded")
	}
	parentBody, ok := got.Parent.Kernel().Body.(*echoBody)
	if !ok || parentBody.Msg != "parent" {
		t.Fatalf("got parent body %+v, want msg=parent", got.Parent.Kernel().Body)
	}
}
