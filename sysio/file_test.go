package sysio

import (
	"testing"

	"github.com/nestybox/subordination/domain"
)

func TestFileWriteReadRoundTrip(t *testing.T) {
	svc := NewMemFileService()
	node := svc.NewIOnode("record", "/var/lib/subordd/record.log", 0600)

	if err := node.WriteFile([]byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := node.ReadFile()
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestFileAppend(t *testing.T) {
	svc := NewMemFileService()
	node := svc.NewIOnode("log", "/var/lib/subordd/tx.log", 0600)

	if err := node.Append([]byte("a")); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if err := node.Append([]byte("b")); err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	got, err := node.ReadFile()
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "ab" {
		t.Fatalf("got %q, want %q", got, "ab")
	}
}

func TestFileRename(t *testing.T) {
	svc := NewMemFileService()
	node := svc.NewIOnode("log", "/var/lib/subordd/tx.log", 0600)
	if err := node.WriteFile([]byte("x")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := node.Rename("/var/lib/subordd/tx.log.new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if node.Path() != "/var/lib/subordd/tx.log.new" {
		t.Fatalf("Path() = %q after rename", node.Path())
	}
	if _, err := node.Stat(); err != nil {
		t.Fatalf("Stat after rename: %v", err)
	}
}

func TestServiceTypes(t *testing.T) {
	if NewOsFileService().GetServiceType() != domain.IOOsFileService {
		t.Fatalf("NewOsFileService should report IOOsFileService")
	}
	if NewMemFileService().GetServiceType() != domain.IOMemFileService {
		t.Fatalf("NewMemFileService should report IOMemFileService")
	}
}
