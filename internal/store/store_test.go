package store

import (
	"testing"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
)

func TestMutateCreatesAndSets(t *testing.T) {
	s := New()
	_, created := s.Mutate("doc.txt", func(d *document.Document) {
		d.SetWhole("hello")
	})
	if !created {
		t.Fatal("expected doc.txt to be created on first Mutate")
	}

	d, ok := s.Get("doc.txt")
	if !ok {
		t.Fatal("expected doc.txt to exist")
	}
	if d.Snapshot() != "hello" {
		t.Fatalf("Snapshot() = %q, want hello", d.Snapshot())
	}

	_, created = s.Mutate("doc.txt", func(d *document.Document) {
		d.SetWhole("bar")
	})
	if created {
		t.Fatal("expected doc.txt to already exist on second Mutate")
	}
}

func TestExists(t *testing.T) {
	s := New()
	if s.Exists("doc.txt") {
		t.Fatal("doc.txt should not exist yet")
	}
	s.Mutate("doc.txt", func(d *document.Document) { d.SetWhole("x") })
	if !s.Exists("doc.txt") {
		t.Fatal("doc.txt should exist after Mutate")
	}
}

func TestSetOperations(t *testing.T) {
	s := New()
	if !s.SAdd("notifications", "127.0.0.1:5000") {
		t.Fatal("expected SAdd to report newly added")
	}
	if s.SAdd("notifications", "127.0.0.1:5000") {
		t.Fatal("expected SAdd to report already present")
	}
	if s.SCard("notifications") != 1 {
		t.Fatalf("SCard = %d, want 1", s.SCard("notifications"))
	}
	if !s.SRem("notifications", "127.0.0.1:5000") {
		t.Fatal("expected SRem to report removed")
	}
	if s.SCard("notifications") != 0 {
		t.Fatalf("SCard after SRem = %d, want 0", s.SCard("notifications"))
	}
}

func TestKeys(t *testing.T) {
	s := New()
	s.Mutate("a.txt", func(d *document.Document) {})
	s.Mutate("b.txt", func(d *document.Document) {})
	keys := s.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", keys)
	}
}
