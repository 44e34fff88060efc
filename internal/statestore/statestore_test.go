package statestore

import (
	"context"
	"testing"

	"dedupvol/internal/kvindex/memhash"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(memhash.New())

	if err := s.Save(ctx, "blockindex.checkpoint", []byte("hello")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Load(ctx, "blockindex.checkpoint")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestLoadMissingReturnsNotOK(t *testing.T) {
	ctx := context.Background()
	s := New(memhash.New())

	_, ok, err := s.Load(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing checkpoint")
	}
}

func TestSaveOverwritesPriorValue(t *testing.T) {
	ctx := context.Background()
	s := New(memhash.New())

	if err := s.Save(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "k", []byte("second, longer")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Load(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if string(got) != "second, longer" {
		t.Fatalf("expected overwritten value, got %q", got)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	s := New(memhash.New())

	if err := s.Save(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := s.Load(ctx, "k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected record gone after delete")
	}
}

func TestDeleteMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := New(memhash.New())

	if err := s.Delete(ctx, "never-saved"); err != nil {
		t.Fatalf("expected delete of missing key to succeed, got %v", err)
	}
}

func TestNamesListsInAscendingOrder(t *testing.T) {
	ctx := context.Background()
	s := New(memhash.New())

	for _, name := range []string{"gc.checkpoint", "blockindex.checkpoint", "chunkindex.checkpoint"} {
		if err := s.Save(ctx, name, []byte("x")); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	want := []string{"blockindex.checkpoint", "chunkindex.checkpoint", "gc.checkpoint"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d: %v", len(want), len(names), names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("expected names[%d]=%q, got %q", i, n, names[i])
		}
	}
}

func TestEmptyPayloadRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := New(memhash.New())

	if err := s.Save(ctx, "k", nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Load(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %q", got)
	}
}
