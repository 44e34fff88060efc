package recordarray

import (
	"context"
	"path/filepath"
	"testing"

	"dedupvol/internal/kvindex"
)

func create(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx.bin")
	b, err := Create(path, 64, 16)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func key(n byte) []byte {
	k := make([]byte, 32)
	k[0] = n
	return k
}

func TestPutLookup(t *testing.T) {
	b := create(t)
	ctx := context.Background()
	if err := b.Put(ctx, key(1), []byte("value-one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := b.Lookup(ctx, key(1))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(v) != "value-one" {
		t.Fatalf("got %q", v)
	}
}

func TestLookupNotFound(t *testing.T) {
	b := create(t)
	_, err := b.Lookup(context.Background(), key(9))
	if err != kvindex.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCollisionsResolvedByProbing(t *testing.T) {
	b := create(t)
	ctx := context.Background()
	for i := byte(1); i <= 20; i++ {
		if err := b.Put(ctx, key(i), []byte{i}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	for i := byte(1); i <= 20; i++ {
		v, err := b.Lookup(ctx, key(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if len(v) != 1 || v[0] != i {
			t.Fatalf("key %d: got %v", i, v)
		}
	}
}

func TestDeleteThenReinsert(t *testing.T) {
	b := create(t)
	ctx := context.Background()
	_ = b.Put(ctx, key(5), []byte("a"))
	if err := b.Delete(ctx, key(5)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Lookup(ctx, key(5)); err != kvindex.ErrNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := b.Put(ctx, key(5), []byte("b")); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	v, err := b.Lookup(ctx, key(5))
	if err != nil || string(v) != "b" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	b := create(t)
	ctx := context.Background()
	if err := b.CompareAndSwap(ctx, key(1), nil, []byte("v1")); err != nil {
		t.Fatalf("create via cas: %v", err)
	}
	if err := b.CompareAndSwap(ctx, key(1), []byte("bad"), []byte("v2")); err != kvindex.ErrVersionMismatch {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := b.CompareAndSwap(ctx, key(1), []byte("v1"), []byte("v2")); err != nil {
		t.Fatalf("valid cas: %v", err)
	}
}

func TestReopenPreservesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idx.bin")
	b, err := Create(path, 64, 16)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := context.Background()
	_ = b.Put(ctx, key(3), []byte("persisted"))
	_ = b.Close()

	b2, err := Open(path, 16)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	v, err := b2.Lookup(ctx, key(3))
	if err != nil || string(v) != "persisted" {
		t.Fatalf("got %q, %v", v, err)
	}
}
