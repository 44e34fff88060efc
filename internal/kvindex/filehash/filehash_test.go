package filehash

import (
	"context"
	"path/filepath"
	"testing"

	"dedupvol/internal/kvindex"
)

func open(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hash.log")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPutLookup(t *testing.T) {
	b := open(t)
	ctx := context.Background()
	if err := b.Put(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := b.Lookup(ctx, []byte("k1"))
	if err != nil || string(v) != "v1" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestOverwriteKeepsLatest(t *testing.T) {
	b := open(t)
	ctx := context.Background()
	_ = b.Put(ctx, []byte("k"), []byte("v1"))
	_ = b.Put(ctx, []byte("k"), []byte("v2"))
	v, err := b.Lookup(ctx, []byte("k"))
	if err != nil || string(v) != "v2" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestDelete(t *testing.T) {
	b := open(t)
	ctx := context.Background()
	_ = b.Put(ctx, []byte("k"), []byte("v"))
	if err := b.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Lookup(ctx, []byte("k")); err != kvindex.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplayAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hash.log")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	_ = b.Put(ctx, []byte("a"), []byte("1"))
	_ = b.Put(ctx, []byte("b"), []byte("2"))
	_ = b.Delete(ctx, []byte("a"))
	_ = b.Close()

	b2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	if _, err := b2.Lookup(ctx, []byte("a")); err != kvindex.ErrNotFound {
		t.Fatalf("expected a deleted after replay, got %v", err)
	}
	v, err := b2.Lookup(ctx, []byte("b"))
	if err != nil || string(v) != "2" {
		t.Fatalf("got %q, %v", v, err)
	}
}
