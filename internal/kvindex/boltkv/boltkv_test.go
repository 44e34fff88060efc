package boltkv

import (
	"context"
	"path/filepath"
	"testing"

	"dedupvol/internal/kvindex"
)

func open(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
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
	if err := b.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := b.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q", v)
	}
}

func TestLookupNotFound(t *testing.T) {
	b := open(t)
	_, err := b.Lookup(context.Background(), []byte("missing"))
	if err != kvindex.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	b := open(t)
	ctx := context.Background()
	if err := b.CompareAndSwap(ctx, []byte("k"), nil, []byte("v1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.CompareAndSwap(ctx, []byte("k"), []byte("bad"), []byte("v2")); err != kvindex.ErrVersionMismatch {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	_ = b.Put(ctx, []byte("k"), []byte("v"))
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	v, err := b2.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q after reopen", v)
	}
}
