package main

import (
	"path/filepath"
	"testing"

	"github.com/workspace/termstream/internal/offsetstore"
)

func TestOpenOffsetStoreEmptyPathUsesMemory(t *testing.T) {
	store, err := openOffsetStore("")
	if err != nil {
		t.Fatalf("openOffsetStore: %v", err)
	}
	if _, ok := store.(*offsetstore.Memory); !ok {
		t.Fatalf("expected in-memory store, got %T", store)
	}
}

func TestOpenOffsetStoreCreatesSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "offsets.db")
	store, err := openOffsetStore(path)
	if err != nil {
		t.Fatalf("openOffsetStore: %v", err)
	}
	sq, ok := store.(*offsetstore.SQLite)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	defer sq.Close()

	if err := store.Set("term-1", 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	offset, found, err := store.Get("term-1")
	if err != nil || !found || offset != 42 {
		t.Fatalf("get returned (%d, %v, %v), want (42, true, nil)", offset, found, err)
	}
}
