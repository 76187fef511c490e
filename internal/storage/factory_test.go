package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
}

func TestNewStoreFile(t *testing.T) {
	store, err := NewStore("file", t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
	if _, err := NewStore("file", ""); err == nil {
		t.Fatal("expected error for file store without directory")
	}
}

func TestNewStoreDefaultKind(t *testing.T) {
	store, err := NewStore("", t.TempDir())
	if err != nil {
		t.Fatalf("new default store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}
