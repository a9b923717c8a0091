package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStorePutAndURL(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	key, err := store.Put(context.Background(), "generations/u1/j1/output.png", []byte{0x89, 'P', 'N', 'G'}, "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if key != "generations/u1/j1/output.png" {
		t.Fatalf("key = %q", key)
	}

	data, err := os.ReadFile(filepath.Join(dir, "generations", "u1", "j1", "output.png"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("stored %d bytes, want 4", len(data))
	}

	url, err := store.URL(context.Background(), key, time.Hour)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if url != "http://localhost:8080/static/generations/u1/j1/output.png" {
		t.Fatalf("url = %q", url)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, err := store.Put(context.Background(), "../escape.png", []byte{1}, "image/png"); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
	if _, err := store.Put(context.Background(), "   ", []byte{1}, "image/png"); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestSanitizeKeyNormalizes(t *testing.T) {
	got, err := sanitizeKey("/generations//u1/./j1/output.png")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got != "generations/u1/j1/output.png" {
		t.Fatalf("key = %q", got)
	}
}
