package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func readAll(t *testing.T, b Blob) []byte {
	t.Helper()
	rc, err := b.Open()
	if err != nil {
		t.Fatalf("Failed to open blob: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Failed to read blob: %v", err)
	}
	return data
}

func testBlobStore(t *testing.T, store BlobStore) {
	t.Helper()

	// Test initial state
	count, err := store.Count()
	if err != nil {
		t.Fatalf("Failed to get count: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty store, got count %d", count)
	}

	// Test Put
	payload := []byte("<svg></svg>")
	b1, err := store.Put(payload)
	if err != nil {
		t.Fatalf("Failed to put blob: %v", err)
	}
	payload[0] = 'X'

	if b1.Size() != len(payload) {
		t.Errorf("Expected size %d, got %d", len(payload), b1.Size())
	}
	if got := string(readAll(t, b1)); got != "<svg></svg>" {
		t.Errorf("Expected stored copy, got %q", got)
	}

	// Test a second Put
	b2, err := store.Put([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Failed to put blob: %v", err)
	}
	if b1.ID() == b2.ID() {
		t.Errorf("Expected distinct IDs, got %s twice", b1.ID())
	}

	count, err = store.Count()
	if err != nil {
		t.Fatalf("Failed to get count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected count 2, got %d", count)
	}

	// Test Release
	if err := b1.Release(); err != nil {
		t.Fatalf("Failed to release blob: %v", err)
	}
	if err := b1.Release(); !errors.Is(err, ErrBlobReleased) {
		t.Errorf("Expected ErrBlobReleased on second release, got %v", err)
	}
	if _, err := b1.Open(); !errors.Is(err, ErrBlobReleased) {
		t.Errorf("Expected ErrBlobReleased on open after release, got %v", err)
	}

	count, err = store.Count()
	if err != nil {
		t.Fatalf("Failed to get count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}

	// Test Close
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	count, _ = store.Count()
	if count != 0 {
		t.Errorf("Expected empty store after close, got count %d", count)
	}
}

func TestMemoryStore(t *testing.T) {
	testBlobStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	tempDir := t.TempDir()

	store, err := NewFileStore(filepath.Join(tempDir, "spool"))
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	testBlobStore(t, store)

	// Every file is gone once the store is closed
	entries, err := os.ReadDir(filepath.Join(tempDir, "spool"))
	if err != nil {
		t.Fatalf("Failed to read spool directory: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty spool directory, got %d files", len(entries))
	}
}

func TestFileStoreReleaseRemovesFile(t *testing.T) {
	tempDir := t.TempDir()

	store, err := NewFileStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}

	b, err := store.Put([]byte("bytes"))
	if err != nil {
		t.Fatalf("Failed to put blob: %v", err)
	}

	// Verify file was created
	path := filepath.Join(tempDir, b.ID()+".blob")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Failed to stat blob file: %v", err)
	}

	if err := b.Release(); err != nil {
		t.Fatalf("Failed to release blob: %v", err)
	}

	// Verify file was deleted
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected blob file to be deleted")
	}
}
