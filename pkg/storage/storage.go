package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrBlobReleased is returned when using or releasing a blob a second time
var ErrBlobReleased = errors.New("blob already released")

// Blob is a transient handle to raw bytes held by a BlobStore.
// It must be released exactly once.
type Blob interface {
	// ID returns the unique blob identifier
	ID() string

	// Size returns the number of bytes held
	Size() int

	// Open returns a reader over the bytes
	Open() (io.ReadCloser, error)

	// Release frees the bytes; a second call returns ErrBlobReleased
	Release() error
}

// BlobStore defines the interface for transient blob storage
type BlobStore interface {
	// Put stores a copy of data and returns its handle
	Put(data []byte) (Blob, error)

	// Count returns the number of live blobs
	Count() (int, error)

	// Close releases every live blob
	Close() error
}

// MemoryStore is an in-memory implementation of BlobStore
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates a new in-memory blob store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
	}
}

func (s *MemoryStore) Put(data []byte) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	// Store a copy so the caller may reuse its buffer
	s.blobs[id] = bytes.Clone(data)
	return &memoryBlob{store: s, id: id, size: len(data)}, nil
}

func (s *MemoryStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.blobs), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs = make(map[string][]byte)
	return nil
}

func (s *MemoryStore) open(id string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.blobs[id]
	if !exists {
		return nil, ErrBlobReleased
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[id]; !exists {
		return ErrBlobReleased
	}
	delete(s.blobs, id)
	return nil
}

type memoryBlob struct {
	store *MemoryStore
	id    string
	size  int
}

func (b *memoryBlob) ID() string                   { return b.id }
func (b *memoryBlob) Size() int                    { return b.size }
func (b *memoryBlob) Open() (io.ReadCloser, error) { return b.store.open(b.id) }
func (b *memoryBlob) Release() error               { return b.store.release(b.id) }

// FileStore is a file-based implementation of BlobStore. Each blob is one
// file named after its ID.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	sizes   map[string]int
}

// NewFileStore creates a new file-based blob store rooted at baseDir
func NewFileStore(baseDir string) (*FileStore, error) {
	// Ensure the directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		sizes:   make(map[string]int),
	}, nil
}

func (s *FileStore) Put(data []byte) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if err := os.WriteFile(s.path(id), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write blob file: %w", err)
	}
	s.sizes[id] = len(data)
	return &fileBlob{store: s, id: id, size: len(data)}, nil
}

func (s *FileStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sizes), nil
}

// Close removes every blob file this store still holds
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id := range s.sizes {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		delete(s.sizes, id)
	}
	return errors.Join(errs...)
}

func (s *FileStore) open(id string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sizes[id]; !exists {
		return nil, ErrBlobReleased
	}
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob file: %w", err)
	}
	return f, nil
}

func (s *FileStore) release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sizes[id]; !exists {
		return ErrBlobReleased
	}
	delete(s.sizes, id)

	if err := os.Remove(s.path(id)); err != nil {
		return fmt.Errorf("failed to delete blob file: %w", err)
	}
	return nil
}

// path returns the file backing a blob
func (s *FileStore) path(id string) string {
	return filepath.Join(s.baseDir, id+".blob")
}

type fileBlob struct {
	store *FileStore
	id    string
	size  int
}

func (b *fileBlob) ID() string                   { return b.id }
func (b *fileBlob) Size() int                    { return b.size }
func (b *fileBlob) Open() (io.ReadCloser, error) { return b.store.open(b.id) }
func (b *fileBlob) Release() error               { return b.store.release(b.id) }
