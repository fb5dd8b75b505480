package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// BlobStore keeps archived objects in a map. Useful in tests and when no
// durable archive is configured.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

func (b *BlobStore) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = buf.Bytes()
	return "mem://" + path, nil
}

// Get returns a stored object and whether it exists.
func (b *BlobStore) Get(path string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	return obj, ok
}
