// ABOUTME: In-memory blob store for tests
// ABOUTME: Records uploads and returns deterministic URLs

package blob

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store implementation for tests.
type MemStore struct {
	mu      sync.Mutex
	baseURL string
	blobs   map[string][]byte
	types   map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(baseURL string) *MemStore {
	return &MemStore{
		baseURL: baseURL,
		blobs:   make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Upload records the blob and returns its URL.
func (s *MemStore) Upload(_ context.Context, blobPath string, data []byte, contentType string) (string, error) {
	cleaned, err := cleanPath(blobPath)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[cleaned] = append([]byte(nil), data...)
	s.types[cleaned] = contentType
	return s.baseURL + "/" + cleaned, nil
}

// Get returns the stored bytes for a path, for test assertions.
func (s *MemStore) Get(blobPath string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[blobPath]
	return data, ok
}

// ContentType returns the recorded content type for a path.
func (s *MemStore) ContentType(blobPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[blobPath]
}
