package artifactmem

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/k11v/enclave/internal/artifact"
)

var _ artifact.Storage = (*Storage)(nil)

// Storage keeps blobs in process memory.
type Storage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewStorage() *Storage {
	return &Storage{blobs: make(map[string][]byte)}
}

// PutBlob implements artifact.Storage.
func (s *Storage) PutBlob(_ context.Context, params *artifact.StoragePutBlobParams) error {
	content, err := io.ReadAll(params.Content)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[params.Key] = content
	return nil
}

// GetBlob implements artifact.Storage.
func (s *Storage) GetBlob(_ context.Context, params *artifact.StorageGetBlobParams) error {
	s.mu.RLock()
	content, ok := s.blobs[params.Key]
	s.mu.RUnlock()
	if !ok {
		return artifact.ErrBlobNotFound
	}

	_, err := io.Copy(params.Writer, bytes.NewReader(content))
	return err
}

// HasBlob implements artifact.Storage.
func (s *Storage) HasBlob(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}
