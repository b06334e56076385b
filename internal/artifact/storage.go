package artifact

import (
	"context"
	"errors"
	"io"
)

var ErrBlobNotFound = errors.New("blob not found")

// Storage keeps artifact contents as blobs addressed by their digest.
type Storage interface {
	PutBlob(ctx context.Context, params *StoragePutBlobParams) error
	GetBlob(ctx context.Context, params *StorageGetBlobParams) error
	HasBlob(ctx context.Context, key string) (bool, error)
}

type StoragePutBlobParams struct {
	Key     string
	Content io.Reader
}

type StorageGetBlobParams struct {
	Key    string
	Writer io.Writer
}
