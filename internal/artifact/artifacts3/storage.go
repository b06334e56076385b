package artifacts3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/klauspost/compress/zstd"

	"github.com/k11v/enclave/internal/artifact"
)

var _ artifact.Storage = (*Storage)(nil)

const (
	// uploadPartSize and downloadPartSize should be greater than or equal 5MB.
	// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
	uploadPartSize   = 10 * 1024 * 1024 // 10MB
	downloadPartSize = 10 * 1024 * 1024 // 10MB
)

// Storage keeps zstd-compressed blobs in an S3 bucket.
type Storage struct {
	client *s3.Client // required
}

func NewStorage(client *s3.Client) *Storage {
	return &Storage{client: client}
}

// PutBlob implements artifact.Storage.
func (s *Storage) PutBlob(ctx context.Context, params *artifact.StoragePutBlobParams) error {
	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err = io.Copy(enc, params.Content); err != nil {
			_ = enc.Close()
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(enc.Close())
	}()

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
	})
	contentEncoding := "zstd"
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          &BucketName,
		Key:             &params.Key,
		Body:            pr,
		ContentEncoding: &contentEncoding,
	})
	_ = pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}

	return nil
}

// GetBlob implements artifact.Storage.
func (s *Storage) GetBlob(ctx context.Context, params *artifact.StorageGetBlobParams) error {
	pr, pw := io.Pipe()
	defer func() {
		_ = pr.Close()
	}()

	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = downloadPartSize
		d.Concurrency = 1
	})
	go func() {
		// fakeWriterAt needs manager.Downloader.Concurrency set to 1.
		_, err := downloader.Download(ctx, fakeWriterAt{pw}, &s3.GetObjectInput{
			Bucket: &BucketName,
			Key:    &params.Key,
		})
		_ = pw.CloseWithError(err)
	}()

	dec, err := zstd.NewReader(pr)
	if isNotFound(err) {
		return artifact.ErrBlobNotFound
	} else if err != nil {
		return fmt.Errorf("get blob: %w", err)
	}
	defer dec.Close()

	if _, err = io.Copy(params.Writer, dec); err != nil {
		if isNotFound(err) {
			return artifact.ErrBlobNotFound
		}
		return fmt.Errorf("get blob: %w", err)
	}

	return nil
}

// HasBlob implements artifact.Storage.
func (s *Storage) HasBlob(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &BucketName,
		Key:    &key,
	})
	if isNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("has blob: %w", err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	if notFoundErr := (*types.NotFound)(nil); errors.As(err, &notFoundErr) {
		return true
	}
	if noSuchKeyErr := (*types.NoSuchKey)(nil); errors.As(err, &noSuchKeyErr) {
		return true
	}
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

// fakeWriterAt wraps an io.Writer to provide a fake WriteAt method.
// This method simply calls w.Write ignoring the offset parameter.
// It can be used with manager.Downloader.Download if its concurrency is set to 1
// because this guarantees the sequential writes.
type fakeWriterAt struct {
	w io.Writer // required
}

func (writerAt fakeWriterAt) WriteAt(p []byte, _ int64) (n int, err error) {
	return writerAt.w.Write(p)
}
