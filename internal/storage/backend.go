// Package storage declares the contract background handlers use to
// reach object storage. Concrete backends (local disk, S3-compatible)
// live with the serving layer; the control plane only depends on this
// surface.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectMetadata describes a stored object without its contents.
type ObjectMetadata struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// MultipartUpload identifies an in-progress multipart upload.
type MultipartUpload struct {
	Key      string
	UploadID string
}

// CompletedPart records one uploaded part for completion.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Backend is the narrow object-storage contract. Handlers hold a
// Backend for the tenant they are acting on and never know which
// concrete implementation is behind it.
type Backend interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Save(ctx context.Context, key string, body io.Reader, contentType string) (ObjectMetadata, error)
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	Metadata(ctx context.Context, key string) (ObjectMetadata, error)

	CreateMultipartUpload(ctx context.Context, key, contentType string) (MultipartUpload, error)
	UploadPart(ctx context.Context, upload MultipartUpload, partNumber int, body io.Reader) (CompletedPart, error)
	CompleteMultipartUpload(ctx context.Context, upload MultipartUpload, parts []CompletedPart) (ObjectMetadata, error)
	AbortMultipartUpload(ctx context.Context, upload MultipartUpload) error
}
