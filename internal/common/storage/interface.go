package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the minimal object storage operations the judge
// needs. It is intentionally small so MinIO/AWS-S3 implementations can be
// swapped without touching business logic.
type ObjectStorage interface {
	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// PutObject stores an object. sizeBytes may be -1 when unknown.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObjects deletes the given keys, ignoring empty entries.
	RemoveObjects(ctx context.Context, bucket string, keys []string) error

	// ListObjects streams keys under a prefix.
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	io.Reader
	io.Closer
}

// ObjectStat contains object metadata used for validation.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is one entry from a listing. Err is set when the listing
// itself failed for this entry.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Err       error
}
