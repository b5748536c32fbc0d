// Package blob fetches content-addressed blobs (source code, test inputs,
// expected outputs) from object storage. Keys are sha256 hex digests of
// the uncompressed payload; a ".zst" suffix marks blobs stored
// zstd-compressed.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"arbiter/internal/common/storage"
	"arbiter/pkg/errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxRetries   = 3

	zstSuffix = ".zst"
)

// Fetcher reads and writes content-addressed blobs.
type Fetcher struct {
	store      storage.ObjectStorage
	bucket     string
	timeout    time.Duration
	maxRetries uint64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the per-call fetch budget.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxRetries sets the retry budget for transient store errors.
func WithMaxRetries(n uint64) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// NewFetcher creates a fetcher over the given bucket.
func NewFetcher(store storage.ObjectStorage, bucket string, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:      store,
		bucket:     bucket,
		timeout:    defaultFetchTimeout,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get fetches the blob named by ref, decompressing ".zst" refs, and
// verifies the payload digest against the ref before returning.
// Transient store errors are retried with exponential backoff inside the
// per-call timeout; a digest mismatch is never retried.
func (f *Fetcher) Get(ctx context.Context, ref string) ([]byte, error) {
	digest := strings.TrimSuffix(ref, zstSuffix)
	if len(digest) != sha256.Size*2 {
		return nil, errors.Newf(errors.InvalidParams, "malformed blob ref %q", ref)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var payload []byte
	op := func() error {
		data, err := f.read(ctx, ref)
		if err != nil {
			return err
		}
		payload = data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.GetCode(err) == errors.DigestMismatch {
			return nil, err
		}
		return nil, errors.Wrapf(err, errors.BlobNotFound, "fetch blob %s failed", ref)
	}
	return payload, nil
}

func (f *Fetcher) read(ctx context.Context, ref string) ([]byte, error) {
	obj, err := f.store.GetObject(ctx, f.bucket, ref)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(ref, zstSuffix) {
		data, err = decompress(data)
		if err != nil {
			// A corrupt frame will not heal on retry.
			return nil, backoff.Permanent(errors.Wrapf(err, errors.DigestMismatch, "decompress blob %s failed", ref))
		}
	}

	digest := strings.TrimSuffix(ref, zstSuffix)
	if got := sha256Hex(data); got != digest {
		return nil, backoff.Permanent(errors.Newf(errors.DigestMismatch, "blob %s digest mismatch: got %s", ref, got))
	}
	return data, nil
}

// Put stores data under its sha256 hex digest and returns the ref.
// Storing under an existing key is a no-op overwrite of identical bytes.
func (f *Fetcher) Put(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ref := sha256Hex(data)
	op := func() error {
		return f.store.PutObject(ctx, f.bucket, ref, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", errors.Wrapf(err, errors.StorageError, "store blob failed")
	}
	return ref, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
