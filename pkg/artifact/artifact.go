// Package artifact stores backup files produced and consumed by workers.
//
// Locations are URIs: file:///abs/path, a bare filesystem path, or
// s3://bucket/key. Authentication for S3 uses the AWS SDK default credential
// chain unless explicit keys are configured.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Store reads and writes whole objects.
//
// Implementations should be safe for concurrent use.
type Store interface {
	// Put uploads body under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get opens key for reading. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Kind identifies a store implementation.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
)

// Options carries store settings that do not fit in a URI.
type Options struct {
	S3 S3Config
}

// Open returns a store for loc and the key to use within it.
func Open(ctx context.Context, loc Location, opts Options) (Store, string, error) {
	switch loc.Kind {
	case KindFile:
		return NewFileStore(), loc.Key, nil
	case KindS3:
		cfg := opts.S3
		cfg.Bucket = loc.Bucket
		s, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return s, loc.Key, nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedLocation, loc.Kind)
}

// Upload copies the local file at src to the artifact location uri.
func Upload(ctx context.Context, uri, src string, opts Options) (int64, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return 0, err
	}
	store, key, err := Open(ctx, loc, opts)
	if err != nil {
		return 0, err
	}
	defer func() { _ = store.Close() }()

	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", src, err)
	}

	if err := store.Put(ctx, key, f, st.Size()); err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Download copies the artifact at uri to the local file dst.
func Download(ctx context.Context, uri, dst string, opts Options) (int64, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return 0, err
	}
	store, key, err := Open(ctx, loc, opts)
	if err != nil {
		return 0, err
	}
	defer func() { _ = store.Close() }()

	rc, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	return writeFileAtomic(dst, rc)
}
