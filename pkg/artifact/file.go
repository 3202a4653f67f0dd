package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStore implements Store on the local filesystem. Keys are absolute
// paths.
type FileStore struct{}

var _ Store = (*FileStore)(nil)

func NewFileStore() *FileStore { return &FileStore{} }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !filepath.IsAbs(key) {
		return s.wrapError("Put", key, fmt.Errorf("path must be absolute"))
	}
	if _, err := writeFileAtomic(key, body); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(key)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, s.wrapError("Get", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, &StoreError{Op: "Get", Kind: KindFile, Key: key, Err: ErrNotFound}
	}
	return f, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.wrapError("Delete", key, err)
	}
	return nil
}

func (s *FileStore) wrapError(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Kind: KindFile, Key: key, Err: err}
	switch {
	case errors.Is(err, os.ErrNotExist):
		wrapped.Err = ErrNotFound
	case errors.Is(err, os.ErrPermission):
		wrapped.Err = ErrAccessDenied
	}
	return wrapped
}

// writeFileAtomic streams r into a temp file next to dst and renames it into
// place.
func writeFileAtomic(dst string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp.*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return n, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return n, fmt.Errorf("rename temp file: %w", err)
	}
	return n, nil
}
