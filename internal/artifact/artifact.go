// Package artifact stores files produced by workflow steps so later jobs
// can retrieve them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when no artifact exists under a name.
var ErrNotFound = errors.New("artifact not found")

// Store moves files between the workspace and artifact storage.
type Store interface {
	// Upload saves the file at srcPath under name.
	Upload(ctx context.Context, name, srcPath string) error

	// Download writes the artifact stored under name to dstPath, creating
	// parent directories as needed.
	Download(ctx context.Context, name, dstPath string) error
}

// BlobStore keeps artifacts in a blob bucket. Any driver registered with
// gocloud.dev works; the CLI uses fileblob, tests use memblob.
type BlobStore struct {
	bucket *blob.Bucket
}

// NewBlobStore wraps an open bucket. The caller keeps ownership of the
// bucket and closes it when the run ends.
func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

// Upload implements Store.
func (s *BlobStore) Upload(ctx context.Context, name, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", srcPath, err)
	}
	defer f.Close()

	w, err := s.bucket.NewWriter(ctx, name, nil)
	if err != nil {
		return fmt.Errorf("opening artifact %q for writing: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading artifact %q: %w", name, err)
	}
	return w.Close()
}

// Download implements Store.
func (s *BlobStore) Download(ctx context.Context, name, dstPath string) error {
	r, err := s.bucket.NewReader(ctx, name, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("opening artifact %q: %w", name, err)
	}
	defer r.Close()

	if dir := filepath.Dir(dstPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	f, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dstPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("downloading artifact %q: %w", name, err)
	}
	return nil
}
