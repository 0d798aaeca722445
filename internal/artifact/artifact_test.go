package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func TestBlobStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	store := NewBlobStore(bucket)

	dir := t.TempDir()
	src := filepath.Join(dir, "bundle.tar")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	require.NoError(t, store.Upload(ctx, "bundle", src))

	dst := filepath.Join(dir, "out", "restored.tar")
	require.NoError(t, store.Download(ctx, "bundle", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestBlobStoreErrors(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	store := NewBlobStore(bucket)

	t.Run("missing artifact", func(t *testing.T) {
		err := store.Download(ctx, "ghost", filepath.Join(t.TempDir(), "x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing source file", func(t *testing.T) {
		err := store.Upload(ctx, "bundle", filepath.Join(t.TempDir(), "absent"))
		assert.Error(t, err)
	})
}
