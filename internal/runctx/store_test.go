package runctx

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSummary() *Summary {
	run := New("ci")
	run.AddInstance("build", "build", []string{"compile"})
	_ = run.SetInstanceStatus("build", StatusSuccess)
	return run.Summary()
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	summary := sampleSummary()

	require.NoError(t, store.Save(ctx, summary))

	loaded, err := store.Load(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, loaded.RunID)

	_, err = store.Load(ctx, "unknown")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)

	store, err := NewRedisStore(ctx, srv.Addr(), WithTTL(time.Hour))
	require.NoError(t, err)
	defer store.Close()

	summary := sampleSummary()
	require.NoError(t, store.Save(ctx, summary))

	t.Run("roundtrip", func(t *testing.T) {
		loaded, err := store.Load(ctx, summary.RunID)
		require.NoError(t, err)
		assert.Equal(t, summary.RunID, loaded.RunID)
		assert.Equal(t, summary.Status, loaded.Status)
		require.Len(t, loaded.Instances, 1)
		assert.Equal(t, "build", loaded.Instances[0].ID)
		assert.Equal(t, StatusSuccess, loaded.Instances[0].Status)
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := store.Load(ctx, "no-such-run")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("ttl applied", func(t *testing.T) {
		assert.Greater(t, srv.TTL("gantry:run:"+summary.RunID), time.Duration(0))
	})

	t.Run("expired run is gone", func(t *testing.T) {
		srv.FastForward(2 * time.Hour)
		_, err := store.Load(ctx, summary.RunID)
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}
