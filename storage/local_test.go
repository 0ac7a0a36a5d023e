package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propflow/propflow/types"
)

func TestLocalFileStorageRoundTrip(t *testing.T) {
	backend, err := NewLocalFileStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ctx := context.Background()
	artifact := types.NewEstimatedQuantity(
		types.NewQuantity(998.2, "g/L"), types.NewQuantity(0.5, "g/L"), "run-1")

	location, err := backend.StoreData(ctx, "wfa|density_data", artifact)
	require.NoError(t, err)
	assert.FileExists(t, location)

	loaded, err := backend.RetrieveData(ctx, "wfa|density_data")
	require.NoError(t, err)
	assert.Equal(t, artifact, loaded)
}

func TestLocalFileStorageSanitizesKeys(t *testing.T) {
	root := t.TempDir()
	backend, err := NewLocalFileStorage(root)
	require.NoError(t, err)

	ctx := context.Background()
	location, err := backend.StoreData(ctx, "wfa|group/child", map[string]any{"k": 1.0})
	require.NoError(t, err)

	// Separators in the key never escape the root directory.
	assert.Equal(t, filepath.Join(root, "wfa|group_child.json"), location)
	assert.Equal(t, root, filepath.Dir(location))
}

func TestLocalFileStorageHasAndDelete(t *testing.T) {
	backend, err := NewLocalFileStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	exists, err := backend.HasData(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = backend.StoreData(ctx, "present", []any{1.0, 2.0})
	require.NoError(t, err)

	exists, err = backend.HasData(ctx, "present")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, backend.DeleteData(ctx, "present"))
	exists, err = backend.HasData(ctx, "present")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting an unknown key is not an error.
	require.NoError(t, backend.DeleteData(ctx, "present"))
}

func TestLocalFileStorageRetrieveMissing(t *testing.T) {
	backend, err := NewLocalFileStorage(t.TempDir())
	require.NoError(t, err)

	_, err = backend.RetrieveData(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalFileStorageRejectsEmptyRoot(t *testing.T) {
	_, err := NewLocalFileStorage("")
	require.Error(t, err)
}

func TestLocalFileStorageRejectsEmptyKey(t *testing.T) {
	backend, err := NewLocalFileStorage(t.TempDir())
	require.NoError(t, err)

	_, err = backend.StoreData(context.Background(), "", 1.0)
	require.Error(t, err)
}

func TestLocalFileStorageCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "artifacts")
	_, err := NewLocalFileStorage(root)
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
