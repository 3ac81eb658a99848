package bingest_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/advdv/bingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreEnsureDir(t *testing.T) {
	store := bingest.NewDiskStore()
	dir := filepath.Join(t.TempDir(), "uploads")

	require.NoError(t, store.EnsureDir(context.Background(), dir))
	require.NoError(t, store.EnsureDir(context.Background(), dir), "must be idempotent")

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDiskStoreEnsureDirConcurrently(t *testing.T) {
	store := bingest.NewDiskStore()
	dir := filepath.Join(t.TempDir(), "uploads")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.EnsureDir(context.Background(), dir))
		}()
	}
	wg.Wait()
}

func TestDiskStoreWrite(t *testing.T) {
	store := bingest.NewDiskStore()
	path := filepath.Join(t.TempDir(), "artifact")

	written, err := store.Write(context.Background(), path, strings.NewReader("hello, world"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), written)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(data))
}

func TestDiskStoreWriteRefusesExistingPath(t *testing.T) {
	store := bingest.NewDiskStore()
	path := filepath.Join(t.TempDir(), "artifact")

	_, err := store.Write(context.Background(), path, strings.NewReader("first"))
	require.NoError(t, err)

	_, err = store.Write(context.Background(), path, strings.NewReader("second"))
	require.Error(t, err, "destination paths are unique per upload")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data), "the original artifact must be untouched")
}

func TestDiskStoreWriteCancelled(t *testing.T) {
	store := bingest.NewDiskStore()
	path := filepath.Join(t.TempDir(), "artifact")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Write(ctx, path, strings.NewReader("never lands"))
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "a cancelled write must not leave a partial artifact")
}

func TestDiskStoreRemove(t *testing.T) {
	store := bingest.NewDiskStore()
	path := filepath.Join(t.TempDir(), "artifact")

	_, err := store.Write(context.Background(), path, strings.NewReader("data"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(context.Background(), path))
	require.NoError(t, store.Remove(context.Background(), path), "removing an absent path succeeds")

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
