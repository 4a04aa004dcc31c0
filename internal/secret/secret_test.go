package secret

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)

	_, err := store.Get(ctx, ClientSecret)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, ClientSecret, []byte("s3cret")))
	require.NoError(t, store.Set(ctx, AuthToken, []byte("token-1")))
	require.NoError(t, store.Set(ctx, AuthToken, []byte("token-2")))

	reopened := NewFileStore(dir)
	got, err := reopened.Get(ctx, ClientSecret)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)

	got, err = reopened.Get(ctx, AuthToken)
	require.NoError(t, err)
	assert.Equal(t, []byte("token-2"), got)
}

func TestFileStoreEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Set(ctx, ClientSecret, []byte("plain-text-marker")))

	sealed, err := os.ReadFile(filepath.Join(dir, "secrets.dat"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("plain-text-marker")))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, "secrets.key"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestFileStoreDetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, store.Set(ctx, ClientSecret, []byte("value")))

	path := filepath.Join(dir, "secrets.dat")
	sealed, err := os.ReadFile(path)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	_, err = store.Get(ctx, ClientSecret)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
