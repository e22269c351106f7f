package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "group:1.2.3.4|80|tcp", []byte(`{"count":3}`)))

	data, err := b.Load(ctx, "group:1.2.3.4|80|tcp")
	require.NoError(t, err)
	assert.Equal(t, `{"count":3}`, string(data))
}

func TestFileBackendLoadMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	_, err = b.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "k", []byte("v1")))
	require.NoError(t, b.Save(ctx, "k", []byte("v2")))

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, matches, "no .tmp file should remain after a successful save")

	data, err := b.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestFileBackendListPrefix(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "abuse-ch:k1", []byte("x")))
	require.NoError(t, b.Save(ctx, "abuse-ch:k2", []byte("y")))
	require.NoError(t, b.Save(ctx, "other:k1", []byte("z")))

	keys, err := b.List(ctx, "abuse-ch:")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestFileBackendDelete(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "k", []byte("v")))
	require.NoError(t, b.Delete(ctx, "k"))

	_, err = b.Load(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "k", []byte("v")))
	data, err := b.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))
}
