package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *OutputStore {
	t.Helper()

	store, err := NewOutputStore(t.TempDir())
	require.NoError(t, err)

	return store
}

func TestNewOutputStore(t *testing.T) {
	tmpDir := t.TempDir()
	store, err := NewOutputStore(filepath.Join(tmpDir, "output"))
	require.NoError(t, err)
	require.NotNil(t, store)

	assert.True(t, filepath.IsAbs(store.BaseDir()))
}

func TestOutputStore_Publish(t *testing.T) {
	store := setupTestStore(t)
	content := []byte("converted image bytes")

	path, size, err := store.Publish("run-1", "photos/cat.irf", content)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("runs", "run-1", "photos", "cat.irf"), path)
	assert.Equal(t, int64(len(content)), size)

	data, err := store.ReadBytes(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestOutputStore_PublishReader(t *testing.T) {
	store := setupTestStore(t)
	content := []byte("streamed output")

	path, size, err := store.PublishReader("run-1", "cat.png", bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	data, err := store.ReadBytes(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestOutputStore_PublishRejectsEscape(t *testing.T) {
	store := setupTestStore(t)

	_, _, err := store.Publish("run-1", "../../outside.irf", []byte("x"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "escapes sandbox")
}

func TestOutputStore_Exists(t *testing.T) {
	store := setupTestStore(t)

	exists, err := store.Exists("runs/run-1/missing.irf")
	require.NoError(t, err)
	assert.False(t, exists)

	path, _, err := store.Publish("run-1", "present.irf", []byte("x"))
	require.NoError(t, err)

	exists, err = store.Exists(path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOutputStore_ListRun(t *testing.T) {
	store := setupTestStore(t)

	// Empty run yields empty list
	entries, err := store.ListRun("run-empty")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, _, err = store.Publish("run-2", "b.irf", []byte("bb"))
	require.NoError(t, err)
	_, _, err = store.Publish("run-2", "a.irf", []byte("aaaa"))
	require.NoError(t, err)
	_, _, err = store.Publish("run-2", "sub/c.irf", []byte("c"))
	require.NoError(t, err)

	// Outputs from other runs are not included
	_, _, err = store.Publish("run-3", "other.irf", []byte("zz"))
	require.NoError(t, err)

	entries, err = store.ListRun("run-2")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Sorted by path
	assert.Equal(t, filepath.Join("runs", "run-2", "a.irf"), entries[0].Path)
	assert.Equal(t, int64(4), entries[0].Size)
	assert.Equal(t, filepath.Join("runs", "run-2", "b.irf"), entries[1].Path)
	assert.Equal(t, filepath.Join("runs", "run-2", "sub", "c.irf"), entries[2].Path)
}

func TestOutputStore_TotalSize(t *testing.T) {
	store := setupTestStore(t)

	_, _, err := store.Publish("run-4", "one.irf", []byte("12345"))
	require.NoError(t, err)
	_, _, err = store.Publish("run-4", "two.irf", []byte("123"))
	require.NoError(t, err)

	total, err := store.TotalSize("run-4")
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)
}

func TestOutputStore_RemoveRun(t *testing.T) {
	store := setupTestStore(t)

	path, _, err := store.Publish("run-5", "gone.irf", []byte("x"))
	require.NoError(t, err)

	err = store.RemoveRun("run-5")
	require.NoError(t, err)

	exists, err := store.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOutputStore_Open(t *testing.T) {
	store := setupTestStore(t)
	content := []byte("open me")

	path, _, err := store.Publish("run-6", "file.irf", content)
	require.NoError(t, err)

	f, err := store.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, len(content))
	_, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf)
}
