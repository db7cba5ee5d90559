package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Overwrite replaces content in one step.
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0600))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	// No temp files left behind.
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileLock_LockUnlock(t *testing.T) {
	dir := t.TempDir()
	lock := NewFileLock(filepath.Join(dir, "index.json"))

	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())

	// Unlock when not held is a no-op.
	assert.NoError(t, lock.Unlock())

	// Re-acquire after release.
	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
}

func TestHashBytes_Deterministic(t *testing.T) {
	a := HashBytes([]byte("content"))
	b := HashBytes([]byte("content"))
	c := HashBytes([]byte("other"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestHashFile_MatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))

	h, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("hello")), h)
}

func TestHashTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("a"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.md"), []byte("b"), 0600))

	h1, err := HashTree(dir)
	require.NoError(t, err)

	// Idempotent.
	h2, err := HashTree(dir)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// A change anywhere under the root changes the tree hash.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.md"), []byte("b2"), 0600))
	h3, err := HashTree(dir)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashTree_MissingRoot(t *testing.T) {
	h, err := HashTree(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestCheckWithin(t *testing.T) {
	root := t.TempDir()

	assert.NoError(t, CheckWithin(root, filepath.Join(root, "artifacts", "x")))
	assert.NoError(t, CheckWithin(root, root))

	err := CheckWithin(root, filepath.Join(root, "..", "escape"))
	assert.ErrorIs(t, err, ErrPathEscape)

	err = CheckWithin(root, "/etc/passwd")
	assert.ErrorIs(t, err, ErrPathEscape)
}
