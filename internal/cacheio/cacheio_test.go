package cacheio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareCommitReplacesFile(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "krb5cc_test")
	require.NoError(t, os.WriteFile(final, []byte("old"), 0600))

	w := New(final)
	require.NoError(t, w.Lock())
	defer w.Unlock()

	h, err := w.Prepare()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.Path, []byte("new"), 0600))

	require.NoError(t, w.Commit(h, Perms{}))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestCommitFailureLeavesOriginalUntouched(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "krb5cc_test")
	require.NoError(t, os.WriteFile(final, []byte("original"), 0600))

	w := New(final)
	require.NoError(t, w.Lock())
	defer w.Unlock()

	h, err := w.Prepare()
	require.NoError(t, err)

	// Force the commit's chown/chmod step to fail: an owner name that
	// cannot resolve on any host.
	err = w.Commit(h, Perms{Owner: "no-such-user-xyz"})
	require.Error(t, err)

	got, readErr := os.ReadFile(final)
	require.NoError(t, readErr)
	require.Equal(t, "original", string(got))

	// the scratch file must not be left behind either
	_, statErr := os.Stat(h.Path)
	require.True(t, os.IsNotExist(statErr))
}

func TestLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "krb5cc_test")

	w1 := New(final)
	require.NoError(t, w1.Lock())
	defer w1.Unlock()

	w2 := New(final)
	require.Error(t, w2.Lock())
}

func TestDestroyRemovesFinalCache(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "krb5cc_test")
	require.NoError(t, os.WriteFile(final, []byte("x"), 0600))

	w := New(final)
	require.NoError(t, w.Destroy())
	_, err := os.Stat(final)
	require.True(t, os.IsNotExist(err))

	// Destroy on an already-absent cache is not an error.
	require.NoError(t, w.Destroy())
}

func TestFabricateCachePathIsUniquePerCall(t *testing.T) {
	a := FabricateCachePath()
	b := FabricateCachePath()
	require.NotEqual(t, a, b)
}
