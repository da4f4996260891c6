package os_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	tmos "github.com/biadnet/biadnet/libs/os"
)

func TestEnsureDir(t *testing.T) {
	tmp := t.TempDir()

	// Should be possible to create a new directory.
	err := tmos.EnsureDir(filepath.Join(tmp, "dir"), 0755)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(tmp, "dir"))

	// Should succeed on existing directory.
	err = tmos.EnsureDir(filepath.Join(tmp, "dir"), 0755)
	require.NoError(t, err)

	// Nested directories are created with their parents.
	err = tmos.EnsureDir(filepath.Join(tmp, "a", "b", "c"), 0755)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(tmp, "a", "b", "c"))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.False(t, tmos.FileExists(path))

	require.NoError(t, tmos.WriteFileAtomic(path, []byte("first"), 0600))
	require.True(t, tmos.FileExists(path))

	require.NoError(t, tmos.WriteFileAtomic(path, []byte("second"), 0600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
