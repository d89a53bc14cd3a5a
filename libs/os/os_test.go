package os_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	tmos "github.com/tendermint/braid/libs/os"
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

	// Nested directories are created in one call.
	err = tmos.EnsureDir(filepath.Join(tmp, "a", "b", "c"), 0755)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(tmp, "a", "b", "c"))
}

func TestFileExists(t *testing.T) {
	tmp := t.TempDir()
	require.True(t, tmos.FileExists(tmp))
	require.False(t, tmos.FileExists(filepath.Join(tmp, "missing")))
}
