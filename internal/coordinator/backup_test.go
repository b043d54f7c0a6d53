package coordinator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackupTreeThenRestoreTreeRoundTrips(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "working"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "working", "rec.txt"), []byte("hello"), 0o644))

	stamp := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	dest, err := BackupTree(root, stamp)
	require.NoError(t, err)
	require.DirExists(t, dest)

	// Mutate the live tree after the backup.
	require.NoError(t, os.WriteFile(filepath.Join(root, "working", "rec.txt"), []byte("changed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "working", "new.txt"), []byte("extra"), 0o644))

	require.NoError(t, RestoreTree(root, filepath.Base(dest)))

	data, err := os.ReadFile(filepath.Join(root, "working", "rec.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestBackupTreeSkipsItsOwnBackupsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "working"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "working", "rec.txt"), []byte("hello"), 0o644))

	first, err := BackupTree(root, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	second, err := BackupTree(root, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoDirExists(t, filepath.Join(second, "backups"))
	require.DirExists(t, first)
}

func TestRestoreTreeErrorsWhenBackupMissing(t *testing.T) {
	root := t.TempDir()
	err := RestoreTree(root, "20000101000000")
	require.Error(t, err)
}
