package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansiblemesh/ansible/internal/fault"
)

func TestSnapshotPersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ansible-state.yjs")

	a := New("a")
	a.Transact(func(tx *Txn) {
		tx.Set(Nodes, "a", map[string]any{"tier": "backbone"})
		tx.Set(Messages, "m1", map[string]any{"from_agent": "a", "content": "persisted"})
	})
	require.NoError(t, a.PersistSnapshot(dir, path))

	b := New("a")
	require.NoError(t, b.LoadSnapshot(dir, path))
	assert.Equal(t, a.Dump(), b.Dump())
}

func TestSnapshotLoadMissingFileIsEmptyStart(t *testing.T) {
	dir := t.TempDir()
	d := New("a")
	require.NoError(t, d.LoadSnapshot(dir, filepath.Join(dir, "missing.yjs")))
	assert.Empty(t, d.Dump())
}

func TestSnapshotRejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	d := New("a")

	err := d.PersistSnapshot(dir, filepath.Join(dir, "..", "outside.yjs"))
	require.Error(t, err)
	assert.Equal(t, fault.PathTraversal, fault.KindOf(err))

	err = d.PersistSnapshot(dir, "/tmp/elsewhere.yjs")
	require.Error(t, err)
	assert.Equal(t, fault.PathTraversal, fault.KindOf(err))
}

func TestSnapshotRejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(outside, link))

	d := New("a")
	err := d.PersistSnapshot(dir, filepath.Join(link, "state.yjs"))
	require.Error(t, err)
	assert.Equal(t, fault.PathTraversal, fault.KindOf(err))
}

func TestSnapshotCorruptFileIsWarningNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ansible-state.yjs")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	d := New("a")
	assert.Error(t, d.LoadSnapshot(dir, path))
	assert.Empty(t, d.Dump(), "document starts empty after a bad snapshot")
}
