package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/wit/internal/objstore"
)

func newTestIndex(t *testing.T) (*Index, *objstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	store := objstore.Open(filepath.Join(root, ".wit", "objects"))
	idx := New(store, root, filepath.Join(root, ".wit", "index"))
	return idx, store, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0777))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

// S1-flavored: staging two files then building a tree reproduces the
// index's path->(mode,hash) map exactly (testable property 2).
func TestIndexAddAndBuildTree(t *testing.T) {
	idx, store, root := newTestIndex(t)
	writeFile(t, root, "a.txt", "hello\n")
	writeFile(t, root, "b.txt", "world\n")

	require.NoError(t, idx.Add("a.txt"))
	require.NoError(t, idx.Add("b.txt"))

	treeHash, err := idx.BuildTree()
	require.NoError(t, err)

	tree, err := store.ReadTree(treeHash)
	require.NoError(t, err)
	require.Len(t, tree.Entries, 2)

	got := map[string]objstore.Hash{}
	for _, e := range tree.Entries {
		got[e.Name] = e.Hash
	}
	require.Equal(t, idx.Get("a.txt").Hash, got["a.txt"])
	require.Equal(t, idx.Get("b.txt").Hash, got["b.txt"])
}

func TestIndexBuildTreeNested(t *testing.T) {
	idx, store, root := newTestIndex(t)
	writeFile(t, root, "sub/dir/c.txt", "nested\n")
	require.NoError(t, idx.Add("sub/dir/c.txt"))

	treeHash, err := idx.BuildTree()
	require.NoError(t, err)

	root_, err := store.ReadTree(treeHash)
	require.NoError(t, err)
	require.Len(t, root_.Entries, 1)
	require.Equal(t, "sub", root_.Entries[0].Name)
	require.Equal(t, objstore.ModeTree, root_.Entries[0].Mode)

	sub, err := store.ReadTree(root_.Entries[0].Hash)
	require.NoError(t, err)
	require.Equal(t, "dir", sub.Entries[0].Name)
}

func TestIndexSaveLoadRoundTrip(t *testing.T) {
	idx, store, root := newTestIndex(t)
	writeFile(t, root, "a.txt", "hello\n")
	require.NoError(t, idx.Add("a.txt"))
	require.NoError(t, idx.Save())

	idx2, err := Load(store, root, filepath.Join(root, ".wit", "index"))
	require.NoError(t, err)
	require.Equal(t, idx.Get("a.txt"), idx2.Get("a.txt"))
}

func TestIndexHashStableAcrossReload(t *testing.T) {
	idx, store, root := newTestIndex(t)
	writeFile(t, root, "a.txt", "hello\n")
	require.NoError(t, idx.Add("a.txt"))
	h1 := idx.Hash()
	require.NoError(t, idx.Save())

	idx2, err := Load(store, root, filepath.Join(root, ".wit", "index"))
	require.NoError(t, err)
	require.Equal(t, h1, idx2.Hash())
}
