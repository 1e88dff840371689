package merge

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/wit/internal/objstore"
)

func newTreeStore(t *testing.T) *objstore.Store {
	t.Helper()
	return objstore.Open(filepath.Join(t.TempDir(), "objects"))
}

func writeFileTree(t *testing.T, store *objstore.Store, files map[string]string) objstore.Hash {
	t.Helper()
	entries := map[string]flatEntry{}
	for p, content := range files {
		h, err := store.WriteBlob(&objstore.Blob{Data: []byte(content)})
		require.NoError(t, err)
		entries[p] = flatEntry{Mode: objstore.ModeFile, Hash: h}
	}
	root, err := buildTreeFromPaths(store, entries)
	require.NoError(t, err)
	return root
}

func TestMergeTreesNonConflictingPerFileChanges(t *testing.T) {
	store := newTreeStore(t)
	base := writeFileTree(t, store, map[string]string{
		"a.txt":     "hello\n",
		"dir/b.txt": "world\n",
	})
	ours := writeFileTree(t, store, map[string]string{
		"a.txt":     "HELLO\n",
		"dir/b.txt": "world\n",
	})
	theirs := writeFileTree(t, store, map[string]string{
		"a.txt":     "hello\n",
		"dir/b.txt": "WORLD\n",
	})

	res, err := MergeTrees(store, base, ours, theirs, labels)
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)

	flat := map[string]flatEntry{}
	require.NoError(t, flattenTree(store, res.Tree, "", flat))
	a, err := store.ReadBlob(flat["a.txt"].Hash)
	require.NoError(t, err)
	require.Equal(t, "HELLO\n", string(a.Data))
	b, err := store.ReadBlob(flat["dir/b.txt"].Hash)
	require.NoError(t, err)
	require.Equal(t, "WORLD\n", string(b.Data))
}

func TestMergeTreesContentConflictKeepsPathWithMarkers(t *testing.T) {
	store := newTreeStore(t)
	base := writeFileTree(t, store, map[string]string{"f.txt": "one\ntwo\nthree\n"})
	ours := writeFileTree(t, store, map[string]string{"f.txt": "one\nOURS\nthree\n"})
	theirs := writeFileTree(t, store, map[string]string{"f.txt": "one\nTHEIRS\nthree\n"})

	res, err := MergeTrees(store, base, ours, theirs, labels)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "modify/modify", res.Conflicts[0].Kind)

	flat := map[string]flatEntry{}
	require.NoError(t, flattenTree(store, res.Tree, "", flat))
	blob, err := store.ReadBlob(flat["f.txt"].Hash)
	require.NoError(t, err)
	require.Contains(t, string(blob.Data), "<<<<<<< HEAD")
}

func TestMergeTreesModifyDeleteConflict(t *testing.T) {
	store := newTreeStore(t)
	base := writeFileTree(t, store, map[string]string{"f.txt": "one\n"})
	ours := writeFileTree(t, store, map[string]string{"f.txt": "ONE\n"})
	theirs := writeFileTree(t, store, map[string]string{})

	res, err := MergeTrees(store, base, ours, theirs, labels)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "modify/delete", res.Conflicts[0].Kind)

	flat := map[string]flatEntry{}
	require.NoError(t, flattenTree(store, res.Tree, "", flat))
	require.Contains(t, flat, "f.txt")
}

func TestMergeTreesDeleteOnBothSidesStaysDeleted(t *testing.T) {
	store := newTreeStore(t)
	base := writeFileTree(t, store, map[string]string{"f.txt": "one\n", "keep.txt": "k\n"})
	ours := writeFileTree(t, store, map[string]string{"keep.txt": "k\n"})
	theirs := writeFileTree(t, store, map[string]string{"keep.txt": "k\n"})

	res, err := MergeTrees(store, base, ours, theirs, labels)
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)

	flat := map[string]flatEntry{}
	require.NoError(t, flattenTree(store, res.Tree, "", flat))
	require.NotContains(t, flat, "f.txt")
	require.Contains(t, flat, "keep.txt")
}

func TestMergeTreesAddAddSameContentNoConflict(t *testing.T) {
	store := newTreeStore(t)
	base := writeFileTree(t, store, map[string]string{})
	ours := writeFileTree(t, store, map[string]string{"new.txt": "same\n"})
	theirs := writeFileTree(t, store, map[string]string{"new.txt": "same\n"})

	res, err := MergeTrees(store, base, ours, theirs, labels)
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
}

func TestMergeTreesAddAddDifferentContentConflict(t *testing.T) {
	store := newTreeStore(t)
	base := writeFileTree(t, store, map[string]string{})
	ours := writeFileTree(t, store, map[string]string{"new.txt": "ours\n"})
	theirs := writeFileTree(t, store, map[string]string{"new.txt": "theirs\n"})

	res, err := MergeTrees(store, base, ours, theirs, labels)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "add/add", res.Conflicts[0].Kind)
}
