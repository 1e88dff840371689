package pack

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/wit/internal/objstore"
)

func newPackStore(t *testing.T) *objstore.Store {
	t.Helper()
	return objstore.Open(filepath.Join(t.TempDir(), "objects"))
}

func commitFixture(t *testing.T, store *objstore.Store, msg string, parents []objstore.Hash) objstore.Hash {
	t.Helper()
	blob, err := store.WriteBlob(&objstore.Blob{Data: []byte(msg + " content\n")})
	require.NoError(t, err)
	tree, err := store.WriteTree(&objstore.Tree{Entries: []objstore.TreeEntry{
		{Mode: objstore.ModeFile, Name: "f.txt", Hash: blob},
	}})
	require.NoError(t, err)
	ident := objstore.Ident{Name: "a", Email: "a@b.c", Timestamp: 1000, TZOffset: 0}
	h, err := store.WriteCommit(&objstore.Commit{
		Tree: tree, Parents: parents, Author: ident, Committer: ident, Message: msg,
	})
	require.NoError(t, err)
	return h
}

func TestReachableWalksCommitTreeAndParents(t *testing.T) {
	store := newPackStore(t)
	c1 := commitFixture(t, store, "first", nil)
	c2 := commitFixture(t, store, "second", []objstore.Hash{c1})

	reach, err := Reachable(store, []objstore.Hash{c2})
	require.NoError(t, err)
	require.True(t, reach.Contains(c1))
	require.True(t, reach.Contains(c2))
}

func TestObjectsToSendExcludesHaveClosure(t *testing.T) {
	store := newPackStore(t)
	c1 := commitFixture(t, store, "first", nil)
	c2 := commitFixture(t, store, "second", []objstore.Hash{c1})

	toSend, err := ObjectsToSend(store, []objstore.Hash{c2}, []objstore.Hash{c1})
	require.NoError(t, err)
	require.True(t, toSend.Contains(c2))
	require.False(t, toSend.Contains(c1))
}

func TestWriteReadPackRoundTrip(t *testing.T) {
	srcStore := newPackStore(t)
	c1 := commitFixture(t, srcStore, "first", nil)
	c2 := commitFixture(t, srcStore, "second", []objstore.Hash{c1})

	toSend, err := Reachable(srcStore, []objstore.Hash{c2})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePack(&buf, srcStore, toSend.Elements()))

	dstStore := newPackStore(t)
	written, err := ReadPack(bytes.NewReader(buf.Bytes()), dstStore)
	require.NoError(t, err)
	require.Len(t, written, len(toSend))

	gotCommit, err := dstStore.ReadCommit(c2)
	require.NoError(t, err)
	require.Equal(t, "second", gotCommit.Message)
	gotParent, err := dstStore.ReadCommit(c1)
	require.NoError(t, err)
	require.Equal(t, "first", gotParent.Message)
}
