package smarthttp

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/refs"
)

func newTestRepo(t *testing.T) (*objstore.Store, *refs.Store) {
	t.Helper()
	root := t.TempDir()
	objs := objstore.Open(filepath.Join(root, "objects"))
	rs := refs.Open(root, objs)
	return objs, rs
}

func commitFixture(t *testing.T, store *objstore.Store, msg string, parents []objstore.Hash) objstore.Hash {
	t.Helper()
	blob, err := store.WriteBlob(&objstore.Blob{Data: []byte(msg)})
	require.NoError(t, err)
	tree, err := store.WriteTree(&objstore.Tree{Entries: []objstore.TreeEntry{
		{Mode: objstore.ModeFile, Name: "f.txt", Hash: blob},
	}})
	require.NoError(t, err)
	ident := objstore.Ident{Name: "a", Email: "a@b.c", Timestamp: 1, TZOffset: 0}
	h, err := store.WriteCommit(&objstore.Commit{
		Tree: tree, Parents: parents, Author: ident, Committer: ident, Message: msg,
	})
	require.NoError(t, err)
	return h
}

func TestDiscoverRefsEmptyRepo(t *testing.T) {
	objs, rs := newTestRepo(t)
	srv := httptest.NewServer(NewServer(objs, rs, zerolog.Nop()).Handler())
	defer srv.Close()

	ad, err := DiscoverRefs(ClientOptions{BaseURL: srv.URL}, ServiceUploadPack)
	require.NoError(t, err)
	require.Empty(t, ad.Refs)
	require.Contains(t, ad.Capabilities, CapSideBand64k)
}

func TestFetchTransfersReachableObjects(t *testing.T) {
	srcObjs, srcRefs := newTestRepo(t)
	c1 := commitFixture(t, srcObjs, "first", nil)
	c2 := commitFixture(t, srcObjs, "second", []objstore.Hash{c1})
	require.NoError(t, srcRefs.Create(refs.HeadsPrefix+"main", c2))

	srv := httptest.NewServer(NewServer(srcObjs, srcRefs, zerolog.Nop()).Handler())
	defer srv.Close()

	ad, err := DiscoverRefs(ClientOptions{BaseURL: srv.URL}, ServiceUploadPack)
	require.NoError(t, err)
	require.Len(t, ad.Refs, 1)
	require.Equal(t, c2, ad.Refs[0].Hash)

	dstObjs, _ := newTestRepo(t)
	written, err := Fetch(ClientOptions{BaseURL: srv.URL}, []objstore.Hash{c2}, nil, dstObjs)
	require.NoError(t, err)
	require.Len(t, written, 6) // c1 and c2 each contribute a distinct blob+tree+commit

	got, err := dstObjs.ReadCommit(c2)
	require.NoError(t, err)
	require.Equal(t, "second", got.Message)
}

func TestPushFastForwardUpdatesRemoteRef(t *testing.T) {
	dstObjs, dstRefs := newTestRepo(t)
	c1 := commitFixture(t, dstObjs, "first", nil)
	require.NoError(t, dstRefs.Create(refs.HeadsPrefix+"main", c1))

	srv := httptest.NewServer(NewServer(dstObjs, dstRefs, zerolog.Nop()).Handler())
	defer srv.Close()

	srcObjs, _ := newTestRepo(t)
	c1Local := commitFixture(t, srcObjs, "first", nil)
	c2 := commitFixture(t, srcObjs, "second", []objstore.Hash{c1Local})
	require.Equal(t, c1, c1Local)

	results, err := Push(ClientOptions{BaseURL: srv.URL}, srcObjs, []RefUpdate{
		{Old: c1, New: c2, Name: refs.HeadsPrefix + "main"},
	}, false)
	require.NoError(t, err)
	require.NoError(t, results[refs.HeadsPrefix+"main"])

	got, err := dstRefs.Resolve(refs.HeadsPrefix + "main")
	require.NoError(t, err)
	require.Equal(t, c2, got)
}

func TestPushNonFastForwardRejectedWithoutForce(t *testing.T) {
	dstObjs, dstRefs := newTestRepo(t)
	cA := commitFixture(t, dstObjs, "A", nil)
	cB := commitFixture(t, dstObjs, "B-remote", []objstore.Hash{cA})
	require.NoError(t, dstRefs.Create(refs.HeadsPrefix+"main", cB))

	srv := httptest.NewServer(NewServer(dstObjs, dstRefs, zerolog.Nop()).Handler())
	defer srv.Close()

	srcObjs, _ := newTestRepo(t)
	cALocal := commitFixture(t, srcObjs, "A", nil)
	require.Equal(t, cA, cALocal)
	// The client's remote-tracking ref already holds cB from an earlier
	// fetch, so it has cB's objects locally even though its own main has
	// diverged from it.
	cBLocal := commitFixture(t, srcObjs, "B-remote", []objstore.Hash{cALocal})
	require.Equal(t, cB, cBLocal)
	cBPrime := commitFixture(t, srcObjs, "B-local", []objstore.Hash{cALocal})

	// The client discovered the remote's actual current value (cB) during
	// its own ref discovery, so it CASes against that, not the merge base.
	results, err := Push(ClientOptions{BaseURL: srv.URL}, srcObjs, []RefUpdate{
		{Old: cB, New: cBPrime, Name: refs.HeadsPrefix + "main"},
	}, false)
	require.NoError(t, err)
	require.Error(t, results[refs.HeadsPrefix+"main"])

	got, err := dstRefs.Resolve(refs.HeadsPrefix + "main")
	require.NoError(t, err)
	require.Equal(t, cB, got)
}
