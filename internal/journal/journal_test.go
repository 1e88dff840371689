package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/wit/internal/objstore"
)

func mkHash(b byte) objstore.Hash {
	var h objstore.Hash
	h[0] = b
	return h
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, dir)
	require.NoError(t, err)

	e1, err := j.Append("commit", nil, State{}, State{Head: mkHash(1), Branch: "main"}, nil, true, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e1.ID)

	e2, err := j.Append("commit", nil, State{Head: mkHash(1)}, State{Head: mkHash(2), Branch: "main"}, nil, true, 101)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e2.ID)
	require.NotEqual(t, e1.CorrelationID, e2.CorrelationID)
}

func TestOpenRecoversNextIDFromDisk(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, dir)
	require.NoError(t, err)
	_, err = j.Append("commit", nil, State{}, State{Head: mkHash(1)}, nil, true, 100)
	require.NoError(t, err)

	j2, err := Open(dir, dir)
	require.NoError(t, err)
	e, err := j2.Append("commit", nil, State{}, State{Head: mkHash(2)}, nil, true, 101)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.ID)
}

func TestEntriesSortedOldestFirst(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := j.Append("commit", nil, State{}, State{Head: mkHash(byte(i))}, nil, true, int64(100+i))
		require.NoError(t, err)
	}
	entries, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(1), entries[0].ID)
	require.Equal(t, uint64(3), entries[2].ID)
}

type fakeRefs struct {
	head     objstore.Hash
	branch   string
	detached bool
	updates  map[string]objstore.Hash
}

func newFakeRefs() *fakeRefs { return &fakeRefs{updates: map[string]objstore.Hash{}} }

func (f *fakeRefs) SetHeadSymbolic(branch string) error {
	f.branch = branch
	f.detached = false
	return nil
}
func (f *fakeRefs) SetHeadDetached(hash objstore.Hash) error {
	f.head = hash
	f.detached = true
	return nil
}
func (f *fakeRefs) Update(name string, hash objstore.Hash) error {
	f.updates[name] = hash
	return nil
}

func TestUndoRestoresBeforeStateAndAppendsForwardEntry(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, dir)
	require.NoError(t, err)

	before := State{Head: mkHash(1), Branch: "main"}
	after := State{Head: mkHash(2), Branch: "main"}
	_, err = j.Append("commit", nil, before, after, nil, true, 100)
	require.NoError(t, err)

	refs := newFakeRefs()
	undone, err := j.Undo(refs, 1, 200)
	require.NoError(t, err)
	require.Len(t, undone, 1)
	require.Equal(t, "main", refs.branch)
	require.Equal(t, mkHash(1), refs.updates["refs/heads/main"])

	entries, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "undo", entries[1].Operation)
	require.False(t, entries[1].Undoable)
}

func TestUndoStopsAtNonUndoableEntry(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, dir)
	require.NoError(t, err)

	_, err = j.Append("gc", nil, State{Head: mkHash(1)}, State{Head: mkHash(1)}, nil, false, 100)
	require.NoError(t, err)

	refs := newFakeRefs()
	_, err = j.Undo(refs, 1, 200)
	require.Error(t, err)
}
