package lock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/wit/internal/werr"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir)
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}

func TestSecondAcquireFailsBusy(t *testing.T) {
	dir := t.TempDir()
	first := Open(dir)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := Open(dir)
	err := second.Acquire()
	require.Error(t, err)
	require.Equal(t, werr.RepositoryBusy, werr.KindOf(err))
}

func TestWithLockReleasesAfterFn(t *testing.T) {
	dir := t.TempDir()
	ran := false
	require.NoError(t, WithLock(dir, func() error {
		ran = true
		return nil
	}))
	require.True(t, ran)

	// lock must be free again afterward
	l := Open(dir)
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}
