package ops

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/refs"
	"lab.nexedi.com/kirr/wit/internal/smarthttp"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// newRemoteFixture starts an httptest Smart-HTTP server backed by a fresh
// object store/refs pair, standing in for "the remote" a push targets.
func newRemoteFixture(t *testing.T) (*httptest.Server, *objstore.Store, *refs.Store) {
	t.Helper()
	root := t.TempDir()
	objs := objstore.Open(filepath.Join(root, "objects"))
	rs := refs.Open(root, objs)
	srv := httptest.NewServer(smarthttp.NewServer(objs, rs, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, objs, rs
}

func TestPushNewBranchCreatesRemoteRef(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "hello\n")
	local := mustCommit(t, ctx, "first")

	srv, remoteObjs, remoteRefs := newRemoteFixture(t)

	res, err := Push(ctx, []PushRequest{{LocalRef: "refs/heads/main", RemoteRef: "refs/heads/main"}},
		PushOptions{RemoteName: "origin", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(res.Refs) != 1 || res.Refs[0].Class != RefNew || res.Refs[0].Err != nil {
		t.Fatalf("unexpected result: %+v", res.Refs)
	}

	remoteHead, err := remoteRefs.Resolve(refs.HeadsPrefix + "main")
	if err != nil {
		t.Fatalf("remote ref not created: %v", err)
	}
	if remoteHead != local {
		t.Fatalf("remote ref mismatch: got %s want %s", remoteHead, local)
	}
	if !remoteObjs.Exists(local) {
		t.Fatal("expected commit object present on remote")
	}

	trackingHash, err := ctx.Refs.Resolve("refs/remotes/origin/main")
	if err != nil {
		t.Fatalf("expected tracking ref created: %v", err)
	}
	if trackingHash != local {
		t.Fatalf("tracking ref mismatch: got %s want %s", trackingHash, local)
	}
}

func TestPushUpToDateSkipsTransfer(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "hello\n")
	mustCommit(t, ctx, "first")

	srv, _, _ := newRemoteFixture(t)
	if _, err := Push(ctx, []PushRequest{{LocalRef: "refs/heads/main", RemoteRef: "refs/heads/main"}},
		PushOptions{RemoteName: "origin", BaseURL: srv.URL}); err != nil {
		t.Fatalf("first push: %v", err)
	}

	res, err := Push(ctx, []PushRequest{{LocalRef: "refs/heads/main", RemoteRef: "refs/heads/main"}},
		PushOptions{RemoteName: "origin", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if len(res.Refs) != 1 || res.Refs[0].Class != RefUpToDate {
		t.Fatalf("expected up-to-date, got %+v", res.Refs)
	}
}

func TestPushNonFastForwardRejectedWithoutForce(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "base\n")
	mustCommit(t, ctx, "base")

	srv, _, remoteRefs := newRemoteFixture(t)
	if _, err := Push(ctx, []PushRequest{{LocalRef: "refs/heads/main", RemoteRef: "refs/heads/main"}},
		PushOptions{RemoteName: "origin", BaseURL: srv.URL}); err != nil {
		t.Fatalf("initial push: %v", err)
	}
	remoteHeadBefore, err := remoteRefs.Resolve(refs.HeadsPrefix + "main")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, ctx, "a.txt", "diverged locally\n")
	// A parentless commit shares no history with the pushed one, so the
	// local main no longer descends from the remote tip.
	diverged, err := writeCommitObject(ctx, nil, "local divergent change")
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Refs.Update(refs.HeadsPrefix+"main", diverged); err != nil {
		t.Fatal(err)
	}

	res, err := Push(ctx, []PushRequest{{LocalRef: "refs/heads/main", RemoteRef: "refs/heads/main"}},
		PushOptions{RemoteName: "origin", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(res.Refs) != 1 || res.Refs[0].Class != RefNonFF {
		t.Fatalf("expected non-ff, got %+v", res.Refs)
	}
	if !werr.Is(res.Refs[0].Err, werr.NonFastForward) {
		t.Fatalf("expected NonFastForward error, got %v", res.Refs[0].Err)
	}

	remoteHeadAfter, err := remoteRefs.Resolve(refs.HeadsPrefix + "main")
	if err != nil {
		t.Fatal(err)
	}
	if remoteHeadAfter != remoteHeadBefore {
		t.Fatalf("remote ref changed on rejected push: %s -> %s", remoteHeadBefore, remoteHeadAfter)
	}
	trackingHash, err := ctx.Refs.Resolve("refs/remotes/origin/main")
	if err != nil {
		t.Fatal(err)
	}
	if trackingHash != remoteHeadBefore {
		t.Fatalf("tracking ref moved on a rejected push: %s -> %s", remoteHeadBefore, trackingHash)
	}
}
