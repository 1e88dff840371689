package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lab.nexedi.com/kirr/wit/internal/config"
	"lab.nexedi.com/kirr/wit/internal/index"
	"lab.nexedi.com/kirr/wit/internal/journal"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/refs"
)

// newTestContext builds a fresh repository skeleton (object store, refs,
// index, config, journal) rooted at a temp directory, with a deterministic
// identity and clock so commit hashes are reproducible across test runs.
func newTestContext(t *testing.T) *Context {
	t.Helper()
	root := t.TempDir()
	gitDir := filepath.Join(root, ".wit")
	for _, d := range []string{"objects", "refs/heads", "refs/tags", "refs/remotes"} {
		if err := os.MkdirAll(filepath.Join(gitDir, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	objs := objstore.Open(filepath.Join(gitDir, "objects"))
	refStore := refs.Open(gitDir, objs)
	if err := refStore.SetHeadSymbolic("main"); err != nil {
		t.Fatal(err)
	}

	idx := index.New(objs, root, filepath.Join(gitDir, "index"))

	cfg := config.New()
	cfg.Section("user", "").Keys["name"] = "Test User"
	cfg.Section("user", "").Keys["email"] = "test@example.com"

	jdir := filepath.Join(gitDir, "JOURNAL")
	j, err := journal.Open(jdir, gitDir)
	if err != nil {
		t.Fatal(err)
	}

	clockTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Context{
		GitDir:  gitDir,
		WorkDir: root,
		Objects: objs,
		Refs:    refStore,
		Index:   idx,
		Config:  cfg,
		Journal: j,
		Log:     zerolog.Nop(),
		Clock:   func() time.Time { return clockTime },
	}
}

// writeFile stages a file at p with contents data, both on disk and (via
// Index.Add) in the index.
func writeFile(t *testing.T, ctx *Context, p, data string) {
	t.Helper()
	full := filepath.Join(ctx.WorkDir, p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Index.Add(p); err != nil {
		t.Fatal(err)
	}
}

func mustCommit(t *testing.T, ctx *Context, message string) objstore.Hash {
	t.Helper()
	res, err := Commit(ctx, CommitOptions{Message: message})
	if err != nil {
		t.Fatalf("commit %q: %v", message, err)
	}
	return res.Hash
}
