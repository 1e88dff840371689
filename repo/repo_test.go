package repo

import (
	"os"
	"path/filepath"
	"testing"

	"lab.nexedi.com/kirr/wit/internal/ops"
)

func TestInitCreatesLayoutAndOpenRediscoversIt(t *testing.T) {
	root := t.TempDir()

	r, err := Init(root, "main")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, p := range []string{"objects", "refs/heads", "refs/tags", "refs/remotes", "hooks", "JOURNAL", "STACK", "config", "index"} {
		if _, err := os.Stat(filepath.Join(r.GitDir, p)); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}
	branch, err := r.Refs.GetCurrentBranch()
	if err != nil || branch != "main" {
		t.Fatalf("expected HEAD on main, got %q err=%v", branch, err)
	}

	sub := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	r2, err := Open(sub)
	if err != nil {
		t.Fatalf("Open from subdirectory: %v", err)
	}
	if r2.WorkDir != root {
		t.Fatalf("expected discovered root %s, got %s", root, r2.WorkDir)
	}
}

func TestOpenWithoutRepositoryFails(t *testing.T) {
	root := t.TempDir()
	if _, err := Open(root); err == nil {
		t.Fatal("expected NotARepository error")
	}
}

func TestHeadTreeEntriesEmptyBeforeFirstCommit(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, "main")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := r.HeadTreeEntries()
	if err != nil {
		t.Fatalf("HeadTreeEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries before first commit, got %+v", entries)
	}
}

func TestHeadTreeEntriesReflectsCommittedFiles(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, "main")
	if err != nil {
		t.Fatal(err)
	}
	r.Config.Section("user", "").Keys["name"] = "Test"
	r.Config.Section("user", "").Keys["email"] = "test@example.com"

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Index.Add("a.txt"); err != nil {
		t.Fatal(err)
	}

	ctx := r.Context()
	res, err := ops.Commit(ctx, ops.CommitOptions{Message: "first"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.Hash.IsZero() {
		t.Fatal("expected non-zero commit hash")
	}

	entries, err := r.HeadTreeEntries()
	if err != nil {
		t.Fatalf("HeadTreeEntries: %v", err)
	}
	if _, ok := entries["a.txt"]; !ok {
		t.Fatalf("expected a.txt in HEAD tree entries, got %+v", entries)
	}
}
