package ops

import (
	"testing"

	"lab.nexedi.com/kirr/wit/internal/werr"
)

func TestCommitCreatesRootCommitAndAdvancesBranch(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "hello\n")

	res, err := Commit(ctx, CommitOptions{Message: "initial"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.Hash.IsZero() {
		t.Fatal("expected non-zero commit hash")
	}

	head, err := ctx.Refs.HeadHash()
	if err != nil {
		t.Fatalf("HeadHash: %v", err)
	}
	if head != res.Hash {
		t.Fatalf("branch not advanced: HEAD=%s commit=%s", head, res.Hash)
	}

	c, err := ctx.Objects.ReadCommit(res.Hash)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(c.Parents) != 0 {
		t.Fatalf("expected root commit with no parents, got %v", c.Parents)
	}
}

func TestCommitSecondParentsOnHead(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "one\n")
	first := mustCommit(t, ctx, "first")

	writeFile(t, ctx, "a.txt", "two\n")
	res, err := Commit(ctx, CommitOptions{Message: "second"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	c, err := ctx.Objects.ReadCommit(res.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Parents) != 1 || c.Parents[0] != first {
		t.Fatalf("expected single parent %s, got %v", first, c.Parents)
	}
}

func TestCommitRejectsEmptyMessage(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "hello\n")
	_, err := Commit(ctx, CommitOptions{Message: ""})
	if !werr.Is(err, werr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCommitRejectsWhenOperationInProgress(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "hello\n")
	mustCommit(t, ctx, "first")

	if err := saveState(ctx.GitDir, revertStateFile, &RevertState{}); err != nil {
		t.Fatal(err)
	}

	writeFile(t, ctx, "a.txt", "two\n")
	_, err := Commit(ctx, CommitOptions{Message: "second"})
	if !werr.Is(err, werr.MergeInProgress) {
		t.Fatalf("expected MergeInProgress (operation-in-progress), got %v", err)
	}
}

func TestCommitRecordsJournalEntry(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "hello\n")
	hash := mustCommit(t, ctx, "initial")

	entries, err := ctx.Journal.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(entries))
	}
	if entries[0].Operation != "commit" {
		t.Fatalf("expected operation=commit, got %s", entries[0].Operation)
	}
	if entries[0].Payload["commitHash"] != hash.String() {
		t.Fatalf("expected payload commitHash=%s, got %s", hash, entries[0].Payload["commitHash"])
	}
}
