package ops

import "testing"

func TestStackCreatePushPop(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "base\n")
	mustCommit(t, ctx, "base")

	def, err := StackCreate(ctx, "feature", "main")
	if err != nil {
		t.Fatalf("StackCreate: %v", err)
	}
	if def.Base != "main" || len(def.Branches) != 0 {
		t.Fatalf("unexpected stack: %+v", def)
	}

	def, err = StackPush(ctx, "feature", "feature-1")
	if err != nil {
		t.Fatalf("StackPush: %v", err)
	}
	if len(def.Branches) != 1 || def.Branches[0] != "feature-1" {
		t.Fatalf("unexpected branches: %+v", def.Branches)
	}

	def, err = StackPush(ctx, "feature", "feature-2")
	if err != nil {
		t.Fatalf("StackPush: %v", err)
	}
	if len(def.Branches) != 2 || def.Branches[1] != "feature-2" {
		t.Fatalf("unexpected branches: %+v", def.Branches)
	}

	reloaded, err := LoadStack(ctx.GitDir, "feature")
	if err != nil {
		t.Fatalf("LoadStack: %v", err)
	}
	if len(reloaded.Branches) != 2 {
		t.Fatalf("persisted stack mismatch: %+v", reloaded)
	}

	def, err = StackPop(ctx, "feature")
	if err != nil {
		t.Fatalf("StackPop: %v", err)
	}
	if len(def.Branches) != 1 || def.Branches[0] != "feature-1" {
		t.Fatalf("unexpected branches after pop: %+v", def.Branches)
	}
}

func TestStackStatusTracksDivergence(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "base\n")
	mustCommit(t, ctx, "base")

	if _, err := StackCreate(ctx, "feature", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := StackPush(ctx, "feature", "feature-1"); err != nil {
		t.Fatal(err)
	}

	states, err := StackStatus(ctx, "feature")
	if err != nil {
		t.Fatalf("StackStatus: %v", err)
	}
	if len(states) != 1 || states[0].Status != StatusSynced {
		t.Fatalf("expected synced, got %+v", states)
	}

	checkoutBranch(t, ctx, "feature-1")
	writeFile(t, ctx, "b.txt", "on branch\n")
	mustCommit(t, ctx, "branch work")

	states, err = StackStatus(ctx, "feature")
	if err != nil {
		t.Fatalf("StackStatus: %v", err)
	}
	if states[0].Status != StatusAhead {
		t.Fatalf("expected ahead, got %+v", states)
	}

	checkoutBranch(t, ctx, "main")
	writeFile(t, ctx, "a.txt", "base changed on main\n")
	mustCommit(t, ctx, "main moved on")

	states, err = StackStatus(ctx, "feature")
	if err != nil {
		t.Fatalf("StackStatus: %v", err)
	}
	if states[0].Status != StatusDiverged {
		t.Fatalf("expected diverged, got %+v", states)
	}
}

func TestStackSyncRebasesOntoMovedBase(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "base\n")
	mustCommit(t, ctx, "base")

	if _, err := StackCreate(ctx, "feature", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := StackPush(ctx, "feature", "feature-1"); err != nil {
		t.Fatal(err)
	}

	checkoutBranch(t, ctx, "feature-1")
	writeFile(t, ctx, "b.txt", "feature work\n")
	mustCommit(t, ctx, "feature work")

	checkoutBranch(t, ctx, "main")
	writeFile(t, ctx, "c.txt", "main work\n")
	mustCommit(t, ctx, "main work")
	newMain, err := ctx.Refs.Resolve("refs/heads/main")
	if err != nil {
		t.Fatal(err)
	}

	if err := StackSync(ctx, "feature", RebaseOptions{}); err != nil {
		t.Fatalf("StackSync: %v", err)
	}

	tip, err := ctx.Refs.Resolve("refs/heads/feature-1")
	if err != nil {
		t.Fatal(err)
	}
	commit, err := ctx.Objects.ReadCommit(tip)
	if err != nil {
		t.Fatal(err)
	}
	if len(commit.Parents) != 1 || commit.Parents[0] != newMain {
		t.Fatalf("feature-1 not rebased onto new main: parents=%v want=%s", commit.Parents, newMain)
	}

	states, err := StackStatus(ctx, "feature")
	if err != nil {
		t.Fatal(err)
	}
	if states[0].Status != StatusAhead {
		t.Fatalf("expected ahead after sync, got %+v", states)
	}
}

func TestStackGotoUpDown(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "base\n")
	mustCommit(t, ctx, "base")

	if _, err := StackCreate(ctx, "feature", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := StackPush(ctx, "feature", "feature-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := StackPush(ctx, "feature", "feature-2"); err != nil {
		t.Fatal(err)
	}

	if err := StackGoto(ctx, "feature", "feature-1"); err != nil {
		t.Fatalf("StackGoto: %v", err)
	}
	cur, err := ctx.Refs.GetCurrentBranch()
	if err != nil || cur != "feature-1" {
		t.Fatalf("expected feature-1, got %q err=%v", cur, err)
	}

	if err := StackUp(ctx, "feature"); err != nil {
		t.Fatalf("StackUp: %v", err)
	}
	cur, _ = ctx.Refs.GetCurrentBranch()
	if cur != "feature-2" {
		t.Fatalf("expected feature-2 after up, got %q", cur)
	}

	if err := StackDown(ctx, "feature"); err != nil {
		t.Fatalf("StackDown: %v", err)
	}
	cur, _ = ctx.Refs.GetCurrentBranch()
	if cur != "feature-1" {
		t.Fatalf("expected feature-1 after down, got %q", cur)
	}

	if err := StackDown(ctx, "feature"); err != nil {
		t.Fatalf("StackDown: %v", err)
	}
	cur, _ = ctx.Refs.GetCurrentBranch()
	if cur != "main" {
		t.Fatalf("expected main after second down, got %q", cur)
	}
}

func TestStackReorderValidatesPermutation(t *testing.T) {
	ctx := newTestContext(t)
	writeFile(t, ctx, "a.txt", "base\n")
	mustCommit(t, ctx, "base")

	if _, err := StackCreate(ctx, "feature", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := StackPush(ctx, "feature", "feature-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := StackPush(ctx, "feature", "feature-2"); err != nil {
		t.Fatal(err)
	}

	if _, err := StackReorder(ctx, "feature", []string{"feature-2", "feature-1"}); err != nil {
		t.Fatalf("StackReorder: %v", err)
	}
	def, err := LoadStack(ctx.GitDir, "feature")
	if err != nil {
		t.Fatal(err)
	}
	if def.Branches[0] != "feature-2" || def.Branches[1] != "feature-1" {
		t.Fatalf("unexpected order: %v", def.Branches)
	}

	if _, err := StackReorder(ctx, "feature", []string{"feature-1"}); err == nil {
		t.Fatal("expected error for wrong-length reorder")
	}
	if _, err := StackReorder(ctx, "feature", []string{"feature-1", "feature-1"}); err == nil {
		t.Fatal("expected error for duplicate in reorder")
	}
}
