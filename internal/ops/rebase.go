package ops

import (
	"time"

	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/merge"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// RebaseState is persisted to REBASE_STATE.json while a branch is being
// replayed onto a new base (spec.md §6 on-disk layout; driven here by
// Stack sync, spec.md §4.7 "Stack... sync (rebase each branch onto the
// new base in order)").
type RebaseState struct {
	Branch       string
	Commits      []objstore.Hash // the branch's own commits, oldest first
	CurrentIndex int
	NewBase      objstore.Hash
	NewTip       objstore.Hash // running tip of the replayed chain; zero until the first commit replays
	OriginalHead objstore.Hash
	Conflicts    []string
}

// RebaseOptions configures one rebase run.
type RebaseOptions struct {
	NoVerify bool
}

// RebaseResult is the outcome of a Rebase/Continue call.
type RebaseResult struct {
	NewTip    objstore.Hash
	Conflicts []string
}

// branchCommitsSince walks tip's first-parent chain back to (not
// including) base, returning the commits oldest-first — the linear
// history a stack branch is expected to have (stack branches are not
// merged into, so first-parent is the whole story).
func branchCommitsSince(store *objstore.Store, base, tip objstore.Hash) ([]objstore.Hash, error) {
	var chain []objstore.Hash
	cur := tip
	for !cur.IsZero() && cur != base {
		chain = append(chain, cur)
		c, err := store.ReadCommit(cur)
		if err != nil {
			return nil, err
		}
		if len(c.Parents) == 0 {
			cur = objstore.Hash{}
			break
		}
		cur = c.Parents[0]
	}
	if cur != base {
		return nil, werr.New(werr.InvalidArgument, "rebase: %s is not a descendant of %s", tip, base)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// driveRebase replays state.Commits[state.CurrentIndex:] onto
// state.NewBase one at a time. Each commit C with parent P is reapplied
// as the three-way merge base=P's tree, ours=<running new tip>'s tree,
// theirs=C's tree — the standard rebase-as-cherry-pick identity, reusing
// the same merge engine Merge and Revert already build on rather than a
// fourth from-scratch tree-patching implementation.
func driveRebase(ctx *Context, state *RebaseState, opts RebaseOptions) (*RebaseResult, error) {
	// The running tip is carried in state.NewTip rather than re-derived
	// from the branch ref: Skip can advance CurrentIndex past a commit
	// that was never actually replayed (conflicting and dropped), so the
	// branch ref alone does not reliably track "how far replay has
	// progressed" once a skip has happened at the very first step.
	newTip := state.NewBase
	if !state.NewTip.IsZero() {
		newTip = state.NewTip
	}

	for state.CurrentIndex < len(state.Commits) {
		c, err := ctx.Objects.ReadCommit(state.Commits[state.CurrentIndex])
		if err != nil {
			return nil, err
		}
		var parentTree objstore.Hash
		if len(c.Parents) > 0 {
			p, err := ctx.Objects.ReadCommit(c.Parents[0])
			if err != nil {
				return nil, err
			}
			parentTree = p.Tree
		}
		newTipCommit, err := ctx.Objects.ReadCommit(newTip)
		if err != nil {
			return nil, err
		}

		if len(state.Conflicts) == 0 {
			tr, err := merge.MergeTrees(ctx.Objects, parentTree, newTipCommit.Tree, c.Tree,
				merge.ConflictLabels{Ours: state.Branch, Theirs: "rebased commit"})
			if err != nil {
				return nil, err
			}
			conflictSet := map[string]bool{}
			var conflictPaths []string
			for _, cf := range tr.Conflicts {
				conflictSet[cf.Path] = true
				conflictPaths = append(conflictPaths, cf.Path)
			}
			if err := materializeTree(ctx, tr.Tree, conflictSet); err != nil {
				return nil, err
			}
			if err := ctx.Index.Save(); err != nil {
				return nil, err
			}
			if len(conflictPaths) > 0 {
				state.Conflicts = conflictPaths
				if err := saveState(ctx.GitDir, rebaseStateFile, state); err != nil {
					return nil, err
				}
				return &RebaseResult{Conflicts: conflictPaths}, werr.New(werr.ConflictsPresent,
					"rebase: %d conflicting path(s) replaying %s", len(conflictPaths), state.Commits[state.CurrentIndex]).
					WithHints("resolve conflicts and stage them, then run rebase --continue", "or run rebase --abort")
			}
		}

		if err := RunHook(ctx.GitDir, "pre-commit", nil, "", opts.NoVerify); err != nil {
			return nil, err
		}
		treeHash, err := ctx.Index.BuildTree()
		if err != nil {
			return nil, err
		}
		committer, err := resolveIdent(ctx, envCommitter)
		if err != nil {
			return nil, err
		}
		newCommit, err := ctx.Objects.WriteCommit(&objstore.Commit{
			Tree: treeHash, Parents: []objstore.Hash{newTip}, Author: c.Author, Committer: committer, Message: c.Message,
		})
		if err != nil {
			return nil, err
		}
		if err := ctx.Refs.Update("refs/heads/"+state.Branch, newCommit); err != nil {
			return nil, err
		}
		newTip = newCommit
		state.NewTip = newCommit

		state.Conflicts = nil
		state.CurrentIndex++
		if state.CurrentIndex < len(state.Commits) {
			if err := saveState(ctx.GitDir, rebaseStateFile, state); err != nil {
				return nil, err
			}
		}
	}

	if err := clearState(ctx.GitDir, rebaseStateFile); err != nil {
		return nil, err
	}
	return &RebaseResult{NewTip: newTip}, nil
}

// Rebase replays branch's own commits (relative to its current upstream
// base) onto newBase.
func Rebase(ctx *Context, branch string, base, newBase objstore.Hash, opts RebaseOptions) (*RebaseResult, error) {
	defer observeDuration("rebase", time.Now())
	var result *RebaseResult
	err := lock.WithLock(ctx.GitDir, func() error {
		if err := ctx.CheckNoOperationInProgress(); err != nil {
			return err
		}
		tip, err := ctx.Refs.Resolve("refs/heads/" + branch)
		if err != nil {
			return err
		}
		commits, err := branchCommitsSince(ctx.Objects, base, tip)
		if err != nil {
			return err
		}
		if len(commits) == 0 {
			if err := ctx.Refs.Update("refs/heads/"+branch, newBase); err != nil {
				return err
			}
			result = &RebaseResult{NewTip: newBase}
			return nil
		}
		state := &RebaseState{Branch: branch, Commits: commits, NewBase: newBase, OriginalHead: tip}
		r, err := driveRebase(ctx, state, opts)
		result = r
		return err
	})
	if err != nil {
		if werr.Is(err, werr.ConflictsPresent) {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

// RebaseOp implements Resumable for an in-progress rebase.
type RebaseOp struct {
	ctx  *Context
	opts RebaseOptions
}

func NewRebaseOp(ctx *Context, opts RebaseOptions) *RebaseOp { return &RebaseOp{ctx: ctx, opts: opts} }

func (r *RebaseOp) Continue() error {
	return lock.WithLock(r.ctx.GitDir, func() error {
		var state RebaseState
		has, err := loadState(r.ctx.GitDir, rebaseStateFile, &state)
		if err != nil {
			return err
		}
		if !has {
			return werr.New(werr.InvalidArgument, "rebase: no rebase in progress")
		}
		for _, p := range state.Conflicts {
			if r.ctx.Index.Get(p) == nil {
				return werr.New(werr.ConflictsPresent, "rebase: %s is still unresolved", p)
			}
		}
		_, err = driveRebase(r.ctx, &state, r.opts)
		return err
	})
}

func (r *RebaseOp) Abort() error {
	return lock.WithLock(r.ctx.GitDir, func() error {
		var state RebaseState
		has, err := loadState(r.ctx.GitDir, rebaseStateFile, &state)
		if err != nil {
			return err
		}
		if !has {
			return werr.New(werr.InvalidArgument, "rebase: no rebase in progress")
		}
		if err := r.ctx.Refs.Update("refs/heads/"+state.Branch, state.OriginalHead); err != nil {
			return err
		}
		headCommit, err := r.ctx.Objects.ReadCommit(state.OriginalHead)
		if err != nil {
			return err
		}
		if err := materializeTree(r.ctx, headCommit.Tree, nil); err != nil {
			return err
		}
		if err := r.ctx.Index.Save(); err != nil {
			return err
		}
		return clearState(r.ctx.GitDir, rebaseStateFile)
	})
}

// Skip drops the commit currently being replayed, discarding its
// conflicted working-tree state, and resumes replaying the rest of the
// chain from the next commit.
func (r *RebaseOp) Skip() error {
	return lock.WithLock(r.ctx.GitDir, func() error {
		var state RebaseState
		has, err := loadState(r.ctx.GitDir, rebaseStateFile, &state)
		if err != nil {
			return err
		}
		if !has {
			return werr.New(werr.InvalidArgument, "rebase: no rebase in progress")
		}
		state.Conflicts = nil
		state.CurrentIndex++
		resetTip := state.NewBase
		if !state.NewTip.IsZero() {
			resetTip = state.NewTip
		}
		resetCommit, err := r.ctx.Objects.ReadCommit(resetTip)
		if err != nil {
			return err
		}
		if err := materializeTree(r.ctx, resetCommit.Tree, nil); err != nil {
			return err
		}
		if err := r.ctx.Index.Save(); err != nil {
			return err
		}
		_, err = driveRebase(r.ctx, &state, r.opts)
		return err
	})
}

var _ Resumable = (*RebaseOp)(nil)
