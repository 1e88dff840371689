package ops

import (
	"fmt"
	"strings"
	"time"

	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/merge"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// RevertState is persisted to REVERT_STATE.json across a multi-commit
// revert (spec.md §3 "Operation state", §4.7 "Revert"): which commits
// remain, which have already been applied, and the original head for
// --abort.
type RevertState struct {
	Commits      []objstore.Hash
	CurrentIndex int
	Applied      []objstore.Hash
	OriginalHead objstore.Hash
	Mainline     int
	Conflicts    []string
}

// RevertOptions configures a revert run.
type RevertOptions struct {
	Mainline int // 1-indexed parent selector for merge commits
	NoCommit bool
	NoVerify bool
}

// RevertResult is the outcome of a Revert/Continue call: the revert
// commits created so far (empty when NoCommit) and, if the call
// suspended, the conflicted paths of the commit currently being
// reverted.
type RevertResult struct {
	Commits   []objstore.Hash
	Conflicts []string
}

// revertParentTree resolves "the change" a revert target represents:
// the tree of its single parent, or — for a merge commit — the tree of
// the parent selected by --mainline (spec.md §4.7 "For merge commits,
// --mainline N selects which parent defines the change").
func revertParentTree(ctx *Context, c *objstore.Commit, mainline int) (objstore.Hash, error) {
	switch len(c.Parents) {
	case 0:
		return objstore.Hash{}, nil
	case 1:
		parent, err := ctx.Objects.ReadCommit(c.Parents[0])
		if err != nil {
			return objstore.Hash{}, err
		}
		return parent.Tree, nil
	default:
		if mainline < 1 || mainline > len(c.Parents) {
			return objstore.Hash{}, werr.New(werr.InvalidArgument,
				"revert: commit has %d parents, --mainline required in [1,%d]", len(c.Parents), len(c.Parents))
		}
		parent, err := ctx.Objects.ReadCommit(c.Parents[mainline-1])
		if err != nil {
			return objstore.Hash{}, err
		}
		return parent.Tree, nil
	}
}

func revertMessage(c *objstore.Commit, hash objstore.Hash) string {
	subject := c.Message
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}
	return fmt.Sprintf("Revert %q\n\nThis reverts commit %s.\n", subject, hash)
}

// driveRevert applies state.Commits[state.CurrentIndex:] one at a time,
// each via the three-way merge formulation base=target, ours=HEAD,
// theirs=parent(target) — the merge engine's own conflict semantics,
// which exactly implement spec.md §4.7's per-file apply rules (add in
// Cᵢ and absent from its parent ⇒ deleted relative to base ⇒ merge
// drops it; delete in Cᵢ ⇒ its parent's content reappears as "theirs";
// modify in Cᵢ ⇒ the parent's content three-way-reconciles against
// HEAD) without re-implementing them. It persists progress after every
// commit so a crash mid-sequence resumes at the right target.
func driveRevert(ctx *Context, state *RevertState, opts RevertOptions) (*RevertResult, error) {
	result := &RevertResult{Commits: append([]objstore.Hash(nil), state.Applied...)}

	for state.CurrentIndex < len(state.Commits) {
		target := state.Commits[state.CurrentIndex]

		before, err := ctx.snapshot()
		if err != nil {
			return nil, err
		}

		c, err := ctx.Objects.ReadCommit(target)
		if err != nil {
			return nil, err
		}

		if len(state.Conflicts) == 0 {
			parentTree, err := revertParentTree(ctx, c, state.Mainline)
			if err != nil {
				return nil, err
			}
			headCommit, err := ctx.Objects.ReadCommit(before.Head)
			if err != nil {
				return nil, err
			}

			tr, err := merge.MergeTrees(ctx.Objects, c.Tree, headCommit.Tree, parentTree,
				merge.ConflictLabels{Ours: "HEAD", Theirs: fmt.Sprintf("parent of %s", target)})
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
				if err := saveState(ctx.GitDir, revertStateFile, state); err != nil {
					return nil, err
				}
				result.Conflicts = conflictPaths
				return result, werr.New(werr.ConflictsPresent, "revert: %d conflicting path(s) in %s", len(conflictPaths), target).
					WithHints("resolve conflicts and stage them, then run revert --continue", "or run revert --abort")
			}
		}

		if !opts.NoCommit {
			if err := RunHook(ctx.GitDir, "pre-commit", nil, "", opts.NoVerify); err != nil {
				return nil, err
			}
			commitHash, err := writeCommitObject(ctx, []objstore.Hash{before.Head}, revertMessage(c, target))
			if err != nil {
				return nil, err
			}
			if before.Branch != "" {
				if err := ctx.Refs.Update("refs/heads/"+before.Branch, commitHash); err != nil {
					return nil, err
				}
			} else {
				if err := ctx.Refs.SetHeadDetached(commitHash); err != nil {
					return nil, err
				}
			}
			after, err := ctx.snapshot()
			if err != nil {
				return nil, err
			}
			if _, err := ctx.Journal.Append("revert", []string{target.String()}, before, after,
				map[string]string{"revertedCommit": target.String(), "revertCommit": commitHash.String()}, true, ctx.clock().Unix()); err != nil {
				return nil, err
			}
			state.Applied = append(state.Applied, commitHash)
			result.Commits = append(result.Commits, commitHash)
		}

		state.Conflicts = nil
		state.CurrentIndex++
		if state.CurrentIndex < len(state.Commits) {
			if err := saveState(ctx.GitDir, revertStateFile, state); err != nil {
				return nil, err
			}
		}
	}

	if err := clearState(ctx.GitDir, revertStateFile); err != nil {
		return nil, err
	}
	return result, nil
}

// Revert reverts each of commits atop the current HEAD, producing one
// revert commit per input (or none, with --no-commit) — spec.md §4.7
// "Revert", unchanged.
func Revert(ctx *Context, commits []objstore.Hash, opts RevertOptions) (*RevertResult, error) {
	defer observeDuration("revert", time.Now())
	if len(commits) == 0 {
		return nil, werr.New(werr.InvalidArgument, "revert: no commits given")
	}

	var result *RevertResult
	err := lock.WithLock(ctx.GitDir, func() error {
		if err := ctx.CheckNoOperationInProgress(); err != nil {
			return err
		}
		before, err := ctx.snapshot()
		if err != nil {
			return err
		}
		state := &RevertState{Commits: commits, OriginalHead: before.Head, Mainline: opts.Mainline}
		r, err := driveRevert(ctx, state, opts)
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

// RevertOp implements Resumable for an in-progress multi-commit revert.
type RevertOp struct {
	ctx  *Context
	opts RevertOptions
}

func NewRevertOp(ctx *Context, opts RevertOptions) *RevertOp { return &RevertOp{ctx: ctx, opts: opts} }

func (r *RevertOp) Continue() error {
	return lock.WithLock(r.ctx.GitDir, func() error {
		var state RevertState
		has, err := loadState(r.ctx.GitDir, revertStateFile, &state)
		if err != nil {
			return err
		}
		if !has {
			return werr.New(werr.InvalidArgument, "revert: no revert in progress")
		}
		for _, p := range state.Conflicts {
			if r.ctx.Index.Get(p) == nil {
				return werr.New(werr.ConflictsPresent, "revert: %s is still unresolved", p)
			}
		}
		_, err = driveRevert(r.ctx, &state, r.opts)
		return err
	})
}

func (r *RevertOp) Abort() error {
	return lock.WithLock(r.ctx.GitDir, func() error {
		var state RevertState
		has, err := loadState(r.ctx.GitDir, revertStateFile, &state)
		if err != nil {
			return err
		}
		if !has {
			return werr.New(werr.InvalidArgument, "revert: no revert in progress")
		}
		before, err := r.ctx.snapshot()
		if err != nil {
			return err
		}
		if before.Branch != "" {
			err = r.ctx.Refs.Update("refs/heads/"+before.Branch, state.OriginalHead)
		} else {
			err = r.ctx.Refs.SetHeadDetached(state.OriginalHead)
		}
		if err != nil {
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
		return clearState(r.ctx.GitDir, revertStateFile)
	})
}

// Skip discards the commit currently being reverted (and any partial
// conflict resolution against it) and advances to the next one.
func (r *RevertOp) Skip() error {
	return lock.WithLock(r.ctx.GitDir, func() error {
		var state RevertState
		has, err := loadState(r.ctx.GitDir, revertStateFile, &state)
		if err != nil {
			return err
		}
		if !has {
			return werr.New(werr.InvalidArgument, "revert: no revert in progress")
		}
		state.Conflicts = nil
		state.CurrentIndex++
		before, err := r.ctx.snapshot()
		if err != nil {
			return err
		}
		headCommit, err := r.ctx.Objects.ReadCommit(before.Head)
		if err != nil {
			return err
		}
		if err := materializeTree(r.ctx, headCommit.Tree, nil); err != nil {
			return err
		}
		if err := r.ctx.Index.Save(); err != nil {
			return err
		}
		if state.CurrentIndex >= len(state.Commits) {
			return clearState(r.ctx.GitDir, revertStateFile)
		}
		return saveState(r.ctx.GitDir, revertStateFile, &state)
	})
}

var _ Resumable = (*RevertOp)(nil)
