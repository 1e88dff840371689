package ops

import (
	"os"
	"path/filepath"

	"lab.nexedi.com/kirr/wit/internal/index"
	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/merge"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/refs"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// materializeTree writes every path of treeHash into the working tree
// and updates the index to match, removing paths that existed in the
// index before but are absent from treeHash. Paths named in
// unstagedPaths are written to disk (so the merge/revert conflict
// markers are visible) but left out of the index entirely, matching
// spec.md §4.7's "leave conflicted paths unstaged".
//
// Shared by the merge and revert engines — neither the teacher nor any
// example repo implements a tree-to-working-copy checkout, so this
// follows index.Add/BuildTree's own os.WriteFile + os.MkdirAll style
// for consistency within this module.
func materializeTree(ctx *Context, treeHash objstore.Hash, unstagedPaths map[string]bool) error {
	leaves, err := merge.FlattenTree(ctx.Objects, treeHash)
	if err != nil {
		return err
	}

	stale := map[string]bool{}
	for _, e := range ctx.Index.Entries() {
		stale[e.Path] = true
	}
	for p := range leaves {
		delete(stale, p)
	}
	for p := range stale {
		ctx.Index.Remove(p)
		os.Remove(filepath.Join(ctx.WorkDir, p))
	}

	for p, leaf := range leaves {
		full := filepath.Join(ctx.WorkDir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return werr.Wrap(werr.IOError, err, "ops: mkdir for %s", p)
		}
		blob, err := ctx.Objects.ReadBlob(leaf.Hash)
		if err != nil {
			return err
		}
		if leaf.Mode == objstore.ModeSymlink {
			os.Remove(full)
			if err := os.Symlink(string(blob.Data), full); err != nil {
				return werr.Wrap(werr.IOError, err, "ops: symlink %s", p)
			}
		} else {
			perm := os.FileMode(0o644)
			if leaf.Mode == objstore.ModeExec {
				perm = 0o755
			}
			if err := os.WriteFile(full, blob.Data, perm); err != nil {
				return werr.Wrap(werr.IOError, err, "ops: write %s", p)
			}
		}
		if unstagedPaths[p] {
			ctx.Index.Remove(p)
			continue
		}
		if err := ctx.Index.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// ctxHeadLister implements index.HeadTreeLister against an *ops.Context
// directly: ops already depends on both internal/refs and
// internal/objstore (unlike internal/index, which avoids that coupling
// per HeadTreeLister's own doc comment), so there is no cycle to route
// around here — this lets Checkout's dirty-working-tree check run
// without needing a repo.Repository in hand.
type ctxHeadLister struct{ ctx *Context }

func (h ctxHeadLister) HeadTreeEntries() (map[string]objstore.Hash, error) {
	head, err := h.ctx.Refs.HeadHash()
	if err != nil {
		if werr.Is(err, werr.RefNotFound) {
			return map[string]objstore.Hash{}, nil
		}
		return nil, err
	}
	c, err := h.ctx.Objects.ReadCommit(head)
	if err != nil {
		return nil, err
	}
	leaves, err := merge.FlattenTree(h.ctx.Objects, c.Tree)
	if err != nil {
		return nil, err
	}
	out := make(map[string]objstore.Hash, len(leaves))
	for p, leaf := range leaves {
		out[p] = leaf.Hash
	}
	return out, nil
}

// CheckoutOptions configures one Checkout call.
type CheckoutOptions struct {
	Force bool
}

// Checkout points HEAD at ref (a branch name, or any commit-ish
// resolvable via refs.ResolveShort for a detached checkout) and
// materializes its tree into the working tree and index. It refuses
// when the working tree has uncommitted changes relative to the
// current HEAD, unless Force is set — the "operation in progress"
// invariant spec.md §3 states for commit applies equally here.
func Checkout(ctx *Context, ref string, opts CheckoutOptions) error {
	if err := ctx.CheckNoOperationInProgress(); err != nil {
		return err
	}

	return lock.WithLock(ctx.GitDir, func() error {
		if !opts.Force {
			statuses, err := ctx.Index.StatusOf(ctxHeadLister{ctx})
			if err != nil {
				return err
			}
			for _, s := range statuses {
				if s.Status == index.Staged || s.Status == index.Modified || s.Status == index.Deleted {
					return werr.New(werr.UncommittedChange,
						"checkout: %s has uncommitted changes", s.Path).
						WithHints("commit or stash your changes, or retry with --force")
				}
			}
		}

		branchRef := refs.HeadsPrefix + ref
		if hash, err := ctx.Refs.Resolve(branchRef); err == nil {
			c, err := ctx.Objects.ReadCommit(hash)
			if err != nil {
				return err
			}
			if err := materializeTree(ctx, c.Tree, nil); err != nil {
				return err
			}
			if err := ctx.Index.Save(); err != nil {
				return err
			}
			return ctx.Refs.SetHeadSymbolic(ref)
		}

		hash, err := ctx.Refs.ResolveShort(ref)
		if err != nil {
			return err
		}
		c, err := ctx.Objects.ReadCommit(hash)
		if err != nil {
			return err
		}
		if err := materializeTree(ctx, c.Tree, nil); err != nil {
			return err
		}
		if err := ctx.Index.Save(); err != nil {
			return err
		}
		return ctx.Refs.SetHeadDetached(hash)
	})
}

// BranchCreate creates a new branch ref named name at startPoint (a
// commit-ish; "" means HEAD).
func BranchCreate(ctx *Context, name, startPoint string) (objstore.Hash, error) {
	var hash objstore.Hash
	var err error
	if startPoint == "" {
		hash, err = ctx.Refs.HeadHash()
	} else {
		hash, err = ctx.Refs.ResolveShort(startPoint)
	}
	if err != nil {
		return objstore.Hash{}, err
	}
	if err := ctx.Refs.Create(refs.HeadsPrefix+name, hash); err != nil {
		return objstore.Hash{}, err
	}
	return hash, nil
}

// BranchDelete removes a branch ref. It refuses to delete the branch
// HEAD currently points to.
func BranchDelete(ctx *Context, name string) error {
	current, err := ctx.Refs.GetCurrentBranch()
	if err == nil && current == name {
		return werr.New(werr.InvalidArgument, "branch: cannot delete the current branch %q", name)
	}
	return ctx.Refs.Delete(refs.HeadsPrefix + name)
}
