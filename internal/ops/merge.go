package ops

import (
	"sort"
	"time"

	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/merge"
	"lab.nexedi.com/kirr/wit/internal/metrics"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// MergeState is persisted to MERGE_STATE.json whenever a merge cannot
// complete as a simple fast-forward (spec.md §6, §4.7): either it has
// unresolved conflicts, or it resolved cleanly but still needs the
// follow-up Commit call to write the two-parent merge commit.
type MergeState struct {
	OtherParent  objstore.Hash
	OtherName    string
	OriginalHead objstore.Hash
	Base         objstore.Hash
	Conflicts    []string
}

// MergeOptions configures one merge.
type MergeOptions struct {
	Labels merge.ConflictLabels
}

// MergeResult is the outcome of one Merge call.
type MergeResult struct {
	FastForward bool
	Hash        objstore.Hash
	Conflicts   []string
}

// commitAncestors returns tip and every commit reachable from it by
// walking parent links.
func commitAncestors(store *objstore.Store, tip objstore.Hash) (objstore.HashSet, error) {
	visited := objstore.NewHashSet()
	var walk func(h objstore.Hash) error
	walk = func(h objstore.Hash) error {
		if h.IsZero() || visited.Contains(h) {
			return nil
		}
		visited.Add(h)
		c, err := store.ReadCommit(h)
		if err != nil {
			return err
		}
		for _, p := range c.Parents {
			if err := walk(p); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(tip); err != nil {
		return nil, err
	}
	return visited, nil
}

// mergeBases returns the minimal elements of the common-ancestor set of
// a and b under the ancestor partial order (x ≤ y iff x is an ancestor
// of y): the common ancestors that are not themselves an ancestor of
// any other common ancestor. This is the full-set reduction spec.md §9
// names as the correct algorithm, resolved in DESIGN.md over the
// source's simpler first-parent-only BFS shortcut. Result order is
// stable (sorted) but otherwise arbitrary among multiple best bases —
// criss-cross merges with more than one best base are not
// auto-resolved further (octopus-style virtual-base synthesis is out
// of scope here); callers use bases[0].
func mergeBases(store *objstore.Store, a, b objstore.Hash) ([]objstore.Hash, error) {
	ancA, err := commitAncestors(store, a)
	if err != nil {
		return nil, err
	}
	ancB, err := commitAncestors(store, b)
	if err != nil {
		return nil, err
	}

	common := objstore.NewHashSet()
	for h := range ancA {
		if ancB.Contains(h) {
			common.Add(h)
		}
	}
	if len(common) == 0 {
		return nil, nil
	}

	candidates := common.Elements()
	cache := map[objstore.Hash]objstore.HashSet{}
	ancestorsOf := func(h objstore.Hash) (objstore.HashSet, error) {
		if s, ok := cache[h]; ok {
			return s, nil
		}
		s, err := commitAncestors(store, h)
		if err != nil {
			return nil, err
		}
		cache[h] = s
		return s, nil
	}

	var minimal []objstore.Hash
	for _, c := range candidates {
		dominated := false
		for _, d := range candidates {
			if c == d {
				continue
			}
			dAnc, err := ancestorsOf(d)
			if err != nil {
				return nil, err
			}
			if dAnc.Contains(c) {
				dominated = true
				break
			}
		}
		if !dominated {
			minimal = append(minimal, c)
		}
	}
	sort.Sort(objstore.ByHash(minimal))
	return minimal, nil
}

// Merge computes the merge base, fast-forwards when possible, and
// otherwise three-way merges the trees, staging non-conflicting paths
// and leaving conflicted ones unstaged, persisting MergeState so a
// follow-up Commit writes the two-parent merge commit — spec.md §4.7
// "Merge", unchanged.
func Merge(ctx *Context, theirsName string, opts MergeOptions) (*MergeResult, error) {
	defer observeDuration("merge", time.Now())
	var result *MergeResult
	err := lock.WithLock(ctx.GitDir, func() error {
		if err := ctx.CheckNoOperationInProgress(); err != nil {
			return err
		}

		before, err := ctx.snapshot()
		if err != nil {
			return err
		}
		if before.Branch == "" {
			return werr.New(werr.DetachedHead, "merge: HEAD is detached")
		}
		ours := before.Head

		theirs, err := ctx.Refs.ResolveShort(theirsName)
		if err != nil {
			return err
		}

		if theirs == ours {
			result = &MergeResult{Hash: ours}
			metrics.MergesTotal.WithLabelValues("up-to-date").Inc()
			return nil
		}

		bases, err := mergeBases(ctx.Objects, ours, theirs)
		if err != nil {
			return err
		}
		var base objstore.Hash
		if len(bases) > 0 {
			base = bases[0]
		}

		if base == theirs {
			result = &MergeResult{Hash: ours}
			metrics.MergesTotal.WithLabelValues("up-to-date").Inc()
			return nil
		}

		if base == ours {
			if err := ctx.Refs.Update("refs/heads/"+before.Branch, theirs); err != nil {
				return err
			}
			after, err := ctx.snapshot()
			if err != nil {
				return err
			}
			if _, err := ctx.Journal.Append("merge", []string{theirsName}, before, after,
				map[string]string{"outcome": "fast-forward"}, true, ctx.clock().Unix()); err != nil {
				return err
			}
			metrics.MergesTotal.WithLabelValues("fast-forward").Inc()
			result = &MergeResult{FastForward: true, Hash: theirs}
			return nil
		}

		oursCommit, err := ctx.Objects.ReadCommit(ours)
		if err != nil {
			return err
		}
		theirsCommit, err := ctx.Objects.ReadCommit(theirs)
		if err != nil {
			return err
		}
		var baseTree objstore.Hash
		if !base.IsZero() {
			baseCommit, err := ctx.Objects.ReadCommit(base)
			if err != nil {
				return err
			}
			baseTree = baseCommit.Tree
		}

		treeResult, err := merge.MergeTrees(ctx.Objects, baseTree, oursCommit.Tree, theirsCommit.Tree, opts.Labels)
		if err != nil {
			return err
		}

		conflictSet := map[string]bool{}
		var conflictPaths []string
		for _, c := range treeResult.Conflicts {
			conflictSet[c.Path] = true
			conflictPaths = append(conflictPaths, c.Path)
		}

		if err := materializeTree(ctx, treeResult.Tree, conflictSet); err != nil {
			return err
		}
		if err := ctx.Index.Save(); err != nil {
			return err
		}

		state := MergeState{OtherParent: theirs, OtherName: theirsName, OriginalHead: ours, Base: base, Conflicts: conflictPaths}
		if err := saveState(ctx.GitDir, mergeStateFile, &state); err != nil {
			return err
		}

		if len(conflictPaths) > 0 {
			metrics.MergesTotal.WithLabelValues("conflict").Inc()
			result = &MergeResult{Conflicts: conflictPaths}
			return werr.New(werr.ConflictsPresent, "merge: %d conflicting path(s)", len(conflictPaths)).
				WithHints("resolve conflicts and stage them, then run commit to finish the merge", "or run merge --abort")
		}

		metrics.MergesTotal.WithLabelValues("merged").Inc()
		result = &MergeResult{Hash: ours}
		return nil
	})
	if err != nil {
		if werr.Is(err, werr.ConflictsPresent) {
			return result, err
		}
		return nil, err
	}
	return result, nil
}

// MergeOp implements Resumable for an in-progress merge.
type MergeOp struct {
	ctx *Context
}

func NewMergeOp(ctx *Context) *MergeOp { return &MergeOp{ctx: ctx} }

// Abort restores the working tree and index to OriginalHead's tree and
// discards MergeState, per spec.md §3 "pins the original head to enable
// --abort".
func (m *MergeOp) Abort() error {
	return lock.WithLock(m.ctx.GitDir, func() error {
		var state MergeState
		has, err := loadState(m.ctx.GitDir, mergeStateFile, &state)
		if err != nil {
			return err
		}
		if !has {
			return werr.New(werr.InvalidArgument, "merge: no merge in progress")
		}
		headCommit, err := m.ctx.Objects.ReadCommit(state.OriginalHead)
		if err != nil {
			return err
		}
		if err := materializeTree(m.ctx, headCommit.Tree, nil); err != nil {
			return err
		}
		if err := m.ctx.Index.Save(); err != nil {
			return err
		}
		return clearState(m.ctx.GitDir, mergeStateFile)
	})
}

// Continue verifies every conflicted path has been re-staged; the
// merge commit itself is produced by a following Commit call, which
// picks up MergeState.OtherParent as the second parent.
func (m *MergeOp) Continue() error {
	var state MergeState
	has, err := loadState(m.ctx.GitDir, mergeStateFile, &state)
	if err != nil {
		return err
	}
	if !has {
		return werr.New(werr.InvalidArgument, "merge: no merge in progress")
	}
	for _, p := range state.Conflicts {
		if m.ctx.Index.Get(p) == nil {
			return werr.New(werr.ConflictsPresent, "merge: %s is still unresolved", p)
		}
	}
	return nil
}

// Skip has no meaning for a merge: there is exactly one step.
func (m *MergeOp) Skip() error {
	return werr.New(werr.InvalidArgument, "merge: nothing to skip (use --abort to cancel)")
}

var _ Resumable = (*MergeOp)(nil)
