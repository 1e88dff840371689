package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// StackDir is the subdirectory of GitDir holding one JSON file per named
// stack (spec.md §6 on-disk layout "STACK/<name>.json stack
// definitions").
const StackDir = "STACK"

// StackDef is the persisted definition of a named, ordered list of
// dependent branches atop a base branch (spec.md §4.7 "Stack").
// Branches[0] is based on Base; Branches[i] (i>0) is based on
// Branches[i-1].
type StackDef struct {
	Name     string
	Base     string
	Branches []string
}

// BranchStatus classifies one stack branch against its parent's current
// tip (spec.md §4.7 "Status per branch: synced | ahead | behind |
// diverged vs. its parent").
type BranchStatus string

const (
	StatusSynced   BranchStatus = "synced"
	StatusAhead    BranchStatus = "ahead"
	StatusBehind   BranchStatus = "behind"
	StatusDiverged BranchStatus = "diverged"
)

// BranchState is one row of Stack status output.
type BranchState struct {
	Branch string
	Parent string
	Status BranchStatus
}

func stackPath(gitDir, name string) string {
	return filepath.Join(gitDir, StackDir, name+".json")
}

func saveStackDef(gitDir string, def *StackDef) error {
	if err := os.MkdirAll(filepath.Join(gitDir, StackDir), 0o755); err != nil {
		return werr.Wrap(werr.IOError, err, "stack: create %s", StackDir)
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "stack: encode %s", def.Name)
	}
	path := stackPath(gitDir, def.Name)
	tmp, err := os.CreateTemp(filepath.Join(gitDir, StackDir), "tmp_stack_")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "stack: create temp for %s", def.Name)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "stack: write %s", def.Name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "stack: close temp for %s", def.Name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "stack: rename temp for %s", def.Name)
	}
	return nil
}

// LoadStack reads a stack definition by name.
func LoadStack(gitDir, name string) (*StackDef, error) {
	data, err := os.ReadFile(stackPath(gitDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, werr.New(werr.RefNotFound, "stack: %q not found", name)
		}
		return nil, werr.Wrap(werr.IOError, err, "stack: read %s", name)
	}
	var def StackDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, werr.Wrap(werr.CorruptObject, err, "stack: decode %s", name)
	}
	return &def, nil
}

// StackCreate defines a new, initially empty stack rooted at base.
func StackCreate(ctx *Context, name, base string) (*StackDef, error) {
	var def *StackDef
	err := lock.WithLock(ctx.GitDir, func() error {
		if _, err := os.Stat(stackPath(ctx.GitDir, name)); err == nil {
			return werr.New(werr.InvalidArgument, "stack: %q already exists", name)
		}
		if _, err := ctx.Refs.Resolve("refs/heads/" + base); err != nil {
			return err
		}
		def = &StackDef{Name: name, Base: base}
		return saveStackDef(ctx.GitDir, def)
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// stackParentName returns the name of branch's parent within def: the
// previous branch in the stack, or def.Base for the bottom-most one.
func stackParentName(def *StackDef, branch string) (string, error) {
	if len(def.Branches) == 0 || def.Branches[0] == branch {
		return def.Base, nil
	}
	for i := 1; i < len(def.Branches); i++ {
		if def.Branches[i] == branch {
			return def.Branches[i-1], nil
		}
	}
	return "", werr.New(werr.InvalidArgument, "stack: %q is not a branch of %q", branch, def.Name)
}

// StackPush creates a new branch on top of the stack, based on the
// stack's current top (or its base if empty) — spec.md §4.7 "push (new
// branch on top)".
func StackPush(ctx *Context, name, branch string) (*StackDef, error) {
	var def *StackDef
	err := lock.WithLock(ctx.GitDir, func() error {
		d, err := LoadStack(ctx.GitDir, name)
		if err != nil {
			return err
		}
		top := d.Base
		if len(d.Branches) > 0 {
			top = d.Branches[len(d.Branches)-1]
		}
		tip, err := ctx.Refs.Resolve("refs/heads/" + top)
		if err != nil {
			return err
		}
		if err := ctx.Refs.Create("refs/heads/"+branch, tip); err != nil {
			return err
		}
		d.Branches = append(d.Branches, branch)
		if err := saveStackDef(ctx.GitDir, d); err != nil {
			return err
		}
		def = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// StackPop removes the top branch from the stack's tracked list (the
// branch ref itself is left alone — spec.md §4.7 "pop").
func StackPop(ctx *Context, name string) (*StackDef, error) {
	var def *StackDef
	err := lock.WithLock(ctx.GitDir, func() error {
		d, err := LoadStack(ctx.GitDir, name)
		if err != nil {
			return err
		}
		if len(d.Branches) == 0 {
			return werr.New(werr.InvalidArgument, "stack: %q is empty", name)
		}
		d.Branches = d.Branches[:len(d.Branches)-1]
		if err := saveStackDef(ctx.GitDir, d); err != nil {
			return err
		}
		def = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// StackReorder replaces the stack's branch ordering with order, which
// must be a permutation of the stack's current branches — spec.md §4.7
// "reorder". It does not itself rebase; call StackSync afterward to
// bring branches onto their (possibly new) parents.
func StackReorder(ctx *Context, name string, order []string) (*StackDef, error) {
	var def *StackDef
	err := lock.WithLock(ctx.GitDir, func() error {
		d, err := LoadStack(ctx.GitDir, name)
		if err != nil {
			return err
		}
		if len(order) != len(d.Branches) {
			return werr.New(werr.InvalidArgument, "stack: reorder: expected %d branches, got %d", len(d.Branches), len(order))
		}
		have := map[string]bool{}
		for _, b := range d.Branches {
			have[b] = true
		}
		seen := map[string]bool{}
		for _, b := range order {
			if !have[b] || seen[b] {
				return werr.New(werr.InvalidArgument, "stack: reorder: %q is not exactly once in %q's branches", b, name)
			}
			seen[b] = true
		}
		d.Branches = order
		if err := saveStackDef(ctx.GitDir, d); err != nil {
			return err
		}
		def = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

// branchStatus classifies branch against parent's current tip.
func branchStatus(ctx *Context, branch, parent string) (BranchStatus, error) {
	branchTip, err := ctx.Refs.Resolve("refs/heads/" + branch)
	if err != nil {
		return "", err
	}
	parentTip, err := ctx.Refs.Resolve("refs/heads/" + parent)
	if err != nil {
		return "", err
	}
	if branchTip == parentTip {
		return StatusSynced, nil
	}
	bases, err := mergeBases(ctx.Objects, branchTip, parentTip)
	if err != nil {
		return "", err
	}
	var base objstore.Hash
	if len(bases) > 0 {
		base = bases[0]
	}
	switch {
	case base == parentTip:
		return StatusAhead, nil
	case base == branchTip:
		return StatusBehind, nil
	default:
		return StatusDiverged, nil
	}
}

// StackStatus reports each branch's status against its parent, in stack
// order (bottom first).
func StackStatus(ctx *Context, name string) ([]BranchState, error) {
	def, err := LoadStack(ctx.GitDir, name)
	if err != nil {
		return nil, err
	}
	states := make([]BranchState, len(def.Branches))
	for i, b := range def.Branches {
		parent, err := stackParentName(def, b)
		if err != nil {
			return nil, err
		}
		st, err := branchStatus(ctx, b, parent)
		if err != nil {
			return nil, err
		}
		states[i] = BranchState{Branch: b, Parent: parent, Status: st}
	}
	return states, nil
}

// StackSyncState is persisted alongside REBASE_STATE.json while a
// multi-branch sync is suspended mid-way, recording which stack and
// which branch index to resume with once the active rebase's conflicts
// are resolved.
type StackSyncState struct {
	Stack string
	Index int
}

const stackSyncStateFile = "STACK_SYNC_STATE.json"

// StackSync rebases each branch of the stack onto its (possibly moved)
// parent, ancestor-first — spec.md §4.7 "sync (rebase each branch onto
// the new base in order)", spec.md §5 Ordering guarantees "Stack sync
// rebases branches in stack order, ancestor first". A branch already
// StatusSynced or StatusAhead is left untouched; StatusBehind or
// StatusDiverged is rebased onto the parent's current tip. Conflicts
// suspend the whole sync: the caller resolves them via RebaseOp, then
// calls StackSync again to resume from the same branch index.
func StackSync(ctx *Context, name string, opts RebaseOptions) error {
	def, err := LoadStack(ctx.GitDir, name)
	if err != nil {
		return err
	}

	startIndex := 0
	var syncState StackSyncState
	has, err := loadState(ctx.GitDir, stackSyncStateFile, &syncState)
	if err != nil {
		return err
	}
	if has && syncState.Stack == name {
		startIndex = syncState.Index
	}

	for i := startIndex; i < len(def.Branches); i++ {
		branch := def.Branches[i]
		parent, err := stackParentName(def, branch)
		if err != nil {
			return err
		}
		st, err := branchStatus(ctx, branch, parent)
		if err != nil {
			return err
		}
		if st == StatusSynced || st == StatusAhead {
			continue
		}

		branchTip, err := ctx.Refs.Resolve("refs/heads/" + branch)
		if err != nil {
			return err
		}
		parentTip, err := ctx.Refs.Resolve("refs/heads/" + parent)
		if err != nil {
			return err
		}
		bases, err := mergeBases(ctx.Objects, branchTip, parentTip)
		if err != nil {
			return err
		}
		var oldBase objstore.Hash
		if len(bases) > 0 {
			oldBase = bases[0]
		}

		if err := saveState(ctx.GitDir, stackSyncStateFile, &StackSyncState{Stack: name, Index: i}); err != nil {
			return err
		}
		if _, err := Rebase(ctx, branch, oldBase, parentTip, opts); err != nil {
			return err
		}
	}

	return clearState(ctx.GitDir, stackSyncStateFile)
}

// StackSubmit pushes every branch of the stack to remote in stack order
// (ancestor first), reusing Push's own fast-forward/non-ff handling per
// branch — spec.md §4.7 "submit (push all)".
func StackSubmit(ctx *Context, name string, remote PushOptions) (*PushResult, error) {
	defer observeDuration("stack-submit", time.Now())
	def, err := LoadStack(ctx.GitDir, name)
	if err != nil {
		return nil, err
	}
	reqs := make([]PushRequest, len(def.Branches))
	for i, b := range def.Branches {
		ref := "refs/heads/" + b
		reqs[i] = PushRequest{LocalRef: ref, RemoteRef: ref}
	}
	if len(reqs) == 0 {
		return &PushResult{}, nil
	}
	return Push(ctx, reqs, remote)
}

// StackGoto checks out the named branch, which must belong to the
// stack — spec.md §4.7 "goto/up/down".
func StackGoto(ctx *Context, name, branch string) error {
	def, err := LoadStack(ctx.GitDir, name)
	if err != nil {
		return err
	}
	found := branch == def.Base
	for _, b := range def.Branches {
		if b == branch {
			found = true
		}
	}
	if !found {
		return werr.New(werr.InvalidArgument, "stack: %q is not part of %q", branch, name)
	}
	tip, err := ctx.Refs.Resolve("refs/heads/" + branch)
	if err != nil {
		return err
	}
	commit, err := ctx.Objects.ReadCommit(tip)
	if err != nil {
		return err
	}
	if err := materializeTree(ctx, commit.Tree, nil); err != nil {
		return err
	}
	if err := ctx.Index.Save(); err != nil {
		return err
	}
	return ctx.Refs.SetHeadSymbolic(branch)
}

// currentStackPosition returns the index of the current branch within
// def.Branches, or -1 if HEAD is on def.Base or elsewhere.
func currentStackPosition(ctx *Context, def *StackDef) (int, error) {
	branch, err := ctx.Refs.GetCurrentBranch()
	if err != nil {
		return -1, err
	}
	for i, b := range def.Branches {
		if b == branch {
			return i, nil
		}
	}
	return -1, nil
}

// StackUp checks out the branch one step closer to the top of the
// stack from HEAD's current position.
func StackUp(ctx *Context, name string) error {
	def, err := LoadStack(ctx.GitDir, name)
	if err != nil {
		return err
	}
	pos, err := currentStackPosition(ctx, def)
	if err != nil {
		return err
	}
	next := pos + 1
	if pos == -1 {
		next = 0
	}
	if next >= len(def.Branches) {
		return werr.New(werr.InvalidArgument, "stack: already at the top of %q", name)
	}
	return StackGoto(ctx, name, def.Branches[next])
}

// StackDown checks out the branch one step closer to the base.
func StackDown(ctx *Context, name string) error {
	def, err := LoadStack(ctx.GitDir, name)
	if err != nil {
		return err
	}
	pos, err := currentStackPosition(ctx, def)
	if err != nil {
		return err
	}
	if pos <= 0 {
		return StackGoto(ctx, name, def.Base)
	}
	return StackGoto(ctx, name, def.Branches[pos-1])
}
