// Package repo wires C1-C9 together into the single public entry point
// other packages and cmd/wit consume: one Repository value bundling the
// object store, refs, index, config, lock, and journal rooted at one
// .wit directory — the object navytux-git-backup
// never needed (it ran one-shot against whatever path/URL was passed on
// the command line each time) but that every multi-command porcelain
// built on this core requires so each subcommand doesn't re-derive the
// same wiring.
package repo

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"lab.nexedi.com/kirr/wit/internal/config"
	"lab.nexedi.com/kirr/wit/internal/index"
	"lab.nexedi.com/kirr/wit/internal/journal"
	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/merge"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/ops"
	"lab.nexedi.com/kirr/wit/internal/refs"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// DirName is the metadata directory's conventional name (spec.md §6
// on-disk layout).
const DirName = ".wit"

// journalDir is the append-only entries directory under GitDir (spec.md
// §6 "JOURNAL/ append-only entries").
const journalDir = "JOURNAL"

// Repository is the root handle onto one repository: its working tree,
// its .wit metadata directory, and every C1-C9 component opened against
// it.
type Repository struct {
	WorkDir string
	GitDir  string

	Objects *objstore.Store
	Refs    *refs.Store
	Index   *index.Index
	Config  *config.Config
	Journal *journal.Journal
	Lock    *lock.Lock

	logger zerolog.Logger
}

// Logger returns the repository's logger. Repository.Logger()
// defaults to a no-op logger (SPEC_FULL.md §1) so library callers never
// get unsolicited output; cmd/wit installs a real zerolog writer at
// startup via SetLogger.
func (r *Repository) Logger() zerolog.Logger { return r.logger }

// SetLogger installs l as the repository's logger.
func (r *Repository) SetLogger(l zerolog.Logger) { r.logger = l }

// Discover walks up from startDir looking for a DirName directory,
// the same upward-search every porcelain over this kind of core
// performs so commands work from any subdirectory of the working tree.
func Discover(startDir string) (workDir, gitDir string, err error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", "", werr.Wrap(werr.IOError, err, "repo: resolve %s", startDir)
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return dir, candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", werr.New(werr.NotARepository, "repo: no %s found above %s", DirName, startDir).
				WithHints("run `wit init` to create one")
		}
		dir = parent
	}
}

// Init creates a new repository rooted at workDir: the .wit directory
// tree (spec.md §6 on-disk layout), an empty object store, ref
// namespaces, and HEAD pointed at the given initial branch.
func Init(workDir, initialBranch string) (*Repository, error) {
	gitDir := filepath.Join(workDir, DirName)
	if _, err := os.Stat(gitDir); err == nil {
		return nil, werr.New(werr.InvalidArgument, "repo: %s already exists", gitDir)
	}
	for _, d := range []string{
		"objects", "refs/heads", "refs/tags", "refs/remotes", "hooks", journalDir, "STACK",
	} {
		if err := os.MkdirAll(filepath.Join(gitDir, d), 0o755); err != nil {
			return nil, werr.Wrap(werr.IOError, err, "repo: init %s", d)
		}
	}

	objs := objstore.Open(filepath.Join(gitDir, "objects"))
	refStore := refs.Open(gitDir, objs)
	if err := refStore.SetHeadSymbolic(initialBranch); err != nil {
		return nil, err
	}
	idx := index.New(objs, workDir, filepath.Join(gitDir, "index"))
	if err := idx.Save(); err != nil {
		return nil, err
	}
	cfg := config.New()
	if err := cfg.Save(filepath.Join(gitDir, "config")); err != nil {
		return nil, err
	}
	j, err := journal.Open(filepath.Join(gitDir, journalDir), gitDir)
	if err != nil {
		return nil, err
	}

	return &Repository{
		WorkDir: workDir, GitDir: gitDir,
		Objects: objs, Refs: refStore, Index: idx, Config: cfg, Journal: j,
		Lock: lock.Open(gitDir), logger: zerolog.Nop(),
	}, nil
}

// Open loads an existing repository discovered from startDir.
func Open(startDir string) (*Repository, error) {
	workDir, gitDir, err := Discover(startDir)
	if err != nil {
		return nil, err
	}

	objs := objstore.Open(filepath.Join(gitDir, "objects"))
	refStore := refs.Open(gitDir, objs)
	idx, err := index.Load(objs, workDir, filepath.Join(gitDir, "index"))
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(filepath.Join(gitDir, "config"))
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(filepath.Join(gitDir, journalDir), gitDir)
	if err != nil {
		return nil, err
	}

	return &Repository{
		WorkDir: workDir, GitDir: gitDir,
		Objects: objs, Refs: refStore, Index: idx, Config: cfg, Journal: j,
		Lock: lock.Open(gitDir), logger: zerolog.Nop(),
	}, nil
}

// Context builds the internal/ops.Context this repository's C7 engines
// and C9 remote controller operate against.
func (r *Repository) Context() *ops.Context {
	return &ops.Context{
		GitDir: r.GitDir, WorkDir: r.WorkDir,
		Objects: r.Objects, Refs: r.Refs, Index: r.Index, Config: r.Config, Journal: r.Journal,
		Log: r.logger,
	}
}

// HeadTreeEntries implements index.HeadTreeLister, resolving HEAD's
// current tree into a flat path->hash map for index.StatusOf — kept
// here rather than in internal/index to avoid that package importing
// internal/refs just for this one call (index.go's own doc comment on
// HeadTreeLister).
func (r *Repository) HeadTreeEntries() (map[string]objstore.Hash, error) {
	head, err := r.Refs.HeadHash()
	if err != nil {
		if werr.Is(err, werr.RefNotFound) {
			return map[string]objstore.Hash{}, nil
		}
		return nil, err
	}
	commit, err := r.Objects.ReadCommit(head)
	if err != nil {
		return nil, err
	}
	leaves, err := merge.FlattenTree(r.Objects, commit.Tree)
	if err != nil {
		return nil, err
	}
	out := make(map[string]objstore.Hash, len(leaves))
	for p, leaf := range leaves {
		out[p] = leaf.Hash
	}
	return out, nil
}
