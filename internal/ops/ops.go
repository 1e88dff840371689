// Package ops implements the C7 operation engines (spec.md §4.7): commit,
// merge, revert, stack, and push, each a small checkpointed state
// machine (*start → advance one step → suspend on conflict | finish*).
//
// navytux-git-backup's cmd_pull_/cmd_restore_ are the grounding idiom
// generalized here: a single function driving a linear sequence of
// git-plumbing-shaped steps, raising a typed error at the first one
// that fails. The one structural change SPEC_FULL.md requires is
// resumability: where the teacher's pass is single-shot and
// non-restartable, every engine here checkpoints progress to a state
// file under the repository's .wit directory (MERGE_STATE.json,
// REVERT_STATE.json, STACK/<name>.json — spec.md §6) and implements the
// shared Resumable interface so --abort/--continue/--skip is one
// concept tested once, not four ad-hoc ones.
package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lab.nexedi.com/kirr/wit/internal/config"
	"lab.nexedi.com/kirr/wit/internal/index"
	"lab.nexedi.com/kirr/wit/internal/journal"
	"lab.nexedi.com/kirr/wit/internal/metrics"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/refs"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// observeDuration records how long one top-level C7 engine call took,
// labeled by operation name (spec.md §4.7 engines are each timed the
// same way regardless of outcome).
func observeDuration(operation string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Context bundles the dependencies every engine needs, generalizing the
// explicit-option-struct idiom (git.go:RunWith, smarthttp.ClientOptions)
// to a whole operation rather than one subprocess call.
type Context struct {
	GitDir  string // .wit, also the lock/state-file root
	WorkDir string
	Objects *objstore.Store
	Refs    *refs.Store
	Index   *index.Index
	Config  *config.Config
	Journal *journal.Journal
	Log     zerolog.Logger
	// Clock is the source of commit/journal timestamps. Defaults to
	// time.Now; tests inject a fixed clock for deterministic hashes.
	Clock func() time.Time
}

func (c *Context) clock() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Context) snapshot() (journal.State, error) {
	head, err := c.Refs.HeadHash()
	if err != nil && !werr.Is(err, werr.RefNotFound) {
		return journal.State{}, err
	}
	branch := ""
	if detached, derr := c.Refs.IsDetached(); derr == nil && !detached {
		branch, _ = c.Refs.GetCurrentBranch()
	}
	return journal.State{Head: head, Branch: branch, IndexHash: c.Index.Hash()}, nil
}

// Resumable is implemented by every C7 state machine that persists
// progress across invocations (spec.md §3 "Operation state"). A single
// generic implementation lets the CLI and tests drive abort/continue/
// skip uniformly instead of one ad-hoc mechanism per engine
// (SPEC_FULL.md §3 item 3).
type Resumable interface {
	// Abort restores the repository to the state recorded before the
	// operation started and removes its state file.
	Abort() error
	// Continue resumes a suspended operation after the caller has
	// resolved any conflicts and staged the result.
	Continue() error
	// Skip discards the current step (e.g. one revert target, one
	// stack branch) and advances to the next.
	Skip() error
}

// State file names under GitDir (spec.md §6).
const (
	mergeStateFile  = "MERGE_STATE.json"
	revertStateFile = "REVERT_STATE.json"
	rebaseStateFile = "REBASE_STATE.json"
)

func stateFileNames() []string {
	return []string{mergeStateFile, revertStateFile, rebaseStateFile}
}

// CheckNoOperationInProgress enforces spec.md §3's invariant that at
// most one operation state file exists at a time: its presence gates
// ordinary operations with an explicit error. Callers that are
// themselves resuming the in-progress operation (e.g. Commit finishing
// a merge) bypass this check deliberately.
func (c *Context) CheckNoOperationInProgress() error {
	for _, name := range stateFileNames() {
		if _, err := os.Stat(filepath.Join(c.GitDir, name)); err == nil {
			return werr.New(werr.MergeInProgress, "an operation is already in progress (%s present)", name).
				WithHints("finish it with --continue, or abandon it with --abort")
		}
	}
	return nil
}

func saveState(gitDir, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "ops: encode %s", name)
	}
	path := filepath.Join(gitDir, name)
	tmp, err := os.CreateTemp(gitDir, "tmp_state_")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "ops: create temp for %s", name)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "ops: write %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "ops: close temp for %s", name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "ops: rename temp for %s", name)
	}
	return nil
}

// loadState reports (false, nil) when the state file is absent.
func loadState(gitDir, name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(gitDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, werr.Wrap(werr.IOError, err, "ops: read %s", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, werr.Wrap(werr.CorruptObject, err, "ops: decode %s", name)
	}
	return true, nil
}

func clearState(gitDir, name string) error {
	err := os.Remove(filepath.Join(gitDir, name))
	if err != nil && !os.IsNotExist(err) {
		return werr.Wrap(werr.IOError, err, "ops: remove %s", name)
	}
	return nil
}

// envAuthor/envCommitter name the environment variable prefixes that
// override configured commit identity (spec.md §6 "may be overridden by
// environment variables").
const (
	envAuthor    = "WIT_AUTHOR"
	envCommitter = "WIT_COMMITTER"
)

// resolveIdent builds an Ident from <prefix>_NAME/<prefix>_EMAIL
// environment variables, falling back to the repository's configured
// user.name/user.email (spec.md §6 configuration surface).
func resolveIdent(ctx *Context, prefix string) (objstore.Ident, error) {
	name := os.Getenv(prefix + "_NAME")
	email := os.Getenv(prefix + "_EMAIL")
	if name == "" {
		name, _ = ctx.Config.Get("user", "", "name")
	}
	if email == "" {
		email, _ = ctx.Config.Get("user", "", "email")
	}
	if name == "" || email == "" {
		return objstore.Ident{}, werr.New(werr.InvalidArgument, "commit identity not configured").
			WithHints("set user.name and user.email, or " + prefix + "_NAME/" + prefix + "_EMAIL")
	}
	t := ctx.clock()
	_, offsetSec := t.Zone()
	return objstore.Ident{Name: name, Email: email, Timestamp: t.Unix(), TZOffset: offsetSec / 60}, nil
}
