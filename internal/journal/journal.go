// Package journal implements the append-only operation log of C8
// (spec.md §4.8): one entry per mutating operation, before/after state
// snapshots, undo-as-new-forward-entry semantics.
//
// navytux-git-backup has no journal at all — every pull/restore is a
// single-shot, unrecorded pass. This package is new relative to the
// teacher; it follows the corpus's persisted-JSON-file idiom already
// established by internal/index and internal/refs (atomic temp+rename
// writes) and adds google/uuid correlation IDs (wired per SPEC_FULL.md
// §0/§8) so an out-of-scope forge-side activity feed can correlate one
// journal entry with its own request trace without parsing the
// monotonic sequence number.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// State is the {head, branch, indexHash} snapshot spec.md §4.8 names as
// every entry's before/after payload.
type State struct {
	Head      objstore.Hash `json:"head"`
	Branch    string        `json:"branch"`
	IndexHash objstore.Hash `json:"indexHash"`
}

// Entry is one journal record (spec.md §4.8 / §3 "Journal entry").
// Payload carries operation-specific detail (e.g. the created commit
// hash, the affected branch) as free-form string fields, matching the
// spec's "operation-specific payload" without committing this package
// to a closed set of operation shapes.
type Entry struct {
	ID            uint64            `json:"id"`
	CorrelationID uuid.UUID         `json:"correlationId"`
	Timestamp     int64             `json:"timestamp"`
	Operation     string            `json:"operation"`
	Args          []string          `json:"args"`
	BeforeState   State             `json:"beforeState"`
	AfterState    State             `json:"afterState"`
	Payload       map[string]string `json:"payload,omitempty"`
	// Undoable is false for entries with no meaningful inverse (e.g. a
	// garbage-collection pass) — spec.md §4.8 "mark themselves
	// non-undoable".
	Undoable bool `json:"undoable"`
}

// Journal is the JOURNAL/ directory: one file per entry, named by its
// zero-padded decimal ID so a directory listing sorts in append order.
type Journal struct {
	dir    string
	gitDir string
	nextID uint64
}

const idWidth = 20 // uint64 max has 20 decimal digits

func entryFileName(id uint64) string {
	return fmt.Sprintf("%0*d.json", idWidth, id)
}

// Open scans dir (typically .wit/JOURNAL) for existing entries to
// recover the next sequence number. A missing directory is an empty,
// freshly initialized journal — it is created on the first Append.
// gitDir is the repository's metadata directory (.wit), the same path
// every other mutating engine locks via lock.WithLock; Undo takes this
// same repository-wide lock before writing.
func Open(dir, gitDir string) (*Journal, error) {
	j := &Journal{dir: dir, gitDir: gitDir, nextID: 1}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return j, nil
		}
		return nil, werr.Wrap(werr.IOError, err, "journal: readdir %s", dir)
	}
	var max uint64
	for _, de := range entries {
		name := strings.TrimSuffix(de.Name(), ".json")
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		if id > max {
			max = id
		}
	}
	if max > 0 {
		j.nextID = max + 1
	}
	return j, nil
}

// Append writes a new entry, assigning it the next monotonic ID and a
// fresh correlation UUID, and returns the written entry.
func (j *Journal) Append(operation string, args []string, before, after State, payload map[string]string, undoable bool, now int64) (*Entry, error) {
	e := &Entry{
		ID:            j.nextID,
		CorrelationID: uuid.New(),
		Timestamp:     now,
		Operation:     operation,
		Args:          args,
		BeforeState:   before,
		AfterState:    after,
		Payload:       payload,
		Undoable:      undoable,
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return nil, werr.Wrap(werr.IOError, err, "journal: mkdir %s", j.dir)
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, werr.Wrap(werr.IOError, err, "journal: encode entry %d", e.ID)
	}
	path := filepath.Join(j.dir, entryFileName(e.ID))
	tmp, err := os.CreateTemp(j.dir, "tmp_journal_")
	if err != nil {
		return nil, werr.Wrap(werr.IOError, err, "journal: create temp")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, werr.Wrap(werr.IOError, err, "journal: write temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, werr.Wrap(werr.IOError, err, "journal: close temp")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, werr.Wrap(werr.IOError, err, "journal: rename temp")
	}
	j.nextID++
	return e, nil
}

// Entries returns every entry currently on disk, sorted oldest-first.
// The journal is never rewritten (spec.md §4.8): this is a pure read.
func (j *Journal) Entries() ([]*Entry, error) {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, werr.Wrap(werr.IOError, err, "journal: readdir %s", j.dir)
	}
	var out []*Entry
	for _, de := range dirEntries {
		if !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, de.Name()))
		if err != nil {
			return nil, werr.Wrap(werr.IOError, err, "journal: read %s", de.Name())
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, werr.Wrap(werr.CorruptObject, err, "journal: decode %s", de.Name())
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// refsHeadsPrefix mirrors refs.HeadsPrefix; duplicated as a constant
// rather than imported to avoid the same cycle RefUpdater routes
// around (journal must not depend on refs).
const refsHeadsPrefix = "refs/heads/"

// RefUpdater is the subset of refs.Store that Undo needs to restore a
// prior State, accepted as an interface to avoid an import cycle
// between journal (C8) and refs (C3) — the same pattern index.go's
// HeadTreeLister uses against the repo layer.
type RefUpdater interface {
	SetHeadSymbolic(branch string) error
	SetHeadDetached(hash objstore.Hash) error
	Update(name string, hash objstore.Hash) error
}

// Undo walks the last n undoable entries backwards, restoring HEAD (and,
// when attached, the current branch ref) to each entry's BeforeState,
// and appends one new forward journal entry per step recording the
// inverse operation performed — spec.md §4.8: "undo creates a new
// forward journal entry that performs the inverse, not a deletion."
// It does not touch the working tree or index: a subsequent status will
// show whatever the index held before the undo, diffed against the
// restored HEAD.
//
// Undo stops at the first non-undoable entry it encounters, returning
// werr.OperationFailed — partial undo of a previously-applied run is
// never silently skipped past a gap with no inverse.
//
// Undo takes the repository's mutation lock for its whole run, same as
// every other engine that writes refs/operation-state (spec.md §5: "A
// repository-wide advisory lock file is acquired before any
// index/refs/operation-state write") — a concurrent mutator must see
// RepositoryBusy while an undo is rewriting HEAD and branch refs, not
// race it.
func (j *Journal) Undo(refs RefUpdater, n int, now int64) ([]*Entry, error) {
	var undone []*Entry
	err := lock.WithLock(j.gitDir, func() error {
		entries, err := j.Entries()
		if err != nil {
			return err
		}
		if n > len(entries) {
			n = len(entries)
		}
		for i := 0; i < n; i++ {
			e := entries[len(entries)-1-i]
			if !e.Undoable {
				return werr.New(werr.OperationFailed, "journal: entry %d (%s) has no inverse", e.ID, e.Operation)
			}
			before := e.BeforeState
			if before.Branch != "" {
				if err := refs.SetHeadSymbolic(before.Branch); err != nil {
					return err
				}
				if err := refs.Update(refsHeadsPrefix+before.Branch, before.Head); err != nil {
					return err
				}
			} else {
				if err := refs.SetHeadDetached(before.Head); err != nil {
					return err
				}
			}
			entry, err := j.Append(
				"undo",
				[]string{fmt.Sprintf("%d", e.ID)},
				e.AfterState,
				before,
				map[string]string{"undoneEntryId": fmt.Sprintf("%d", e.ID), "undoneOperation": e.Operation},
				false, // undoing an undo is not supported
				now,
			)
			if err != nil {
				return err
			}
			undone = append(undone, entry)
		}
		return nil
	})
	return undone, err
}
