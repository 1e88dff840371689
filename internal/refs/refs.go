// Package refs implements the refs store (C3): branch, tag, and
// remote-tracking refs, and the symbolic/detached HEAD pointer
// (spec.md §3 "Ref", §4.3).
//
// navytux-git-backup only ever shells out to `git update-ref`/`git
// for-each-ref`/`git symbolic-ref` (git-backup.go:cmd_pull_,
// cmd_restore_). This package generalizes the text-file-per-ref format
// those subprocess calls manipulate into an in-process store with the
// same atomicity guarantee the teacher relied on the git binary to give
// it: every visible ref is a complete write (spec.md §4.3, testable
// property 11).
package refs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

const (
	HeadsPrefix   = "refs/heads/"
	TagsPrefix    = "refs/tags/"
	RemotesPrefix = "refs/remotes/"
)

// Store is the refs directory rooted at <repo>/.wit (so "refs/heads/main"
// resolves to <repo>/.wit/refs/heads/main, and HEAD to <repo>/.wit/HEAD).
type Store struct {
	root  string
	store *objstore.Store // for hash-prefix ambiguity resolution
}

func Open(gitDir string, objs *objstore.Store) *Store {
	return &Store{root: gitDir, store: objs}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// writeAtomic writes content to the ref file at name via temp + rename,
// guaranteeing readers never see a half-written ref (spec.md §4.3).
func (s *Store) writeAtomic(name, content string) error {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0777); err != nil {
		return werr.Wrap(werr.IOError, err, "refs: mkdir for %s", name)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "tmp_ref_")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "refs: create temp for %s", name)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "refs: write temp for %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "refs: close temp for %s", name)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "refs: rename temp for %s", name)
	}
	return nil
}

// Create writes a new ref pointing at hash. It is an error if the ref
// already exists; use Update to move an existing ref.
func (s *Store) Create(name string, hash objstore.Hash) error {
	if _, err := os.Stat(s.path(name)); err == nil {
		return werr.New(werr.InvalidArgument, "refs: %s already exists", name)
	}
	return s.writeAtomic(name, hash.String()+"\n")
}

// Update moves an existing ref (or creates it) to hash — an atomic
// replacement of its on-disk file (spec.md §3 invariant).
func (s *Store) Update(name string, hash objstore.Hash) error {
	return s.writeAtomic(name, hash.String()+"\n")
}

// Delete removes a ref file.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return werr.Wrap(werr.IOError, err, "refs: delete %s", name)
	}
	return nil
}

// readRaw returns the literal content of a ref file, trimmed.
func (s *Store) readRaw(name string) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", werr.New(werr.RefNotFound, "refs: %s not found", name)
		}
		return "", werr.Wrap(werr.IOError, err, "refs: read %s", name)
	}
	return strings.TrimSpace(string(data)), nil
}

const maxSymbolicDepth = 16

// Resolve recursively dereferences name (following "ref: <other>" chains)
// down to a concrete hash (spec.md §4.3).
func (s *Store) Resolve(name string) (objstore.Hash, error) {
	seen := map[string]bool{}
	cur := name
	for i := 0; i < maxSymbolicDepth; i++ {
		if seen[cur] {
			return objstore.Hash{}, werr.New(werr.RefNotFound, "refs: %s has a symbolic-ref cycle", name)
		}
		seen[cur] = true

		raw, err := s.readRaw(cur)
		if err != nil {
			return objstore.Hash{}, err
		}
		if target, ok := strings.CutPrefix(raw, "ref: "); ok {
			cur = strings.TrimSpace(target)
			continue
		}
		return objstore.ParseHash(raw)
	}
	return objstore.Hash{}, werr.New(werr.RefNotFound, "refs: %s: symbolic-ref chain too deep", name)
}

// ResolveShort implements the short-name lookup order of spec.md §4.3:
// exact path, refs/heads/<name>, refs/tags/<name>, refs/remotes/<name>,
// finally hash-prefix match (>=4 hex) against the object store.
func (s *Store) ResolveShort(name string) (objstore.Hash, error) {
	candidates := []string{name, HeadsPrefix + name, TagsPrefix + name, RemotesPrefix + name}
	for _, c := range candidates {
		if _, err := os.Stat(s.path(c)); err == nil {
			return s.Resolve(c)
		}
	}

	if len(name) >= 4 && isHexPrefix(name) {
		matches, err := s.store.ResolvePrefix(name)
		if err != nil {
			return objstore.Hash{}, err
		}
		if len(matches) == 1 {
			return matches[0], nil
		}
		if len(matches) > 1 {
			return objstore.Hash{}, werr.New(werr.AmbiguousRef, "refs: %q matches %d objects", name, len(matches))
		}
	}

	return objstore.Hash{}, werr.New(werr.RefNotFound, "refs: %q not found", name)
}

func isHexPrefix(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// GetCurrentBranch returns the branch name HEAD points at, or "" if
// detached.
func (s *Store) GetCurrentBranch() (string, error) {
	raw, err := s.readRaw("HEAD")
	if err != nil {
		return "", err
	}
	if target, ok := strings.CutPrefix(raw, "ref: "); ok {
		target = strings.TrimSpace(target)
		if name, ok := strings.CutPrefix(target, HeadsPrefix); ok {
			return name, nil
		}
		return "", werr.New(werr.InvalidArgument, "refs: HEAD points at non-branch ref %s", target)
	}
	return "", nil // detached
}

// IsDetached reports whether HEAD is a raw hash rather than symbolic.
func (s *Store) IsDetached() (bool, error) {
	branch, err := s.GetCurrentBranch()
	if err != nil {
		return false, err
	}
	return branch == "", nil
}

// SetHeadSymbolic points HEAD at refs/heads/<branch>.
func (s *Store) SetHeadSymbolic(branch string) error {
	return s.writeAtomic("HEAD", "ref: "+HeadsPrefix+branch+"\n")
}

// SetHeadDetached points HEAD directly at hash.
func (s *Store) SetHeadDetached(hash objstore.Hash) error {
	return s.writeAtomic("HEAD", hash.String()+"\n")
}

// HeadHash resolves HEAD to a concrete commit hash.
func (s *Store) HeadHash() (objstore.Hash, error) {
	return s.Resolve("HEAD")
}

func (s *Store) list(prefix string) ([]string, error) {
	root := s.path(prefix)
	var names []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, werr.Wrap(werr.IOError, err, "refs: list %s", prefix)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) ListBranches() ([]string, error) { return s.listShort(HeadsPrefix) }
func (s *Store) ListTags() ([]string, error)     { return s.listShort(TagsPrefix) }

// ListRemotes returns remote tracking ref full names grouped implicitly
// by their "<remote>/<branch>" suffix; callers split on the first "/".
func (s *Store) ListRemotes() ([]string, error) { return s.listShort(RemotesPrefix) }

// Ref pairs a full ref name with its resolved hash, as advertised over
// the wire protocol (spec.md §4.6 info/refs).
type Ref struct {
	Name string
	Hash objstore.Hash
}

// ListAll resolves every ref under refs/heads and refs/tags to its
// commit/tag hash, sorted by name — the advertisement set for C6's
// info/refs discovery.
func (s *Store) ListAll() ([]Ref, error) {
	var names []string
	for _, prefix := range []string{HeadsPrefix, TagsPrefix} {
		full, err := s.list(prefix)
		if err != nil {
			return nil, err
		}
		names = append(names, full...)
	}
	sort.Strings(names)

	out := make([]Ref, 0, len(names))
	for _, name := range names {
		h, err := s.Resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Ref{Name: name, Hash: h})
	}
	return out, nil
}

func (s *Store) listShort(prefix string) ([]string, error) {
	full, err := s.list(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(full))
	for i, f := range full {
		out[i] = strings.TrimPrefix(f, prefix)
	}
	return out, nil
}
