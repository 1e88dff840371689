// Package index implements the staging area (C2): a path->blob mapping
// persisted between invocations, the sole input to a commit's tree
// (spec.md §3 "Index entry", §4.2).
//
// navytux-git-backup never carries its own index — it drives `git
// update-index --cacheinfo` and `git write-tree` as subprocesses
// (git-backup.go:cmd_pull_). This package generalizes that same
// path/mode/blob-hash shape into a first-class, in-process staging area.
package index

import (
	"bytes"
	"crypto/sha1"
	"encoding/gob"
	"os"
	"path"
	"sort"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// Entry is one staged path (spec.md §3 "Index entry"). Size/MTime are the
// stat-cache fast-path dirty check: if they match the filesystem, Status
// skips rehashing the working-tree file.
type Entry struct {
	Path  string // repository-relative, forward-slash
	Mode  string // objstore.ModeFile / ModeExec / ModeSymlink
	Hash  objstore.Hash
	Size  int64
	MTime int64 // unix nanoseconds
}

// Index is the ordered path->entry map. Entries is always kept sorted by
// Path (spec.md §3 invariant).
type Index struct {
	entries map[string]*Entry
	store   *objstore.Store
	root    string // working tree root
	path    string // .wit/index file path
}

func New(store *objstore.Store, workRoot, indexPath string) *Index {
	return &Index{entries: map[string]*Entry{}, store: store, root: workRoot, path: indexPath}
}

// Load reads the persisted index file, if any. A missing file is an
// empty index (first commit of a fresh repository).
func Load(store *objstore.Store, workRoot, indexPath string) (*Index, error) {
	idx := New(store, workRoot, indexPath)
	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, werr.Wrap(werr.IOError, err, "index: read %s", indexPath)
	}
	var entries []*Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return nil, werr.Wrap(werr.CorruptObject, err, "index: decode %s", indexPath)
	}
	for _, e := range entries {
		idx.entries[e.Path] = e
	}
	return idx, nil
}

// Save persists the index via temp-file + atomic rename, the same
// pattern used throughout this module for every mutable on-disk file
// (spec.md §4.3 refs, §4.1 objects).
func (idx *Index) Save() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(idx.sortedEntries()); err != nil {
		return werr.Wrap(werr.IOError, err, "index: encode")
	}
	tmp, err := os.CreateTemp(path.Dir(idx.path), "tmp_index_")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "index: create temp")
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "index: write temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "index: close temp")
	}
	if err := os.Rename(tmp.Name(), idx.path); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "index: rename temp")
	}
	return nil
}

func (idx *Index) sortedEntries() []*Entry {
	ev := make([]*Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		ev = append(ev, e)
	}
	sort.Slice(ev, func(i, j int) bool { return ev[i].Path < ev[j].Path })
	return ev
}

// Entries returns all staged entries, sorted by path.
func (idx *Index) Entries() []*Entry { return idx.sortedEntries() }

// Get returns the entry at path, or nil if untracked.
func (idx *Index) Get(p string) *Entry { return idx.entries[p] }

// Remove unstages path.
func (idx *Index) Remove(p string) { delete(idx.entries, p) }

// Add reads the working-tree file at path, writes it as a blob (every
// index entry's blob exists in the object store — spec.md §3 invariant),
// and updates/creates the entry.
func (idx *Index) Add(p string) error {
	full := path.Join(idx.root, p)
	info, err := os.Lstat(full)
	if err != nil {
		return werr.Wrap(werr.IOError, err, "index: lstat %s", p)
	}

	var data []byte
	mode := objstore.ModeFile
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(full)
		if err != nil {
			return werr.Wrap(werr.IOError, err, "index: readlink %s", p)
		}
		data = []byte(target)
		mode = objstore.ModeSymlink
	} else {
		data, err = os.ReadFile(full)
		if err != nil {
			return werr.Wrap(werr.IOError, err, "index: read %s", p)
		}
		if info.Mode()&0111 != 0 {
			mode = objstore.ModeExec
		}
	}

	h, err := idx.store.WriteBlob(&objstore.Blob{Data: data})
	if err != nil {
		return err
	}

	idx.entries[p] = &Entry{
		Path:  p,
		Mode:  mode,
		Hash:  h,
		Size:  int64(len(data)),
		MTime: info.ModTime().UnixNano(),
	}
	return nil
}

// Hash returns a content-addressable identity for the index's current
// state, used by the journal for change detection (spec.md §4.2).
func (idx *Index) Hash() objstore.Hash {
	var buf bytes.Buffer
	for _, e := range idx.sortedEntries() {
		buf.WriteString(e.Mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Path)
		buf.WriteByte(0)
		buf.Write(e.Hash[:])
	}
	return sha1.Sum(buf.Bytes())
}

// Status classifications (spec.md §4.2).
type Status int

const (
	Unmodified Status = iota
	Staged            // differs from HEAD's tree, matches working tree
	Modified          // differs from the index (working tree has unstaged changes)
	Untracked         // present in the working tree, absent from the index
	Deleted           // present in the index, absent from the working tree
)

// FileStatus is one path's classification result.
type FileStatus struct {
	Path   string
	Status Status
}

// HeadTreeLister resolves a path->hash map for HEAD's tree, implemented
// by the repo layer (avoids an import cycle on refs/objstore wiring).
type HeadTreeLister interface {
	HeadTreeEntries() (map[string]objstore.Hash, error)
}

// StatusOf classifies every working-tree path under root plus every
// staged and HEAD-tracked path, per spec.md §4.2.
func (idx *Index) StatusOf(head HeadTreeLister) ([]FileStatus, error) {
	headTree, err := head.HeadTreeEntries()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []FileStatus

	for _, e := range idx.sortedEntries() {
		seen[e.Path] = true
		full := path.Join(idx.root, e.Path)
		info, err := os.Lstat(full)
		if err != nil {
			if os.IsNotExist(err) {
				out = append(out, FileStatus{e.Path, Deleted})
				continue
			}
			return nil, werr.Wrap(werr.IOError, err, "index: lstat %s", e.Path)
		}
		dirty := info.Size() != e.Size || info.ModTime().UnixNano() != e.MTime
		if dirty {
			// stat-cache mismatch: fall back to content comparison.
			actual, err := hashWorkingFile(full, info)
			if err != nil {
				return nil, err
			}
			if actual != e.Hash {
				out = append(out, FileStatus{e.Path, Modified})
				continue
			}
		}
		if headTree[e.Path] != e.Hash {
			out = append(out, FileStatus{e.Path, Staged})
		}
	}

	for p, h := range headTree {
		if seen[p] {
			continue
		}
		seen[p] = true
		_ = h
		out = append(out, FileStatus{p, Deleted})
	}

	var walkErr error
	err = filepathWalk(idx.root, func(rel string, info os.FileInfo) {
		if strings.HasPrefix(rel, ".wit/") || rel == ".wit" {
			return
		}
		if seen[rel] {
			return
		}
		seen[rel] = true
		out = append(out, FileStatus{rel, Untracked})
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func hashWorkingFile(full string, info os.FileInfo) (objstore.Hash, error) {
	var data []byte
	var err error
	if info.Mode()&os.ModeSymlink != 0 {
		target, e := os.Readlink(full)
		if e != nil {
			return objstore.Hash{}, werr.Wrap(werr.IOError, e, "index: readlink %s", full)
		}
		data = []byte(target)
	} else {
		data, err = os.ReadFile(full)
		if err != nil {
			return objstore.Hash{}, werr.Wrap(werr.IOError, err, "index: read %s", full)
		}
	}
	return objstore.Compute(objstore.TypeBlob, data), nil
}

// BuildTree converts the flat index into a hierarchy of tree objects,
// writing each to the store, and returns the root hash (spec.md §4.2).
func (idx *Index) BuildTree() (objstore.Hash, error) {
	type dirNode struct {
		entries  []objstore.TreeEntry
		children map[string]*dirNode
	}
	root := &dirNode{children: map[string]*dirNode{}}

	getDir := func(dirPath string) *dirNode {
		node := root
		if dirPath == "" {
			return node
		}
		for _, part := range strings.Split(dirPath, "/") {
			child, ok := node.children[part]
			if !ok {
				child = &dirNode{children: map[string]*dirNode{}}
				node.children[part] = child
			}
			node = child
		}
		return node
	}

	for _, e := range idx.sortedEntries() {
		dir, name := path.Split(e.Path)
		dir = strings.TrimSuffix(dir, "/")
		node := getDir(dir)
		node.entries = append(node.entries, objstore.TreeEntry{Mode: e.Mode, Name: name, Hash: e.Hash})
	}

	var writeDir func(node *dirNode) (objstore.Hash, error)
	writeDir = func(node *dirNode) (objstore.Hash, error) {
		entries := append([]objstore.TreeEntry(nil), node.entries...)
		names := make([]string, 0, len(node.children))
		for name := range node.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			childHash, err := writeDir(node.children[name])
			if err != nil {
				return objstore.Hash{}, err
			}
			entries = append(entries, objstore.TreeEntry{Mode: objstore.ModeTree, Name: name, Hash: childHash})
		}
		return idx.store.WriteTree(&objstore.Tree{Entries: entries})
	}

	return writeDir(root)
}

func filepathWalk(root string, fn func(rel string, info os.FileInfo)) error {
	return walkDir(root, "", fn)
}

func walkDir(root, rel string, fn func(rel string, info os.FileInfo)) error {
	full := path.Join(root, rel)
	entries, err := os.ReadDir(full)
	if err != nil {
		return werr.Wrap(werr.IOError, err, "index: readdir %s", full)
	}
	for _, de := range entries {
		childRel := de.Name()
		if rel != "" {
			childRel = rel + "/" + de.Name()
		}
		if de.Name() == ".wit" {
			continue
		}
		if de.IsDir() {
			if err := walkDir(root, childRel, fn); err != nil {
				return err
			}
			continue
		}
		info, err := de.Info()
		if err != nil {
			return werr.Wrap(werr.IOError, err, "index: stat %s", childRel)
		}
		fn(childRel, info)
	}
	return nil
}
