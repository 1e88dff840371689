package merge

import (
	"path"
	"sort"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// PathConflict records one path that could not be merged automatically
// (spec.md §4.4 "path-level conflict handling": add/add, modify/delete,
// and content conflicts). The merged tree still contains an entry at
// Path — for modify/modify and add/add, the textual conflict-marker blob
// (or the "ours" side when the modes differ or a symlink is involved);
// for modify/delete and delete/modify, the modified side — matching the
// dominant ecosystem's own convention of leaving the index at a
// resolvable state rather than refusing to produce a tree at all.
type PathConflict struct {
	Path string
	Kind string // "modify/modify", "add/add", "modify/delete", "delete/modify"
}

// TreeResult is the outcome of a recursive three-way tree merge.
type TreeResult struct {
	Tree      objstore.Hash
	Conflicts []PathConflict
}

// flatEntry is one leaf (non-tree) path, fully resolved.
type flatEntry struct {
	Mode string
	Hash objstore.Hash
}

// TreeLeaf is one resolved non-directory path: its mode and blob hash.
// Exported for callers outside this package (C7's merge/revert engines)
// that need to materialize a tree into a working copy or index without
// re-implementing the recursive flatten walk.
type TreeLeaf struct {
	Mode string
	Hash objstore.Hash
}

// FlattenTree resolves every non-directory path under h to its mode and
// blob hash, the same traversal MergeTrees uses internally to compare
// two trees path-by-path.
func FlattenTree(store *objstore.Store, h objstore.Hash) (map[string]TreeLeaf, error) {
	out := map[string]flatEntry{}
	if err := flattenTree(store, h, "", out); err != nil {
		return nil, err
	}
	leaves := make(map[string]TreeLeaf, len(out))
	for p, e := range out {
		leaves[p] = TreeLeaf{Mode: e.Mode, Hash: e.Hash}
	}
	return leaves, nil
}

func flattenTree(store *objstore.Store, h objstore.Hash, prefix string, out map[string]flatEntry) error {
	if h.IsZero() {
		return nil
	}
	tree, err := store.ReadTree(h)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		if e.Mode == objstore.ModeTree {
			if err := flattenTree(store, e.Hash, p, out); err != nil {
				return err
			}
			continue
		}
		out[p] = flatEntry{Mode: e.Mode, Hash: e.Hash}
	}
	return nil
}

// MergeTrees performs the recursive three-way tree merge of spec.md
// §4.4 by flattening all three trees to path->blob maps (no rename
// detection — spec.md §9 Open Question, decided in DESIGN.md), merging
// per path, and rebuilding the tree hierarchy bottom-up the way
// index.BuildTree does.
func MergeTrees(store *objstore.Store, base, ours, theirs objstore.Hash, labels ConflictLabels) (*TreeResult, error) {
	baseEntries := map[string]flatEntry{}
	oursEntries := map[string]flatEntry{}
	theirsEntries := map[string]flatEntry{}
	if err := flattenTree(store, base, "", baseEntries); err != nil {
		return nil, err
	}
	if err := flattenTree(store, ours, "", oursEntries); err != nil {
		return nil, err
	}
	if err := flattenTree(store, theirs, "", theirsEntries); err != nil {
		return nil, err
	}

	paths := map[string]bool{}
	for p := range baseEntries {
		paths[p] = true
	}
	for p := range oursEntries {
		paths[p] = true
	}
	for p := range theirsEntries {
		paths[p] = true
	}

	result := map[string]flatEntry{} // final path -> entry; absent means deleted
	var conflicts []PathConflict

	for p := range paths {
		b, hasB := baseEntries[p]
		o, hasO := oursEntries[p]
		th, hasT := theirsEntries[p]

		switch {
		case hasO && hasT && o == th:
			result[p] = o

		case hasB && !hasO && !hasT:
			// deleted on both sides: stays deleted

		case hasB && b == o && !hasT:
			// unchanged on ours, deleted on theirs

		case hasB && b == th && !hasO:
			// unchanged on theirs, deleted on ours

		case hasB && b == o && hasT:
			result[p] = th // unchanged on ours, changed (or added back) on theirs

		case hasB && b == th && hasO:
			result[p] = o // unchanged on theirs, changed on ours

		case !hasB && hasO && !hasT:
			result[p] = o // added only on ours

		case !hasB && !hasO && hasT:
			result[p] = th // added only on theirs

		case hasB && hasO && !hasT:
			// modified on ours, deleted on theirs
			result[p] = o
			conflicts = append(conflicts, PathConflict{Path: p, Kind: "modify/delete"})

		case hasB && !hasO && hasT:
			// deleted on ours, modified on theirs
			result[p] = th
			conflicts = append(conflicts, PathConflict{Path: p, Kind: "delete/modify"})

		case !hasB && hasO && hasT:
			// added independently on both sides with different content
			merged, ok, err := mergeBlobEntry(store, flatEntry{}, o, th, p, labels)
			if err != nil {
				return nil, err
			}
			result[p] = merged
			if !ok {
				conflicts = append(conflicts, PathConflict{Path: p, Kind: "add/add"})
			}

		case hasB && hasO && hasT:
			// modified on both sides, possibly differently
			merged, ok, err := mergeBlobEntry(store, b, o, th, p, labels)
			if err != nil {
				return nil, err
			}
			result[p] = merged
			if !ok {
				conflicts = append(conflicts, PathConflict{Path: p, Kind: "modify/modify"})
			}
		}
	}

	root, err := buildTreeFromPaths(store, result)
	if err != nil {
		return nil, err
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
	return &TreeResult{Tree: root, Conflicts: conflicts}, nil
}

// mergeBlobEntry attempts a content-level merge of a single path. Non-file
// modes (symlinks, or a file/tree type change) can't be line-merged and
// always fall back to a conflict that keeps "ours".
func mergeBlobEntry(store *objstore.Store, base, ours, theirs flatEntry, p string, labels ConflictLabels) (flatEntry, bool, error) {
	if ours.Mode != theirs.Mode || ours.Mode == objstore.ModeSymlink || theirs.Mode == objstore.ModeSymlink {
		return ours, false, nil
	}

	baseText, err := readBlobText(store, base.Hash)
	if err != nil {
		return flatEntry{}, false, err
	}
	oursText, err := readBlobText(store, ours.Hash)
	if err != nil {
		return flatEntry{}, false, err
	}
	theirsText, err := readBlobText(store, theirs.Hash)
	if err != nil {
		return flatEntry{}, false, err
	}

	res := MergeText(baseText, oursText, theirsText, labels)
	h, err := store.WriteBlob(&objstore.Blob{Data: []byte(res.Text)})
	if err != nil {
		return flatEntry{}, false, err
	}
	return flatEntry{Mode: ours.Mode, Hash: h}, !res.Conflicts, nil
}

func readBlobText(store *objstore.Store, h objstore.Hash) (string, error) {
	if h.IsZero() {
		return "", nil
	}
	b, err := store.ReadBlob(h)
	if err != nil {
		return "", err
	}
	return string(b.Data), nil
}

// buildTreeFromPaths is the tree-merge counterpart of index.BuildTree:
// it rebuilds a nested tree hierarchy from a flat path->entry map and
// writes every directory bottom-up.
func buildTreeFromPaths(store *objstore.Store, entries map[string]flatEntry) (objstore.Hash, error) {
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

	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		dir, name := path.Split(p)
		dir = strings.TrimSuffix(dir, "/")
		node := getDir(dir)
		e := entries[p]
		node.entries = append(node.entries, objstore.TreeEntry{Mode: e.Mode, Name: name, Hash: e.Hash})
	}

	var writeDir func(node *dirNode) (objstore.Hash, error)
	writeDir = func(node *dirNode) (objstore.Hash, error) {
		out := append([]objstore.TreeEntry(nil), node.entries...)
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
			if childHash.IsZero() {
				continue // directory emptied by the merge: omit it, matching the dominant ecosystem's no-empty-tree-entries rule
			}
			out = append(out, objstore.TreeEntry{Mode: objstore.ModeTree, Name: name, Hash: childHash})
		}
		if len(out) == 0 {
			return objstore.Hash{}, nil
		}
		return store.WriteTree(&objstore.Tree{Entries: out})
	}

	h, err := writeDir(root)
	if err != nil {
		return objstore.Hash{}, werr.Wrap(werr.OperationFailed, err, "merge: build tree")
	}
	return h, nil
}
