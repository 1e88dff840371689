package objstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/werr"
)

// Store is the on-disk object database rooted at <repo>/.wit/objects
// (spec.md §6). Writes are create-only (content-addressed deduplication)
// and go through a temp-file + atomic rename, generalizing teacher's
// writefile()/blob_to_file() pattern (git-backup.go, util.go) from a
// single working-tree file write to every object write.
type Store struct {
	root string // .../.wit/objects
}

func Open(root string) *Store {
	return &Store{root: root}
}

func (s *Store) pathFor(h Hash) string {
	hex := h.String()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

// Exists reports whether an object named h is present.
func (s *Store) Exists(h Hash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// WriteObject hashes typ+payload, and if no object of that hash already
// exists, deflates and writes it. It always returns the object's hash.
func (s *Store) WriteObject(typ ObjectType, payload []byte) (Hash, error) {
	h := Compute(typ, payload)
	if s.Exists(h) {
		return h, nil // create-only: content already present, spec.md §4.1
	}

	path := s.pathFor(h)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return Hash{}, werr.Wrap(werr.IOError, err, "objstore: mkdir for %s", h)
	}

	header := fmt.Sprintf("%s %d\x00", typ, len(payload))
	raw := make([]byte, 0, len(header)+len(payload))
	raw = append(raw, header...)
	raw = append(raw, payload...)
	compressed := deflate(raw)

	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp_obj_")
	if err != nil {
		return Hash{}, werr.Wrap(werr.IOError, err, "objstore: create temp for %s", h)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Hash{}, werr.Wrap(werr.IOError, err, "objstore: write temp for %s", h)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Hash{}, werr.Wrap(werr.IOError, err, "objstore: close temp for %s", h)
	}
	// Read-only, matching the dominant ecosystem's own object perms;
	// objects are immutable once written (spec.md §3).
	if err := os.Chmod(tmpName, 0444); err != nil {
		os.Remove(tmpName)
		return Hash{}, werr.Wrap(werr.IOError, err, "objstore: chmod temp for %s", h)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		// Another writer may have created it concurrently: that's fine,
		// content-addressing means it's the same bytes.
		if s.Exists(h) {
			return h, nil
		}
		return Hash{}, werr.Wrap(werr.IOError, err, "objstore: rename temp for %s", h)
	}
	return h, nil
}

// ReadRaw returns the type and decompressed payload stored at h, without
// verifying the hash matches (see ReadObject for the checked variant).
func (s *Store) ReadRaw(h Hash) (ObjectType, []byte, error) {
	path := s.pathFor(h)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, werr.New(werr.MissingObject, "objstore: object %s not found", h)
		}
		return "", nil, werr.Wrap(werr.IOError, err, "objstore: read %s", h)
	}
	raw, err := inflate(compressed)
	if err != nil {
		return "", nil, werr.Wrap(werr.CorruptObject, err, "objstore: inflate %s", h)
	}

	nul := indexByte(raw, 0)
	if nul < 0 {
		return "", nil, werr.New(werr.CorruptObject, "objstore: %s has no header terminator", h)
	}
	header := string(raw[:nul])
	var typStr string
	var length int
	if _, err := fmt.Sscanf(header, "%s %d", &typStr, &length); err != nil {
		return "", nil, werr.New(werr.CorruptObject, "objstore: %s has invalid header %q", h, header)
	}
	typ, err := ParseObjectType(typStr)
	if err != nil {
		return "", nil, werr.Wrap(werr.CorruptObject, err, "objstore: %s", h)
	}
	payload := raw[nul+1:]
	if len(payload) != length {
		return "", nil, werr.New(werr.CorruptObject, "objstore: %s declares length %d, has %d", h, length, len(payload))
	}
	return typ, payload, nil
}

// ReadObject reads and verifies the object named h (testable property 1:
// re-hashing reproduces the filename; mismatch is CorruptObject).
func (s *Store) ReadObject(h Hash) (*Object, error) {
	typ, payload, err := s.ReadRaw(h)
	if err != nil {
		return nil, err
	}
	if got := Compute(typ, payload); got != h {
		return nil, werr.New(werr.CorruptObject, "objstore: %s rehashes to %s", h, got)
	}
	return Decode(typ, payload)
}

func (s *Store) readTyped(h Hash, want ObjectType) (*Object, error) {
	obj, err := s.ReadObject(h)
	if err != nil {
		return nil, err
	}
	if obj.Type != want {
		return nil, werr.New(werr.CorruptObject, "objstore: %s is a %s, not a %s", h, obj.Type, want)
	}
	return obj, nil
}

func (s *Store) ReadBlob(h Hash) (*Blob, error) {
	obj, err := s.readTyped(h, TypeBlob)
	if err != nil {
		return nil, err
	}
	return obj.Blob, nil
}

func (s *Store) ReadTree(h Hash) (*Tree, error) {
	obj, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return obj.Tree, nil
}

func (s *Store) ReadCommit(h Hash) (*Commit, error) {
	obj, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return obj.Commit, nil
}

func (s *Store) ReadTag(h Hash) (*Tag, error) {
	obj, err := s.readTyped(h, TypeTag)
	if err != nil {
		return nil, err
	}
	return obj.Tag, nil
}

// WriteBlob/WriteTree/WriteCommit/WriteTag are typed convenience
// wrappers over WriteObject, used throughout C2/C7.
func (s *Store) WriteBlob(b *Blob) (Hash, error) { return s.WriteObject(TypeBlob, EncodeBlob(b)) }
func (s *Store) WriteTree(t *Tree) (Hash, error) { return s.WriteObject(TypeTree, EncodeTree(t)) }
func (s *Store) WriteCommit(c *Commit) (Hash, error) {
	return s.WriteObject(TypeCommit, EncodeCommit(c))
}
func (s *Store) WriteTag(t *Tag) (Hash, error) { return s.WriteObject(TypeTag, EncodeTag(t)) }

// ResolvePrefix returns every object hash whose hex form starts with
// prefix (spec.md §4.3: hash-prefix match, >=4 hex, ambiguous -> caller
// decides). A prefix shorter than the 2-hex fanout depth is matched by
// scanning every fanout directory.
func (s *Store) ResolvePrefix(prefix string) ([]Hash, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix) < 2 {
		return s.resolveShortPrefixSlow(prefix)
	}
	dir := filepath.Join(s.root, prefix[:2])
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, werr.Wrap(werr.IOError, err, "objstore: readdir %s", dir)
	}
	rest := prefix[2:]
	var out []Hash
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), rest) {
			h, err := ParseHash(prefix[:2] + e.Name())
			if err != nil {
				continue
			}
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) resolveShortPrefixSlow(prefix string) ([]Hash, error) {
	fanouts, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, werr.Wrap(werr.IOError, err, "objstore: readdir %s", s.root)
	}
	var out []Hash
	for _, fo := range fanouts {
		if !strings.HasPrefix(fo.Name(), prefix) {
			continue
		}
		matches, err := s.ResolvePrefix(fo.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
