package objstore

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ObjectType tags the four object variants (spec.md §3, §9 "tagged sum
// type rather than an interface hierarchy").
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

func ParseObjectType(s string) (ObjectType, error) {
	switch ObjectType(s) {
	case TypeBlob, TypeTree, TypeCommit, TypeTag:
		return ObjectType(s), nil
	}
	return "", fmt.Errorf("objstore: unknown object type %q", s)
}

// Mode strings for tree entries (spec.md §4.1).
const (
	ModeFile    = "100644"
	ModeExec    = "100755"
	ModeTree    = "40000"
	ModeSymlink = "120000"
)

// Object is the tagged sum type produced by decoders and consumed by
// encoders (spec.md §9): exactly one of the typed fields is non-nil,
// matching Type.
type Object struct {
	Type   ObjectType
	Blob   *Blob
	Tree   *Tree
	Commit *Commit
	Tag    *Tag
}

// Blob is opaque file content.
type Blob struct {
	Data []byte
}

// TreeEntry is one <mode, name, hash> row of a Tree (spec.md §3).
type TreeEntry struct {
	Mode string
	Name string
	Hash Hash
}

// Tree is a sorted list of entries. Directory entries sort as if their
// name ended in "/" — required for hash stability with the dominant
// ecosystem's own tooling (spec.md §4.1).
type Tree struct {
	Entries []TreeEntry
}

// Ident is an author/committer record (spec.md §3 "Author record"):
// reproduced byte-for-byte so hashes stay stable across re-encode.
type Ident struct {
	Name      string
	Email     string
	Timestamp int64
	// TZOffset is minutes east of UTC (e.g. -420 for -0700), rendered as
	// "<timestamp> <tz>" with tz in "+HHMM"/"-HHMM" form.
	TZOffset int
}

func (id Ident) String() string {
	sign := "+"
	off := id.TZOffset
	if off < 0 {
		sign = "-"
		off = -off
	}
	return fmt.Sprintf("%s <%s> %d %s%02d%02d", id.Name, id.Email, id.Timestamp, sign, off/60, off%60)
}

func parseIdent(s string) (Ident, error) {
	// "Name <email> <ts> <tz>"
	lt := strings.LastIndex(s, "<")
	gt := strings.LastIndex(s, ">")
	if lt < 0 || gt < lt {
		return Ident{}, fmt.Errorf("objstore: invalid identity %q", s)
	}
	name := strings.TrimSpace(s[:lt])
	email := s[lt+1 : gt]
	rest := strings.Fields(strings.TrimSpace(s[gt+1:]))
	if len(rest) != 2 {
		return Ident{}, fmt.Errorf("objstore: invalid identity tail %q", s)
	}
	ts, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return Ident{}, fmt.Errorf("objstore: invalid identity timestamp %q: %w", rest[0], err)
	}
	tzstr := rest[1]
	if len(tzstr) != 5 || (tzstr[0] != '+' && tzstr[0] != '-') {
		return Ident{}, fmt.Errorf("objstore: invalid identity timezone %q", tzstr)
	}
	hh, err1 := strconv.Atoi(tzstr[1:3])
	mm, err2 := strconv.Atoi(tzstr[3:5])
	if err1 != nil || err2 != nil {
		return Ident{}, fmt.Errorf("objstore: invalid identity timezone %q", tzstr)
	}
	off := hh*60 + mm
	if tzstr[0] == '-' {
		off = -off
	}
	return Ident{Name: name, Email: email, Timestamp: ts, TZOffset: off}, nil
}

// Commit is one tree, zero or more parents, author/committer records, a
// message (spec.md §3).
type Commit struct {
	Tree      Hash
	Parents   []Hash
	Author    Ident
	Committer Ident
	Message   string
}

// Tag is an annotated reference to another object plus a tagger and
// message (spec.md §3).
type Tag struct {
	Object  Hash
	Type    ObjectType
	Tag     string
	Tagger  Ident
	Message string
}

// EncodeBlob returns the canonical payload bytes for a blob — the raw
// data, unchanged.
func EncodeBlob(b *Blob) []byte { return b.Data }

// sortTreeEntries sorts entries the way the dominant ecosystem does:
// directory entries compare as if their name had a trailing "/" so that
// "foo" (a file) sorts before "foo.x" but a tree named "foo" sorts after
// "foo.x" if "foo.x" < "foo/" lexically. This is required for hash
// stability (spec.md §4.1).
func sortTreeEntries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

func treeSortKey(e TreeEntry) string {
	if e.Mode == ModeTree {
		return e.Name + "/"
	}
	return e.Name
}

// EncodeTree serializes a Tree's entries in sorted order as
// "<mode> <name>\0<20-raw-hash-bytes>" concatenated, matching the
// dominant ecosystem's binary tree format.
func EncodeTree(t *Tree) []byte {
	entries := append([]TreeEntry(nil), t.Entries...)
	sortTreeEntries(entries)
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %s\x00", e.Mode, e.Name)
		buf.Write(e.Hash[:])
	}
	return buf.Bytes()
}

// DecodeTree parses the binary tree payload produced by EncodeTree.
func DecodeTree(payload []byte) (*Tree, error) {
	t := &Tree{}
	for len(payload) > 0 {
		sp := bytes.IndexByte(payload, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("objstore: corrupt tree entry (no space)")
		}
		mode := string(payload[:sp])
		rest := payload[sp+1:]
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("objstore: corrupt tree entry (no NUL)")
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]
		if len(rest) < RawSize {
			return nil, fmt.Errorf("objstore: corrupt tree entry (short hash)")
		}
		var h Hash
		copy(h[:], rest[:RawSize])
		t.Entries = append(t.Entries, TreeEntry{Mode: mode, Name: name, Hash: h})
		payload = rest[RawSize:]
	}
	return t, nil
}

// EncodeCommit serializes a commit per spec.md §4.1:
// "tree <hash>\n", zero or more "parent <hash>\n", "author <ident>\n",
// "committer <ident>\n", a blank line, then the UTF-8 message.
func EncodeCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	buf.WriteString("\n")
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// DecodeCommit parses the payload produced by EncodeCommit.
func DecodeCommit(payload []byte) (*Commit, error) {
	s := string(payload)
	headerEnd := strings.Index(s, "\n\n")
	if headerEnd < 0 {
		return nil, fmt.Errorf("objstore: corrupt commit (no header/message separator)")
	}
	header, message := s[:headerEnd], s[headerEnd+2:]

	c := &Commit{Message: message}
	seenTree := false
	for _, line := range strings.Split(header, "\n") {
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("objstore: corrupt commit header line %q", line)
		}
		switch key {
		case "tree":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("objstore: corrupt commit tree: %w", err)
			}
			c.Tree = h
			seenTree = true
		case "parent":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("objstore: corrupt commit parent: %w", err)
			}
			c.Parents = append(c.Parents, h)
		case "author":
			id, err := parseIdent(val)
			if err != nil {
				return nil, fmt.Errorf("objstore: corrupt commit author: %w", err)
			}
			c.Author = id
		case "committer":
			id, err := parseIdent(val)
			if err != nil {
				return nil, fmt.Errorf("objstore: corrupt commit committer: %w", err)
			}
			c.Committer = id
		default:
			return nil, fmt.Errorf("objstore: unknown commit header key %q", key)
		}
	}
	if !seenTree {
		return nil, fmt.Errorf("objstore: commit missing tree header")
	}
	return c, nil
}

// EncodeTag serializes an annotated tag: "object <hash>\n", "type
// <type>\n", "tag <name>\n", "tagger <ident>\n", blank line, message.
func EncodeTag(t *Tag) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.Type)
	fmt.Fprintf(&buf, "tag %s\n", t.Tag)
	fmt.Fprintf(&buf, "tagger %s\n", t.Tagger)
	buf.WriteString("\n")
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// DecodeTag parses the payload produced by EncodeTag.
func DecodeTag(payload []byte) (*Tag, error) {
	s := string(payload)
	headerEnd := strings.Index(s, "\n\n")
	if headerEnd < 0 {
		return nil, fmt.Errorf("objstore: corrupt tag (no header/message separator)")
	}
	header, message := s[:headerEnd], s[headerEnd+2:]
	t := &Tag{Message: message}
	for _, line := range strings.Split(header, "\n") {
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("objstore: corrupt tag header line %q", line)
		}
		switch key {
		case "object":
			h, err := ParseHash(val)
			if err != nil {
				return nil, fmt.Errorf("objstore: corrupt tag object: %w", err)
			}
			t.Object = h
		case "type":
			ty, err := ParseObjectType(val)
			if err != nil {
				return nil, err
			}
			t.Type = ty
		case "tag":
			t.Tag = val
		case "tagger":
			id, err := parseIdent(val)
			if err != nil {
				return nil, fmt.Errorf("objstore: corrupt tag tagger: %w", err)
			}
			t.Tagger = id
		default:
			return nil, fmt.Errorf("objstore: unknown tag header key %q", key)
		}
	}
	return t, nil
}

// Payload returns the canonical encoded bytes for obj, dispatching on
// obj.Type (spec.md §9 "decoders produce the sum, encoders consume it").
func Payload(obj *Object) ([]byte, error) {
	switch obj.Type {
	case TypeBlob:
		return EncodeBlob(obj.Blob), nil
	case TypeTree:
		return EncodeTree(obj.Tree), nil
	case TypeCommit:
		return EncodeCommit(obj.Commit), nil
	case TypeTag:
		return EncodeTag(obj.Tag), nil
	default:
		return nil, fmt.Errorf("objstore: unknown object type %q", obj.Type)
	}
}

// Decode parses payload according to typ into the tagged Object sum.
func Decode(typ ObjectType, payload []byte) (*Object, error) {
	switch typ {
	case TypeBlob:
		return &Object{Type: typ, Blob: &Blob{Data: append([]byte(nil), payload...)}}, nil
	case TypeTree:
		t, err := DecodeTree(payload)
		if err != nil {
			return nil, err
		}
		return &Object{Type: typ, Tree: t}, nil
	case TypeCommit:
		c, err := DecodeCommit(payload)
		if err != nil {
			return nil, err
		}
		return &Object{Type: typ, Commit: c}, nil
	case TypeTag:
		tg, err := DecodeTag(payload)
		if err != nil {
			return nil, err
		}
		return &Object{Type: typ, Tag: tg}, nil
	default:
		return nil, fmt.Errorf("objstore: unknown object type %q", typ)
	}
}
