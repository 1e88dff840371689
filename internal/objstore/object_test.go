package objstore

import "testing"

// Generalizes navytux-git-backup's XSha1() test helper (git-backup_test.go)
// and its plain t.Fatal-driven style.
func xhash(t *testing.T, s string) Hash {
	t.Helper()
	h, err := ParseHash(s)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestIdentRoundTrip(t *testing.T) {
	id := Ident{Name: "Ada", Email: "a@x", Timestamp: 1234567890, TZOffset: -420}
	s := id.String()
	got, err := parseIdent(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("parseIdent(%q) = %+v, want %+v", s, got, id)
	}
}

func TestTreeSortOrder(t *testing.T) {
	// "foo" (a tree) must sort after "foo.txt" because trees compare as
	// if their name ended in "/", and '.' (0x2e) < '/' (0x2f) < 't' (0x74)
	// — this matters for hash stability against the dominant ecosystem.
	h := xhash(t, "0000000000000000000000000000000000000001")
	tree := &Tree{Entries: []TreeEntry{
		{Mode: ModeTree, Name: "foo", Hash: h},
		{Mode: ModeFile, Name: "foo.txt", Hash: h},
	}}
	enc := EncodeTree(tree)
	dec, err := DecodeTree(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Entries[0].Name != "foo.txt" || dec.Entries[1].Name != "foo" {
		t.Errorf("tree entries not sorted per git fanout rule: %+v", dec.Entries)
	}
}

func TestCommitRoundTrip(t *testing.T) {
	tree := xhash(t, "1111111111111111111111111111111111111111")
	parent := xhash(t, "2222222222222222222222222222222222222222")
	c := &Commit{
		Tree:      tree,
		Parents:   []Hash{parent},
		Author:    Ident{Name: "Ada", Email: "a@x", Timestamp: 1000, TZOffset: 0},
		Committer: Ident{Name: "Ada", Email: "a@x", Timestamp: 1000, TZOffset: 0},
		Message:   "hello\n",
	}
	enc := EncodeCommit(c)
	dec, err := DecodeCommit(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Tree != c.Tree || len(dec.Parents) != 1 || dec.Parents[0] != parent || dec.Message != c.Message {
		t.Errorf("commit round trip mismatch: %+v", dec)
	}
	// re-encoding must reproduce the exact same bytes (testable property 3).
	if string(EncodeCommit(dec)) != string(enc) {
		t.Errorf("commit re-encode not byte-identical")
	}
}

func TestTagRoundTrip(t *testing.T) {
	obj := xhash(t, "3333333333333333333333333333333333333333")
	tag := &Tag{
		Object:  obj,
		Type:    TypeCommit,
		Tag:     "v1.0",
		Tagger:  Ident{Name: "Ada", Email: "a@x", Timestamp: 1000, TZOffset: 60},
		Message: "release\n",
	}
	enc := EncodeTag(tag)
	dec, err := DecodeTag(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Object != obj || dec.Tag != "v1.0" || dec.Message != "release\n" {
		t.Errorf("tag round trip mismatch: %+v", dec)
	}
}

func TestHashSetDifference(t *testing.T) {
	a := NewHashSet(xhash(t, "1111111111111111111111111111111111111111"), xhash(t, "2222222222222222222222222222222222222222"))
	b := NewHashSet(xhash(t, "2222222222222222222222222222222222222222"))
	diff := a.Difference(b)
	if len(diff) != 1 || !diff.Contains(xhash(t, "1111111111111111111111111111111111111111")) {
		t.Errorf("Difference = %v, want just the first hash", diff.Elements())
	}
}
