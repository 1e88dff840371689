// Package objstore implements the content-addressed object database (C1):
// blob/tree/commit/tag objects, hashed and zlib-compressed under
// objects/xx/yyyy..., bit-compatible with the dominant existing
// ecosystem's object format (spec.md §3, §4.1).
//
// It generalizes navytux-git-backup's Sha1 type (sha1.go) — a fixed-size
// raw-byte value with String()/Scan()/a sort adapter — into the Hash type
// used throughout this module, and its Sha1Set (set.go) into HashSet.
package objstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
)

// RawSize is the length in bytes of the SHA-1-family digest used to name
// every object (spec.md §3 "Object").
const RawSize = sha1.Size // 20

// Hash is a 20-byte object digest. The zero value is the null hash.
type Hash [RawSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the null hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a 40-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != RawSize*2 {
		return Hash{}, fmt.Errorf("objstore: %q is not a valid hash (want %d hex chars, got %d)", s, RawSize*2, len(s))
	}
	n, err := hex.Decode(h[:], []byte(s))
	if err != nil || n != RawSize {
		return Hash{}, fmt.Errorf("objstore: %q is not a valid hash: %w", s, err)
	}
	return h, nil
}

// MustParseHash is ParseHash, panicking on error. Reserved for tests and
// for decoding constants known-good at compile time.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Compute hashes the canonical "<type> <len>\0<payload>" header+payload
// per spec.md §3/§4.1.
func Compute(typ ObjectType, payload []byte) Hash {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", typ, len(payload))
	h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ByHash sorts a []Hash slice byte-lexically, generalizing teacher's
// BySha1 (sha1.go).
type ByHash []Hash

func (p ByHash) Len() int           { return len(p) }
func (p ByHash) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p ByHash) Less(i, j int) bool { return bytes.Compare(p[i][:], p[j][:]) < 0 }

var _ sort.Interface = ByHash(nil)

// HashSet is a map-backed set of Hash, generalizing teacher's Sha1Set
// (set.go) for use as the reachability walker's visited set (C5).
type HashSet map[Hash]struct{}

func NewHashSet(hv ...Hash) HashSet {
	s := make(HashSet, len(hv))
	for _, h := range hv {
		s.Add(h)
	}
	return s
}

func (s HashSet) Add(h Hash)      { s[h] = struct{}{} }
func (s HashSet) Remove(h Hash)   { delete(s, h) }
func (s HashSet) Contains(h Hash) bool {
	_, ok := s[h]
	return ok
}

// Elements returns all set members, sorted for stable iteration order
// (pack output and reflog-adjacent listings must be deterministic).
func (s HashSet) Elements() []Hash {
	ev := make([]Hash, 0, len(s))
	for h := range s {
		ev = append(ev, h)
	}
	sort.Sort(ByHash(ev))
	return ev
}

// Union returns a new set containing every element of s and other.
func (s HashSet) Union(other HashSet) HashSet {
	out := make(HashSet, len(s)+len(other))
	for h := range s {
		out.Add(h)
	}
	for h := range other {
		out.Add(h)
	}
	return out
}

// Difference returns a new set containing elements of s not in other —
// used directly by C5's "reachable(new tip) \ reachable(remote tip)".
func (s HashSet) Difference(other HashSet) HashSet {
	out := make(HashSet, len(s))
	for h := range s {
		if !other.Contains(h) {
			out.Add(h)
		}
	}
	return out
}
