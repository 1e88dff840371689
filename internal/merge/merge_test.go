package merge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var labels = ConflictLabels{Ours: "HEAD", Theirs: "feature"}

// Testable property 5: merge identity laws.
func TestMergeIdentityLaws(t *testing.T) {
	a := "one\ntwo\nthree\n"
	x := "one\nTWO\nthree\n"

	require.Equal(t, Result{Text: x}, MergeText(a, a, x, labels))
	require.Equal(t, Result{Text: x}, MergeText(a, x, a, labels))
	require.Equal(t, Result{Text: x}, MergeText(a, x, x, labels))
}

func TestMergeNonOverlappingChangesAutoMerge(t *testing.T) {
	base := "one\ntwo\nthree\nfour\nfive\n"
	ours := "ONE\ntwo\nthree\nfour\nfive\n"
	theirs := "one\ntwo\nthree\nfour\nFIVE\n"

	res := MergeText(base, ours, theirs, labels)
	require.False(t, res.Conflicts)
	require.Equal(t, "ONE\ntwo\nthree\nfour\nFIVE\n", res.Text)
}

// Scenario S3: both sides edit the same line -> conflict markers.
func TestMergeOverlappingChangeConflicts(t *testing.T) {
	base := "one\ntwo\nthree\n"
	ours := "one\nOURS\nthree\n"
	theirs := "one\nTHEIRS\nthree\n"

	res := MergeText(base, ours, theirs, labels)
	require.True(t, res.Conflicts)
	require.Contains(t, res.Text, "<<<<<<< HEAD\n")
	require.Contains(t, res.Text, "OURS\n")
	require.Contains(t, res.Text, "=======\n")
	require.Contains(t, res.Text, "THEIRS\n")
	require.Contains(t, res.Text, ">>>>>>> feature\n")

	// the conflict region preserves unrelated context lines
	require.True(t, strings.HasPrefix(res.Text, "one\n"))
	require.True(t, strings.HasSuffix(res.Text, "three\n"))
}

func TestMergeAdditionsAtSamePointBothKept(t *testing.T) {
	base := "one\ntwo\n"
	ours := "one\nADDED_BY_OURS\ntwo\n"
	theirs := "one\nADDED_BY_THEIRS\ntwo\n"

	res := MergeText(base, ours, theirs, labels)
	// Pure insertions anchored at the same base line don't overlap any
	// base range, so both land without a conflict, ours first; spec.md
	// does not mandate a different insertion-order heuristic (§9).
	require.False(t, res.Conflicts)
	require.Equal(t, "one\nADDED_BY_OURS\nADDED_BY_THEIRS\ntwo\n", res.Text)
}

func TestMergeIdentityLawsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		alphabet := []string{"a\n", "b\n", "c\n", "d\n", "e\n"}
		gen := rapid.SliceOfN(rapid.SampledFrom(alphabet), 1, 20)
		base := strings.Join(gen.Draw(rt, "base"), "")
		x := strings.Join(gen.Draw(rt, "x"), "")

		res := MergeText(base, base, x, labels)
		if res.Text != x || res.Conflicts {
			rt.Fatalf("merge(A,A,X) != X: base=%q x=%q got=%+v", base, x, res)
		}
		res = MergeText(base, x, base, labels)
		if res.Text != x || res.Conflicts {
			rt.Fatalf("merge(A,X,A) != X: base=%q x=%q got=%+v", base, x, res)
		}
		res = MergeText(base, x, x, labels)
		if res.Text != x || res.Conflicts {
			rt.Fatalf("merge(A,X,X) != X: base=%q x=%q got=%+v", base, x, res)
		}
	})
}
