// Package merge implements the three-way merge engine of C4 (spec.md
// §4.4): text merge with conflict markers and recursive tree merge.
//
// New relative to navytux-git-backup (which never merges — it only ever
// unions ref namespaces by parent-commit fan-in, git-backup.go:cmd_pull_).
// Grounded on the general corpus idiom (small pure functions, one error
// type per failure mode) and on internal/diff for the underlying edit
// script.
package merge

import (
	"fmt"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/diff"
)

// ConflictLabels names the three sides shown in conflict markers.
type ConflictLabels struct {
	Ours, Theirs string // e.g. "HEAD", "feature"
}

// Result is the outcome of a text merge.
type Result struct {
	Text      string
	Conflicts bool
}

// replaceHunk is a maximal run of non-context edits against the base,
// i.e. "base[OldStart:OldStart+OldCount] becomes NewLines". Unlike
// diff.CreateHunks (built for human-readable context windows), hunks
// here have zero surrounding context — they exist purely to detect
// whether two sides touched overlapping base ranges.
type replaceHunk struct {
	OldStart, OldCount int
	NewLines           []string
}

func replaceHunks(edits []diff.Edit) []replaceHunk {
	var hunks []replaceHunk
	old := 0
	i := 0
	for i < len(edits) {
		if edits[i].Kind == diff.Context {
			old++
			i++
			continue
		}
		start := old
		var newLines []string
		count := 0
		for i < len(edits) && edits[i].Kind != diff.Context {
			switch edits[i].Kind {
			case diff.Remove:
				count++
				old++
			case diff.Add:
				newLines = append(newLines, edits[i].Line)
			}
			i++
		}
		hunks = append(hunks, replaceHunk{OldStart: start, OldCount: count, NewLines: newLines})
	}
	return hunks
}

const (
	markerOurs   = "<<<<<<< "
	markerBase   = "======="
	markerTheirs = ">>>>>>> "
)

// MergeText performs the three-way text merge of spec.md §4.4: identity
// shortcuts first (testable property 5), then a synchronized walk of
// both sides' replace-hunks against the shared base. Non-overlapping
// hunks combine automatically; overlapping hunks produce a conflict
// region bracketed by <<<<<<< / ======= / >>>>>>> markers.
func MergeText(base, ours, theirs string, labels ConflictLabels) Result {
	if ours == base {
		return Result{Text: theirs}
	}
	if theirs == base {
		return Result{Text: ours}
	}
	if ours == theirs {
		return Result{Text: ours}
	}

	baseLines := diff.Lines(base)
	oursLines := diff.Lines(ours)
	theirsLines := diff.Lines(theirs)

	hOurs := replaceHunks(diff.Diff(baseLines, oursLines))
	hTheirs := replaceHunks(diff.Diff(baseLines, theirsLines))

	var out []string
	conflict := false
	pos := 0 // next unconsumed base line index
	i, j := 0, 0

	flushContext := func(upto int) {
		out = append(out, baseLines[pos:upto]...)
		pos = upto
	}

	for i < len(hOurs) || j < len(hTheirs) {
		switch {
		case j >= len(hTheirs) || (i < len(hOurs) && hOurs[i].OldStart+hOurs[i].OldCount <= hTheirs[j].OldStart):
			// ours-only hunk, entirely before theirs' next hunk
			h := hOurs[i]
			flushContext(h.OldStart)
			out = append(out, h.NewLines...)
			pos = h.OldStart + h.OldCount
			i++
		case i >= len(hOurs) || (j < len(hTheirs) && hTheirs[j].OldStart+hTheirs[j].OldCount <= hOurs[i].OldStart):
			// theirs-only hunk, entirely before ours' next hunk
			h := hTheirs[j]
			flushContext(h.OldStart)
			out = append(out, h.NewLines...)
			pos = h.OldStart + h.OldCount
			j++
		default:
			// overlapping ranges: merge every mutually-overlapping run
			// of hunks from both sides into one conflict region.
			start := min(hOurs[i].OldStart, hTheirs[j].OldStart)
			end := max(hOurs[i].OldStart+hOurs[i].OldCount, hTheirs[j].OldStart+hTheirs[j].OldCount)
			var oursLinesConf, theirsLinesConf []string
			for i < len(hOurs) && hOurs[i].OldStart < end {
				oursLinesConf = append(oursLinesConf, hOurs[i].NewLines...)
				end = max(end, hOurs[i].OldStart+hOurs[i].OldCount)
				i++
			}
			for j < len(hTheirs) && hTheirs[j].OldStart < end {
				theirsLinesConf = append(theirsLinesConf, hTheirs[j].NewLines...)
				end = max(end, hTheirs[j].OldStart+hTheirs[j].OldCount)
				j++
			}

			flushContext(start)
			conflict = true
			out = append(out, markerOurs+labels.Ours+"\n")
			out = append(out, oursLinesConf...)
			out = append(out, markerBase+"\n")
			out = append(out, theirsLinesConf...)
			out = append(out, markerTheirs+labels.Theirs+"\n")
			pos = end
		}
	}
	flushContext(len(baseLines))

	return Result{Text: strings.Join(out, ""), Conflicts: conflict}
}

// FormatConflictHeader is exposed for callers (C7 revert/cherry-pick)
// that need custom labels, e.g. "HEAD" vs a commit subject.
func FormatConflictHeader(label string) string {
	return fmt.Sprintf("%s%s\n", markerOurs, label)
}
