package ops

import (
	"time"

	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/metrics"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// CommitOptions configures one commit (spec.md §4.7 "Commit").
type CommitOptions struct {
	Message  string
	NoVerify bool
}

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	Hash objstore.Hash
}

// Commit reads the current index, builds its tree, writes a commit
// whose parents are HEAD plus any merge-parent recorded in
// MERGE_STATE.json, advances the current branch (or HEAD directly when
// detached), clears merge state if present, and records a journal
// entry — spec.md §4.7 "Commit", unchanged.
func Commit(ctx *Context, opts CommitOptions) (*CommitResult, error) {
	defer observeDuration("commit", time.Now())
	if opts.Message == "" {
		return nil, werr.New(werr.InvalidArgument, "commit: empty message")
	}

	var result *CommitResult
	err := lock.WithLock(ctx.GitDir, func() error {
		var mergeState MergeState
		hasMergeState, err := loadState(ctx.GitDir, mergeStateFile, &mergeState)
		if err != nil {
			return err
		}
		if !hasMergeState {
			if err := ctx.CheckNoOperationInProgress(); err != nil {
				return err
			}
		}

		before, err := ctx.snapshot()
		if err != nil {
			return err
		}

		if err := RunHook(ctx.GitDir, "pre-commit", nil, "", opts.NoVerify); err != nil {
			return err
		}

		treeHash, err := ctx.Index.BuildTree()
		if err != nil {
			return err
		}

		var parents []objstore.Hash
		if !before.Head.IsZero() {
			parents = append(parents, before.Head)
		}
		if hasMergeState {
			parents = append(parents, mergeState.OtherParent)
		}

		commitHash, err := writeCommitObjectWithTree(ctx, treeHash, parents, opts.Message)
		if err != nil {
			return err
		}

		if before.Branch != "" {
			if err := ctx.Refs.Update("refs/heads/"+before.Branch, commitHash); err != nil {
				return err
			}
		} else {
			if err := ctx.Refs.SetHeadDetached(commitHash); err != nil {
				return err
			}
		}

		if hasMergeState {
			if err := clearState(ctx.GitDir, mergeStateFile); err != nil {
				return err
			}
		}

		after, err := ctx.snapshot()
		if err != nil {
			return err
		}
		if _, err := ctx.Journal.Append("commit", []string{opts.Message}, before, after,
			map[string]string{"commitHash": commitHash.String()}, true, ctx.clock().Unix()); err != nil {
			return err
		}

		metrics.CommitsTotal.Inc()
		ctx.Log.Info().Str("hash", commitHash.String()).Msg("commit")

		result = &CommitResult{Hash: commitHash}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// writeCommitObject builds a commit object from the index's current
// tree, resolving author/committer identity, for the revert engine's
// per-step finalize (spec.md §4.7 "Revert": "each reverted commit
// produces its own revert commit"). Commit itself calls
// writeCommitObjectWithTree with the tree it has already built.
func writeCommitObject(ctx *Context, parents []objstore.Hash, message string) (objstore.Hash, error) {
	treeHash, err := ctx.Index.BuildTree()
	if err != nil {
		return objstore.Hash{}, err
	}
	return writeCommitObjectWithTree(ctx, treeHash, parents, message)
}

func writeCommitObjectWithTree(ctx *Context, treeHash objstore.Hash, parents []objstore.Hash, message string) (objstore.Hash, error) {
	author, err := resolveIdent(ctx, envAuthor)
	if err != nil {
		return objstore.Hash{}, err
	}
	committer, err := resolveIdent(ctx, envCommitter)
	if err != nil {
		return objstore.Hash{}, err
	}
	return ctx.Objects.WriteCommit(&objstore.Commit{
		Tree:      treeHash,
		Parents:   parents,
		Author:    author,
		Committer: committer,
		Message:   message,
	})
}
