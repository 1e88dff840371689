package ops

import (
	"time"

	"lab.nexedi.com/kirr/wit/internal/lock"
	"lab.nexedi.com/kirr/wit/internal/metrics"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/smarthttp"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// RefClass categorizes one requested ref update against the remote's
// advertised state (spec.md §4.7 "Push").
type RefClass string

const (
	RefNew         RefClass = "new"
	RefUpToDate    RefClass = "up-to-date"
	RefFastForward RefClass = "fast-forward"
	RefNonFF       RefClass = "non-ff"
)

// PushRequest names one local ref to push and the remote ref it maps to.
type PushRequest struct {
	LocalRef  string // e.g. "refs/heads/main"
	RemoteRef string
	Force     bool
}

// PushOptions configures one Push call.
type PushOptions struct {
	RemoteName string
	BaseURL    string
	NoVerify   bool
}

// PushRefResult is the classification and outcome for one ref.
type PushRefResult struct {
	LocalRef  string
	RemoteRef string
	Class     RefClass
	Err       error // nil on success or no-op
}

// PushResult is the outcome of one Push call.
type PushResult struct {
	Refs []PushRefResult
}

// plannedUpdate is one ref actually sent to the remote after
// classification and --force filtering.
type plannedUpdate struct {
	req   PushRequest
	local objstore.Hash
	old   objstore.Hash
	class RefClass
}

// classifyRef determines whether updating remoteHash to localHash is a
// fast-forward, a genuinely new ref, a no-op, or a rejected non-ff
// (spec.md §4.7 "classify each requested ref as new|up-to-date|
// fast-forward|non-ff").
func classifyRef(store *objstore.Store, localHash, remoteHash objstore.Hash) (RefClass, error) {
	if remoteHash.IsZero() {
		return RefNew, nil
	}
	if localHash == remoteHash {
		return RefUpToDate, nil
	}
	anc, err := commitAncestors(store, localHash)
	if err != nil {
		return "", err
	}
	if anc.Contains(remoteHash) {
		return RefFastForward, nil
	}
	return RefNonFF, nil
}

func branchLeaf(remoteRef string) string {
	for i := len(remoteRef) - 1; i >= 0; i-- {
		if remoteRef[i] == '/' {
			return remoteRef[i+1:]
		}
	}
	return remoteRef
}

// Push resolves every requested ref locally, discovers the remote's
// current refs, classifies and (subject to --force) filters each
// request, sends the needed object closure in one pack, and updates
// local tracking refs (refs/remotes/<remote>/<branch>) only for refs the
// remote reports "ok" — spec.md §4.7 "Push", §4.9 "tracking-branch
// updates transactional with successful ref updates".
func Push(ctx *Context, reqs []PushRequest, opts PushOptions) (*PushResult, error) {
	defer observeDuration("push", time.Now())
	if len(reqs) == 0 {
		return nil, werr.New(werr.InvalidArgument, "push: no refs given")
	}

	var result *PushResult
	err := lock.WithLock(ctx.GitDir, func() error {
		ad, err := smarthttp.DiscoverRefs(smarthttp.ClientOptions{BaseURL: opts.BaseURL}, smarthttp.ServiceReceivePack)
		if err != nil {
			return err
		}
		remoteHash := map[string]objstore.Hash{}
		for _, r := range ad.Refs {
			remoteHash[r.Name] = r.Hash
		}

		result = &PushResult{Refs: make([]PushRefResult, len(reqs))}
		planIdx := map[int]plannedUpdate{} // index into reqs -> planned update
		var toSend []smarthttp.RefUpdate
		var hookLines string
		force := false

		for i, req := range reqs {
			local, err := ctx.Refs.Resolve(req.LocalRef)
			if err != nil {
				return err
			}
			old := remoteHash[req.RemoteRef]
			class, err := classifyRef(ctx.Objects, local, old)
			if err != nil {
				return err
			}

			if class == RefNonFF && !req.Force {
				result.Refs[i] = PushRefResult{
					LocalRef: req.LocalRef, RemoteRef: req.RemoteRef, Class: class,
					Err: werr.New(werr.NonFastForward, "push: %s is not a fast-forward of %s", req.LocalRef, req.RemoteRef),
				}
				continue
			}
			if class == RefUpToDate {
				result.Refs[i] = PushRefResult{LocalRef: req.LocalRef, RemoteRef: req.RemoteRef, Class: class}
				continue
			}

			if req.Force {
				force = true
			}
			planIdx[i] = plannedUpdate{req: req, local: local, old: old, class: class}
			toSend = append(toSend, smarthttp.RefUpdate{Old: old, New: local, Name: req.RemoteRef})
			hookLines += PrePushLine(req.LocalRef, local, req.RemoteRef, old)
		}

		if len(planIdx) == 0 {
			return nil
		}

		if err := RunHook(ctx.GitDir, "pre-push", []string{opts.RemoteName}, hookLines, opts.NoVerify); err != nil {
			return err
		}

		reportedErr, err := smarthttp.Push(smarthttp.ClientOptions{BaseURL: opts.BaseURL}, ctx.Objects, toSend, force)
		if err != nil {
			return err
		}

		allOK := true
		for i := 0; i < len(reqs); i++ {
			p, ok := planIdx[i]
			if !ok {
				continue
			}
			refErr := reportedErr[p.req.RemoteRef]
			result.Refs[i] = PushRefResult{LocalRef: p.req.LocalRef, RemoteRef: p.req.RemoteRef, Class: p.class, Err: refErr}
			if refErr != nil {
				allOK = false
				continue
			}
			trackingRef := "refs/remotes/" + opts.RemoteName + "/" + branchLeaf(p.req.RemoteRef)
			if err := ctx.Refs.Update(trackingRef, p.local); err != nil {
				ctx.Log.Warn().Err(err).Str("ref", trackingRef).Msg("push succeeded but updating tracking ref failed")
			}
		}

		outcome := "ok"
		if !allOK {
			outcome = "rejected"
		}
		metrics.PushesTotal.WithLabelValues(outcome).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
