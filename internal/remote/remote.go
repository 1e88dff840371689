// Package remote implements C9, the remote controller (spec.md §4.9):
// remotes persisted as `[remote "<name>"]` blocks in `.wit/config`, a
// `FETCH_HEAD` record maintained after each fetch, and sequential
// dual-push orchestration across remotes in declared order.
//
// It builds on internal/config for persistence and internal/ops.Push
// for the actual wire exchange, rather than re-implementing ref
// classification or pack transfer — dual-push is "call the existing
// single-remote engine once per remote, in order", exactly as spec.md
// §4.7 "Push" describes it.
package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/config"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/ops"
	"lab.nexedi.com/kirr/wit/internal/refs"
	"lab.nexedi.com/kirr/wit/internal/smarthttp"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// Remote is one configured remote (spec.md glossary "Remote. Named
// tuple (name, url, fetch-refspec list)").
type Remote struct {
	Name  string
	URL   string
	Fetch string // e.g. "+refs/heads/*:refs/remotes/origin/*"
}

func defaultFetchRefspec(name string) string {
	return fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", name)
}

// List returns every configured remote, in config file order.
func List(cfg *config.Config) []Remote {
	var out []Remote
	for _, s := range cfg.Sections("remote") {
		fetch := s.Keys["fetch"]
		if fetch == "" {
			fetch = defaultFetchRefspec(s.Subsection)
		}
		out = append(out, Remote{Name: s.Subsection, URL: s.Keys["url"], Fetch: fetch})
	}
	return out
}

// Get looks up one remote by name.
func Get(cfg *config.Config, name string) (Remote, bool) {
	url, ok := cfg.Get("remote", name, "url")
	if !ok {
		return Remote{}, false
	}
	fetch, ok := cfg.Get("remote", name, "fetch")
	if !ok {
		fetch = defaultFetchRefspec(name)
	}
	return Remote{Name: name, URL: url, Fetch: fetch}, true
}

// Add registers a new remote with the default fetch refspec (spec.md §6
// configuration surface "remote.<name>.url, remote.<name>.fetch").
func Add(cfg *config.Config, name, url string) Remote {
	s := cfg.Section("remote", name)
	s.Keys["url"] = url
	if _, ok := s.Keys["fetch"]; !ok {
		s.Keys["fetch"] = defaultFetchRefspec(name)
	}
	return Remote{Name: name, URL: url, Fetch: s.Keys["fetch"]}
}

// Remove drops a remote's configuration. It does not delete the remote's
// tracking refs (refs/remotes/<name>/...) — those are ordinary refs a
// caller can prune separately.
func Remove(cfg *config.Config, name string) {
	cfg.RemoveSection("remote", name)
}

// FetchHeadEntry is one line of the FETCH_HEAD record.
type FetchHeadEntry struct {
	Hash objstore.Hash
	Ref  string
	URL  string
}

const fetchHeadFile = "FETCH_HEAD"

// writeFetchHead overwrites .wit/FETCH_HEAD with entries, the simplest
// form of spec.md §4.9's "maintains a FETCH_HEAD record after each
// fetch" — one line per ref fetched, tab-separated hash/ref/url, mirroring
// the on-disk text-file conventions the rest of §6's layout uses.
func writeFetchHead(gitDir string, entries []FetchHeadEntry) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", e.Hash, e.Ref, e.URL)
	}
	path := filepath.Join(gitDir, fetchHeadFile)
	tmp, err := os.CreateTemp(gitDir, "tmp_fetchhead_")
	if err != nil {
		return werr.Wrap(werr.IOError, err, "remote: create temp for %s", fetchHeadFile)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "remote: write %s", fetchHeadFile)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "remote: close temp for %s", fetchHeadFile)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return werr.Wrap(werr.IOError, err, "remote: rename temp for %s", fetchHeadFile)
	}
	return nil
}

// FetchResult is the outcome of one Fetch call.
type FetchResult struct {
	Updated []FetchHeadEntry
}

// Fetch discovers rem's advertised refs, downloads the object closure
// not already present locally, updates tracking refs
// (refs/remotes/<rem.Name>/<branch>) for every advertised
// refs/heads/<branch> — the simple "mirror all heads" instance of
// rem.Fetch's refspec — and writes FETCH_HEAD. A tracking-ref write
// failure is logged as a warning, not surfaced as a Fetch error, mirroring
// spec.md §4.9's explicit rule for push.
func Fetch(ctx *ops.Context, rem Remote) (*FetchResult, error) {
	ad, err := smarthttp.DiscoverRefs(smarthttp.ClientOptions{BaseURL: rem.URL}, smarthttp.ServiceUploadPack)
	if err != nil {
		return nil, err
	}

	var wants []objstore.Hash
	for _, r := range ad.Refs {
		if !ctx.Objects.Exists(r.Hash) {
			wants = append(wants, r.Hash)
		}
	}

	if len(wants) > 0 {
		haves, err := localTips(ctx.Refs)
		if err != nil {
			return nil, err
		}
		if _, err := smarthttp.Fetch(smarthttp.ClientOptions{BaseURL: rem.URL}, wants, haves, ctx.Objects); err != nil {
			return nil, err
		}
	}

	var entries []FetchHeadEntry
	for _, r := range ad.Refs {
		if !strings.HasPrefix(r.Name, refs.HeadsPrefix) {
			continue
		}
		branch := strings.TrimPrefix(r.Name, refs.HeadsPrefix)
		trackingRef := refs.RemotesPrefix + rem.Name + "/" + branch
		if err := ctx.Refs.Update(trackingRef, r.Hash); err != nil {
			ctx.Log.Warn().Err(err).Str("ref", trackingRef).Msg("fetch succeeded but updating tracking ref failed")
			continue
		}
		entries = append(entries, FetchHeadEntry{Hash: r.Hash, Ref: r.Name, URL: rem.URL})
	}

	if err := writeFetchHead(ctx.GitDir, entries); err != nil {
		return nil, err
	}
	return &FetchResult{Updated: entries}, nil
}

func localTips(store *refs.Store) ([]objstore.Hash, error) {
	all, err := store.ListAll()
	if err != nil {
		return nil, err
	}
	var out []objstore.Hash
	for _, r := range all {
		out = append(out, r.Hash)
	}
	return out, nil
}

// DualPushResult is the outcome of pushing to multiple remotes.
type DualPushResult struct {
	Results map[string]*ops.PushResult
	Errs    map[string]error
	AllOK   bool
}

// PushAll executes Push once per remote named in order, sequentially —
// spec.md §4.7 "Dual-push: execute the above sequentially per remote in
// the declared order; a later remote's failure does not roll back
// earlier success, but overall result is 'all succeeded' only if every
// remote succeeded" (spec.md §5 "Dual-push to multiple remotes executes
// in declared order (no interleaving)").
func PushAll(ctx *ops.Context, cfg *config.Config, remoteNames []string, reqs []ops.PushRequest, noVerify bool) (*DualPushResult, error) {
	result := &DualPushResult{
		Results: make(map[string]*ops.PushResult, len(remoteNames)),
		Errs:    make(map[string]error, len(remoteNames)),
		AllOK:   true,
	}
	for _, name := range remoteNames {
		rem, ok := Get(cfg, name)
		if !ok {
			result.Errs[name] = werr.New(werr.InvalidArgument, "remote: %q not configured", name)
			result.AllOK = false
			continue
		}
		res, err := ops.Push(ctx, reqs, ops.PushOptions{RemoteName: name, BaseURL: rem.URL, NoVerify: noVerify})
		result.Results[name] = res
		if err != nil {
			result.Errs[name] = err
			result.AllOK = false
			continue
		}
		for _, r := range res.Refs {
			if r.Err != nil {
				result.AllOK = false
			}
		}
	}
	return result, nil
}
