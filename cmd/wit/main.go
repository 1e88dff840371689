// Command wit is the CLI porcelain over the C1-C9 core (spec.md §6):
// one subcommand per operation engine, dispatched the way
// navytux-git-backup's own main() dispatches "pull"/"restore" — a flat
// map from name to handler, each handler owning its own flag.FlagSet.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/ops"
	"lab.nexedi.com/kirr/wit/internal/remote"
	"lab.nexedi.com/kirr/wit/internal/werr"
	"lab.nexedi.com/kirr/wit/repo"
)

// verbose mirrors git-backup.go's own "-v increases, -q decreases"
// global verbosity level, generalized to control zerolog's level
// instead of a hand-rolled print-if-level-above helper.
var verbose int

func zerologLevel() zerolog.Level {
	switch {
	case verbose <= -1:
		return zerolog.ErrorLevel
	case verbose == 0:
		return zerolog.WarnLevel
	case verbose == 1:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// exitCode maps a werr.Kind to spec.md §6's three-value CLI exit code
// contract: 0 success (handled by the caller), 1 generic failure, 128
// a precondition the user must fix before retrying (not a repository,
// dirty working tree, detached HEAD, or an operation already in
// progress).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch werr.KindOf(err) {
	case werr.NotARepository, werr.UncommittedChange, werr.DetachedHead,
		werr.RepositoryBusy, werr.MergeInProgress:
		return 128
	default:
		return 1
	}
}

// fail prints err and exits with the code spec.md §6 maps its Kind to.
// A nil err is a no-op, so call sites can write fail(someCall()) even
// when the common case is success.
func fail(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "wit: "+err.Error())
	os.Exit(exitCode(err))
}

func openRepo() *repo.Repository {
	wd, err := os.Getwd()
	if err != nil {
		fail(werr.Wrap(werr.IOError, err, "getwd"))
	}
	r, err := repo.Open(wd)
	if err != nil {
		fail(err)
	}
	r.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerologLevel()).With().Timestamp().Logger())
	return r
}

func now() int64 { return time.Now().Unix() }

func usage() {
	fmt.Fprint(os.Stderr, `wit [options] <command> [args]

  init                        create a new repository
  commit -m <message>         record a commit from the current index
  status                      show working tree status
  add <path>...               stage paths into the index
  checkout <ref>              switch HEAD to a branch or commit
  branch [-d] <name>          create or delete a branch
  merge <branch>               three-way merge a branch into HEAD
  merge --continue|--abort|--skip
  revert <commit>...           revert one or more commits
  revert --continue|--abort|--skip
  rebase --onto <ref> <branch> resume with --continue|--abort|--skip
  stack create <name> <base>
  stack push <name> <branch>
  stack pop <name>
  stack status <name>
  stack sync <name>
  stack submit <name> <remote>
  stack goto <name> <branch>
  stack up|down <name>
  stack reorder <name> <branch>...
  remote add <name> <url>
  remote remove <name>
  remote list
  fetch <remote>
  push [--force] <remote> <localRef>[:<remoteRef>]...
  undo [n]

  common options:

    -h --help   this help text.
    -v          increase verbosity.
    -q          decrease verbosity.
`)
}

type countFlag int

func (c *countFlag) String() string { return strconv.Itoa(int(*c)) }
func (c *countFlag) Set(string) error {
	*c++
	return nil
}
func (c *countFlag) IsBoolFlag() bool { return true }

var commands = map[string]func([]string){
	"init":     cmdInit,
	"commit":   cmdCommit,
	"status":   cmdStatus,
	"add":      cmdAdd,
	"checkout": cmdCheckout,
	"branch":   cmdBranch,
	"merge":    cmdMerge,
	"revert":   cmdRevert,
	"rebase":   cmdRebase,
	"stack":    cmdStack,
	"remote":   cmdRemote,
	"fetch":    cmdFetch,
	"push":     cmdPush,
	"undo":     cmdUndo,
}

func main() {
	flag.Usage = usage
	quiet := 0
	flag.Var((*countFlag)(&verbose), "v", "verbosity level")
	flag.Var((*countFlag)(&quiet), "q", "decrease verbosity")
	flag.Parse()
	verbose -= quiet
	argv := flag.Args()

	if len(argv) == 0 {
		usage()
		os.Exit(1)
	}

	cmd := commands[argv[0]]
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "wit: unknown command %q\n", argv[0])
		os.Exit(1)
	}
	cmd(argv[1:])
}

func cmdInit(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("init", flag.ExitOnError)
	branch := flags.String("b", "main", "initial branch name")
	flags.Parse(argv)

	wd, err := os.Getwd()
	if err != nil {
		fail(werr.Wrap(werr.IOError, err, "getwd"))
	}
	if _, err := repo.Init(wd, *branch); err != nil {
		fail(err)
	}
}

func cmdCommit(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("commit", flag.ExitOnError)
	message := flags.String("m", "", "commit message")
	noVerify := flags.Bool("no-verify", false, "bypass the pre-commit hook")
	flags.Parse(argv)

	r := openRepo()
	res, err := ops.Commit(r.Context(), ops.CommitOptions{Message: *message, NoVerify: *noVerify})
	if err != nil {
		fail(err)
	}
	fmt.Println(res.Hash)
}

func cmdStatus(argv []string) {
	r := openRepo()
	statuses, err := r.Index.StatusOf(r)
	if err != nil {
		fail(err)
	}
	labels := map[int]string{0: "unmodified", 1: "staged", 2: "modified", 3: "untracked", 4: "deleted"}
	for _, s := range statuses {
		fmt.Printf("%-10s %s\n", labels[int(s.Status)], s.Path)
	}
}

func cmdAdd(argv []string) {
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "wit add: missing path")
		os.Exit(1)
	}
	r := openRepo()
	for _, p := range argv {
		if err := r.Index.Add(p); err != nil {
			fail(err)
		}
	}
	if err := r.Index.Save(); err != nil {
		fail(err)
	}
}

func cmdCheckout(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("checkout", flag.ExitOnError)
	force := flags.Bool("force", false, "discard uncommitted changes")
	flags.Parse(argv)
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "wit checkout: expected exactly one ref")
		os.Exit(1)
	}
	r := openRepo()
	if err := ops.Checkout(r.Context(), flags.Arg(0), ops.CheckoutOptions{Force: *force}); err != nil {
		fail(err)
	}
}

func cmdBranch(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("branch", flag.ExitOnError)
	del := flags.Bool("d", false, "delete the named branch")
	start := flags.String("start-point", "", "commit-ish to branch from (default HEAD)")
	flags.Parse(argv)

	r := openRepo()
	if flags.NArg() == 0 {
		branches, err := r.Refs.ListBranches()
		if err != nil {
			fail(err)
		}
		current, _ := r.Refs.GetCurrentBranch()
		for _, b := range branches {
			marker := "  "
			if b == current {
				marker = "* "
			}
			fmt.Println(marker + b)
		}
		return
	}
	name := flags.Arg(0)
	if *del {
		if err := ops.BranchDelete(r.Context(), name); err != nil {
			fail(err)
		}
		return
	}
	if _, err := ops.BranchCreate(r.Context(), name, *start); err != nil {
		fail(err)
	}
}

func cmdMerge(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("merge", flag.ExitOnError)
	cont := flags.Bool("continue", false, "continue a suspended merge")
	abort := flags.Bool("abort", false, "abort a suspended merge")
	skip := flags.Bool("skip", false, "not supported for merge (reports an error)")
	flags.Parse(argv)

	r := openRepo()
	ctx := r.Context()
	switch {
	case *cont:
		fail(ops.NewMergeOp(ctx).Continue())
		return
	case *abort:
		fail(ops.NewMergeOp(ctx).Abort())
		return
	case *skip:
		fail(ops.NewMergeOp(ctx).Skip())
		return
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "wit merge: expected exactly one branch")
		os.Exit(1)
	}
	res, err := ops.Merge(ctx, flags.Arg(0), ops.MergeOptions{})
	if err != nil {
		fail(err)
	}
	if len(res.Conflicts) > 0 {
		fmt.Printf("conflicts in %d path(s); resolve and run `wit merge --continue`\n", len(res.Conflicts))
		for _, p := range res.Conflicts {
			fmt.Println("  " + p)
		}
		return
	}
	fmt.Println(res.Hash)
}

func cmdRevert(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("revert", flag.ExitOnError)
	cont := flags.Bool("continue", false, "continue a suspended revert")
	abort := flags.Bool("abort", false, "abort a suspended revert")
	skip := flags.Bool("skip", false, "skip the current target")
	mainline := flags.Int("mainline", 0, "parent N (1-indexed) defining the change for a merge commit")
	noCommit := flags.Bool("no-commit", false, "revert without committing")
	flags.Parse(argv)

	r := openRepo()
	ctx := r.Context()
	opts := ops.RevertOptions{Mainline: *mainline, NoCommit: *noCommit}
	switch {
	case *cont:
		fail(ops.NewRevertOp(ctx, opts).Continue())
		return
	case *abort:
		fail(ops.NewRevertOp(ctx, opts).Abort())
		return
	case *skip:
		fail(ops.NewRevertOp(ctx, opts).Skip())
		return
	}
	if flags.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "wit revert: expected at least one commit")
		os.Exit(1)
	}
	var commits []objstore.Hash
	for _, a := range flags.Args() {
		h, err := ctx.Refs.ResolveShort(a)
		if err != nil {
			fail(err)
		}
		commits = append(commits, h)
	}
	res, err := ops.Revert(ctx, commits, opts)
	if err != nil {
		fail(err)
	}
	if len(res.Conflicts) > 0 {
		fmt.Printf("conflicts in %d path(s); resolve and run `wit revert --continue`\n", len(res.Conflicts))
		return
	}
	for _, c := range res.Commits {
		fmt.Println(c)
	}
}

func cmdRebase(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("rebase", flag.ExitOnError)
	cont := flags.Bool("continue", false, "continue a suspended rebase")
	abort := flags.Bool("abort", false, "abort a suspended rebase")
	skip := flags.Bool("skip", false, "skip the current commit")
	onto := flags.String("onto", "", "new base commit-ish")
	noVerify := flags.Bool("no-verify", false, "bypass the pre-commit hook")
	flags.Parse(argv)

	r := openRepo()
	ctx := r.Context()
	opts := ops.RebaseOptions{NoVerify: *noVerify}
	switch {
	case *cont:
		fail(ops.NewRebaseOp(ctx, opts).Continue())
		return
	case *abort:
		fail(ops.NewRebaseOp(ctx, opts).Abort())
		return
	case *skip:
		fail(ops.NewRebaseOp(ctx, opts).Skip())
		return
	}
	if flags.NArg() != 1 || *onto == "" {
		fmt.Fprintln(os.Stderr, "wit rebase: expected --onto <ref> <branch>")
		os.Exit(1)
	}
	branch := flags.Arg(0)
	base, err := ctx.Refs.Resolve("refs/heads/" + branch)
	if err != nil {
		fail(err)
	}
	newBase, err := ctx.Refs.ResolveShort(*onto)
	if err != nil {
		fail(err)
	}
	res, err := ops.Rebase(ctx, branch, base, newBase, opts)
	if err != nil {
		fail(err)
	}
	if len(res.Conflicts) > 0 {
		fmt.Printf("conflicts in %d path(s); resolve and run `wit rebase --continue`\n", len(res.Conflicts))
		return
	}
	fmt.Println(res.NewTip)
}

func cmdStack(argv []string) {
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "wit stack: expected a subcommand")
		os.Exit(1)
	}
	r := openRepo()
	ctx := r.Context()
	sub, rest := argv[0], argv[1:]

	switch sub {
	case "create":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "wit stack create <name> <base>")
			os.Exit(1)
		}
		if _, err := ops.StackCreate(ctx, rest[0], rest[1]); err != nil {
			fail(err)
		}
	case "push":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "wit stack push <name> <branch>")
			os.Exit(1)
		}
		if _, err := ops.StackPush(ctx, rest[0], rest[1]); err != nil {
			fail(err)
		}
	case "pop":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "wit stack pop <name>")
			os.Exit(1)
		}
		if _, err := ops.StackPop(ctx, rest[0]); err != nil {
			fail(err)
		}
	case "status":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "wit stack status <name>")
			os.Exit(1)
		}
		states, err := ops.StackStatus(ctx, rest[0])
		if err != nil {
			fail(err)
		}
		for _, s := range states {
			fmt.Printf("%-10s %s (on %s)\n", s.Status, s.Branch, s.Parent)
		}
	case "sync":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "wit stack sync <name>")
			os.Exit(1)
		}
		if err := ops.StackSync(ctx, rest[0], ops.RebaseOptions{}); err != nil {
			fail(err)
		}
	case "submit":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "wit stack submit <name> <remote>")
			os.Exit(1)
		}
		rem, ok := remote.Get(r.Config, rest[1])
		if !ok {
			fail(werr.New(werr.InvalidArgument, "stack submit: remote %q not configured", rest[1]))
		}
		if _, err := ops.StackSubmit(ctx, rest[0], ops.PushOptions{RemoteName: rem.Name, BaseURL: rem.URL}); err != nil {
			fail(err)
		}
	case "goto":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "wit stack goto <name> <branch>")
			os.Exit(1)
		}
		if err := ops.StackGoto(ctx, rest[0], rest[1]); err != nil {
			fail(err)
		}
	case "up":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "wit stack up <name>")
			os.Exit(1)
		}
		if err := ops.StackUp(ctx, rest[0]); err != nil {
			fail(err)
		}
	case "down":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "wit stack down <name>")
			os.Exit(1)
		}
		if err := ops.StackDown(ctx, rest[0]); err != nil {
			fail(err)
		}
	case "reorder":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "wit stack reorder <name> <branch>...")
			os.Exit(1)
		}
		if _, err := ops.StackReorder(ctx, rest[0], rest[1:]); err != nil {
			fail(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "wit stack: unknown subcommand %q\n", sub)
		os.Exit(1)
	}
}

func cmdRemote(argv []string) {
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "wit remote: expected a subcommand")
		os.Exit(1)
	}
	r := openRepo()
	sub, rest := argv[0], argv[1:]
	switch sub {
	case "add":
		if len(rest) != 2 {
			fmt.Fprintln(os.Stderr, "wit remote add <name> <url>")
			os.Exit(1)
		}
		remote.Add(r.Config, rest[0], rest[1])
	case "remove":
		if len(rest) != 1 {
			fmt.Fprintln(os.Stderr, "wit remote remove <name>")
			os.Exit(1)
		}
		remote.Remove(r.Config, rest[0])
	case "list":
		for _, rem := range remote.List(r.Config) {
			fmt.Printf("%s\t%s\n", rem.Name, rem.URL)
		}
		return
	default:
		fmt.Fprintf(os.Stderr, "wit remote: unknown subcommand %q\n", sub)
		os.Exit(1)
	}
	if err := r.Config.Save(filepath.Join(r.GitDir, "config")); err != nil {
		fail(err)
	}
}

func cmdFetch(argv []string) {
	if len(argv) != 1 {
		fmt.Fprintln(os.Stderr, "wit fetch <remote>")
		os.Exit(1)
	}
	r := openRepo()
	rem, ok := remote.Get(r.Config, argv[0])
	if !ok {
		fail(werr.New(werr.InvalidArgument, "fetch: remote %q not configured", argv[0]))
	}
	res, err := remote.Fetch(r.Context(), rem)
	if err != nil {
		fail(err)
	}
	for _, e := range res.Updated {
		fmt.Printf("%s\t%s\n", e.Hash, e.Ref)
	}
}

func cmdPush(argv []string) {
	flags := flag.FlagSet{}
	flags.Init("push", flag.ExitOnError)
	force := flags.Bool("force", false, "override non-fast-forward rejection")
	noVerify := flags.Bool("no-verify", false, "bypass the pre-push hook")
	flags.Parse(argv)
	if flags.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "wit push <remote> <localRef>[:<remoteRef>]...")
		os.Exit(1)
	}

	r := openRepo()
	ctx := r.Context()
	rem, ok := remote.Get(r.Config, flags.Arg(0))
	if !ok {
		fail(werr.New(werr.InvalidArgument, "push: remote %q not configured", flags.Arg(0)))
	}

	var reqs []ops.PushRequest
	for _, spec := range flags.Args()[1:] {
		local, remoteRef := spec, spec
		if i := strings.IndexByte(spec, ':'); i >= 0 {
			local, remoteRef = spec[:i], spec[i+1:]
		}
		if !strings.HasPrefix(local, "refs/") {
			local = "refs/heads/" + local
		}
		if !strings.HasPrefix(remoteRef, "refs/") {
			remoteRef = "refs/heads/" + remoteRef
		}
		reqs = append(reqs, ops.PushRequest{LocalRef: local, RemoteRef: remoteRef, Force: *force})
	}

	res, err := ops.Push(ctx, reqs, ops.PushOptions{RemoteName: rem.Name, BaseURL: rem.URL, NoVerify: *noVerify})
	if err != nil {
		fail(err)
	}
	bad := false
	for _, rr := range res.Refs {
		if rr.Err != nil {
			bad = true
			fmt.Printf("! %s -> %s (%s)\n", rr.LocalRef, rr.RemoteRef, rr.Err)
		} else {
			fmt.Printf("  %s -> %s (%s)\n", rr.LocalRef, rr.RemoteRef, rr.Class)
		}
	}
	if bad {
		os.Exit(1)
	}
}

func cmdUndo(argv []string) {
	n := 1
	if len(argv) == 1 {
		v, err := strconv.Atoi(argv[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "wit undo: n must be an integer")
			os.Exit(1)
		}
		n = v
	}
	r := openRepo()
	entries, err := r.Journal.Undo(r.Refs, n, now())
	if err != nil {
		fail(err)
	}
	for _, e := range entries {
		fmt.Printf("undid #%s (%s)\n", e.Payload["undoneEntryId"], e.Payload["undoneOperation"])
	}
}
