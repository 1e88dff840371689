package ops

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/werr"
)

// RunHook invokes the configured hook (spec.md §6 "Hook contract"),
// generalizing the teacher's own subprocess-invocation pattern
// (git.go's RunWith/_git: build *exec.Cmd, wire stdio, check exit
// status) from running the dominant ecosystem's own git binary to
// running a repository-local hook script.
//
// A missing or non-executable hook is not an error — it means no hook
// is configured, matching the dominant ecosystem's own convention. A
// non-zero exit aborts the calling operation with werr.HookFailed.
// noVerify bypasses the hook entirely (spec.md §6 "--no-verify
// bypasses hooks").
func RunHook(gitDir, name string, args []string, stdin string, noVerify bool) error {
	if noVerify {
		return nil
	}
	path := filepath.Join(gitDir, "hooks", name)
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if info.Mode()&0111 == 0 {
		return nil
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(gitDir)
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return werr.Wrap(werr.HookFailed, err, "hook %q failed: %s", name, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// PrePushLine formats one ref-update line for a pre-push hook's stdin
// (spec.md §6: "<localRef> <localHash> <remoteRef> <remoteHash>").
func PrePushLine(localRef string, localHash fmt.Stringer, remoteRef string, remoteHash fmt.Stringer) string {
	return fmt.Sprintf("%s %s %s %s\n", localRef, localHash, remoteRef, remoteHash)
}
