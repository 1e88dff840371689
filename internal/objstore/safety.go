// This file adapts navytux-git-backup's internal/git/git.go doc comment
// and design to a different hazard class. The teacher wrapped git2go
// (cgo) because a []byte returned from libgit2-owned memory could be
// invalidated by garbage collection of the Go wrapper object that kept
// the C allocation alive, unless runtime.KeepAlive was threaded through
// by hand at every call site. Its fix was to localize the unsafe API in
// one small package and only ever expose copies.
//
// zlib.Reader/Writer pooling has the same shape of hazard without cgo:
// klauspost/compress/zlib readers and writers reuse internal scratch
// buffers across Reset() calls, and a []byte slice handed to a caller
// before Close()/Reset() can be silently overwritten by the next pooled
// use if the caller retains it past the borrow. As with the teacher's
// git2go wrapper, the fix is to localize pool access in one place and
// only ever hand callers a owned copy.
package objstore

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/zlib"
)

var deflatePool = sync.Pool{
	New: func() interface{} { return zlib.NewWriter(nil) },
}

// deflate returns a newly allocated, zlib-compressed copy of payload.
// The returned slice never aliases pool-owned memory: see the package
// doc comment above for why that matters.
func deflate(payload []byte) []byte {
	w := deflatePool.Get().(*zlib.Writer)
	defer deflatePool.Put(w)

	var buf bytes.Buffer
	w.Reset(&buf)
	// zlib.Writer.Write never fails writing into a bytes.Buffer.
	_, _ = w.Write(payload)
	_ = w.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// inflate returns a newly allocated, decompressed copy of the
// zlib-compressed input. It does not pool zlib.Reader because
// (*zlib.Reader).Reset can change the underlying flate dictionary
// state in ways that are not safe to share across concurrent callers
// without a mutex that would serialize every object read in the store —
// exactly the kind of store-wide lock spec.md §5 says object reads must
// not need. A fresh reader per call keeps reads parallelizable.
func inflate(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
