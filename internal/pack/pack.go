package pack

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

const (
	magic   = "PACK"
	version = uint32(2)
)

// object type codes used in the pack entry header, matching the
// dominant ecosystem's own pack format (spec.md §4.5) so packs this
// repository writes can be unpacked by existing git tooling.
const (
	typCommit   = 1
	typTree     = 2
	typBlob     = 3
	typTag      = 4
	typOfsDelta = 6
	typRefDelta = 7
)

func typeToCode(t objstore.ObjectType) (int, error) {
	switch t {
	case objstore.TypeCommit:
		return typCommit, nil
	case objstore.TypeTree:
		return typTree, nil
	case objstore.TypeBlob:
		return typBlob, nil
	case objstore.TypeTag:
		return typTag, nil
	default:
		return 0, fmt.Errorf("pack: unknown object type %q", t)
	}
}

func codeToType(c int) (objstore.ObjectType, error) {
	switch c {
	case typCommit:
		return objstore.TypeCommit, nil
	case typTree:
		return objstore.TypeTree, nil
	case typBlob:
		return objstore.TypeBlob, nil
	case typTag:
		return objstore.TypeTag, nil
	default:
		return "", fmt.Errorf("pack: unsupported object type code %d", c)
	}
}

// hashingWriter tees everything written through it into a running
// SHA-1, used to produce the pack trailer (spec.md §4.5).
type hashingWriter struct {
	w io.Writer
	h hash.Hash
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: sha1.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	hw.h.Write(p)
	return hw.w.Write(p)
}

func writeTypeSize(w io.ByteWriter, typ int, size int) error {
	c := byte(typ<<4) | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		if err := w.WriteByte(c | 0x80); err != nil {
			return err
		}
		c = byte(size & 0x7f)
		size >>= 7
	}
	return w.WriteByte(c)
}

func readTypeSize(r io.ByteReader) (typ int, size int, err error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	typ = int(c>>4) & 0x7
	size = int(c & 0x0f)
	shift := uint(4)
	for c&0x80 != 0 {
		c, err = r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		size |= int(c&0x7f) << shift
		shift += 7
	}
	return typ, size, nil
}

// WritePack serializes every object in hashes (order as given; callers
// pass pack.Reachable's output sorted however they like) as a pack
// stream: never emits delta entries (spec.md §1 Non-goals).
func WritePack(w io.Writer, store *objstore.Store, hashes []objstore.Hash) error {
	hw := newHashingWriter(w)
	bw := bufio.NewWriter(hw)

	if _, err := bw.WriteString(magic); err != nil {
		return werr.Wrap(werr.IOError, err, "pack: write magic")
	}
	if err := binary.Write(bw, binary.BigEndian, version); err != nil {
		return werr.Wrap(werr.IOError, err, "pack: write version")
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(hashes))); err != nil {
		return werr.Wrap(werr.IOError, err, "pack: write count")
	}

	for _, h := range hashes {
		typ, payload, err := store.ReadRaw(h)
		if err != nil {
			return err
		}
		code, err := typeToCode(typ)
		if err != nil {
			return werr.Wrap(werr.OperationFailed, err, "pack: %s", h)
		}
		if err := writeTypeSize(bw, code, len(payload)); err != nil {
			return werr.Wrap(werr.IOError, err, "pack: write header for %s", h)
		}
		zw := zlib.NewWriter(bw)
		if _, err := zw.Write(payload); err != nil {
			return werr.Wrap(werr.IOError, err, "pack: deflate %s", h)
		}
		if err := zw.Close(); err != nil {
			return werr.Wrap(werr.IOError, err, "pack: close deflate %s", h)
		}
	}

	if err := bw.Flush(); err != nil {
		return werr.Wrap(werr.IOError, err, "pack: flush")
	}
	// trailer: SHA-1 of everything written so far
	sum := hw.h.Sum(nil)
	if _, err := w.Write(sum); err != nil {
		return werr.Wrap(werr.IOError, err, "pack: write trailer")
	}
	return nil
}
