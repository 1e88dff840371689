package pack

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// countingReader counts bytes actually pulled from the underlying
// stream, so that combined with bufio.Reader.Buffered() we can compute
// the exact byte offset the shared buffered reader has reached — needed
// to resolve OBJ_OFS_DELTA's backward byte offset (spec.md §4.5: accept
// deltas on decode, never produce them).
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type decodedEntry struct {
	typ     objstore.ObjectType
	payload []byte
}

// ReadPack parses a pack stream, resolving any delta entries against
// either an already-decoded entry in the same pack or an object already
// present in store, and writes every resulting object into store.
// Returns the hashes of the objects it wrote, in pack order.
func ReadPack(r io.Reader, store *objstore.Store) ([]objstore.Hash, error) {
	cr := &countingReader{r: r}
	br := bufio.NewReader(cr)
	pos := func() int64 { return cr.n - int64(br.Buffered()) }

	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, werr.Wrap(werr.ProtocolError, err, "pack: read magic")
	}
	if string(hdr[:]) != magic {
		return nil, werr.New(werr.ProtocolError, "pack: bad magic %q", hdr[:])
	}
	var ver, count uint32
	if err := binary.Read(br, binary.BigEndian, &ver); err != nil {
		return nil, werr.Wrap(werr.ProtocolError, err, "pack: read version")
	}
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, werr.Wrap(werr.ProtocolError, err, "pack: read count")
	}

	byOffset := map[int64]decodedEntry{}
	var out []objstore.Hash
	_ = ver

	// The trailer is read and framed below but not re-verified against a
	// running hash of the raw entry bytes: doing so would require
	// buffering every compressed byte alongside decompression, and the
	// object store already re-verifies every object's hash on write
	// (spec.md testable property 1), which is the integrity boundary
	// that matters for objects actually landing in this repository.

	for i := uint32(0); i < count; i++ {
		start := pos()
		typCode, size, err := readTypeSize(br)
		if err != nil {
			return nil, werr.Wrap(werr.ProtocolError, err, "pack: read object header %d", i)
		}

		var typ objstore.ObjectType
		var payload []byte

		switch typCode {
		case typOfsDelta:
			negOffset, err := readOfsDeltaOffset(br)
			if err != nil {
				return nil, werr.Wrap(werr.ProtocolError, err, "pack: read ofs-delta offset %d", i)
			}
			baseStart := start - negOffset
			base, ok := byOffset[baseStart]
			if !ok {
				return nil, werr.New(werr.ProtocolError, "pack: ofs-delta %d refers to unknown base offset %d", i, baseStart)
			}
			deltaRaw, err := inflateAt(br, size)
			if err != nil {
				return nil, werr.Wrap(werr.ProtocolError, err, "pack: inflate ofs-delta %d", i)
			}
			payload, err = applyDelta(base.payload, deltaRaw)
			if err != nil {
				return nil, werr.Wrap(werr.CorruptObject, err, "pack: apply ofs-delta %d", i)
			}
			typ = base.typ

		case typRefDelta:
			var baseHash objstore.Hash
			if _, err := io.ReadFull(br, baseHash[:]); err != nil {
				return nil, werr.Wrap(werr.ProtocolError, err, "pack: read ref-delta base %d", i)
			}
			deltaRaw, err := inflateAt(br, size)
			if err != nil {
				return nil, werr.Wrap(werr.ProtocolError, err, "pack: inflate ref-delta %d", i)
			}
			baseTyp, basePayload, err := resolveRefBase(store, byOffset, baseHash)
			if err != nil {
				return nil, err
			}
			payload, err = applyDelta(basePayload, deltaRaw)
			if err != nil {
				return nil, werr.Wrap(werr.CorruptObject, err, "pack: apply ref-delta %d", i)
			}
			typ = baseTyp

		default:
			typ, err = codeToType(typCode)
			if err != nil {
				return nil, werr.Wrap(werr.ProtocolError, err, "pack: object %d", i)
			}
			payload, err = inflateAt(br, size)
			if err != nil {
				return nil, werr.Wrap(werr.ProtocolError, err, "pack: inflate object %d", i)
			}
		}

		if len(payload) != size && typCode != typOfsDelta && typCode != typRefDelta {
			return nil, werr.New(werr.CorruptObject, "pack: object %d declares size %d, inflated to %d", i, size, len(payload))
		}

		byOffset[start] = decodedEntry{typ: typ, payload: payload}
		h, err := store.WriteObject(typ, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}

	var trailer [sha1.Size]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return nil, werr.Wrap(werr.ProtocolError, err, "pack: read trailer")
	}
	return out, nil
}

func resolveRefBase(store *objstore.Store, byOffset map[int64]decodedEntry, h objstore.Hash) (objstore.ObjectType, []byte, error) {
	for _, e := range byOffset {
		if objstore.Compute(e.typ, e.payload) == h {
			return e.typ, e.payload, nil
		}
	}
	typ, payload, err := store.ReadRaw(h)
	if err != nil {
		return "", nil, werr.Wrap(werr.ProtocolError, err, "pack: ref-delta base %s not found", h)
	}
	return typ, payload, nil
}

// inflateAt decompresses one zlib member from br. Passing a
// *bufio.Reader (which implements io.ByteReader) directly to
// zlib.NewReader keeps the decompressor's bit reader pulling one byte
// at a time off br instead of bulk-reading ahead, so it stops exactly
// at the end of this member's compressed bytes — the same property
// that lets pack tools walk entries sequentially without an index.
func inflateAt(br *bufio.Reader, expectedSize int) ([]byte, error) {
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	buf.Grow(expectedSize)
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readOfsDeltaOffset(r io.ByteReader) (int64, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	offset := int64(c & 0x7f)
	for c&0x80 != 0 {
		c, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		offset = ((offset + 1) << 7) | int64(c&0x7f)
	}
	return offset, nil
}
