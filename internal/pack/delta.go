package pack

import "fmt"

// applyDelta reconstructs an object's payload from a base payload and a
// delta instruction stream, per the dominant ecosystem's pack delta
// format: a varint-encoded base size, a varint-encoded result size,
// then a sequence of copy (high bit set) and insert (high bit clear)
// instructions (spec.md §4.5 — accepted on decode, never produced, so
// this module has no corresponding encoder).
func applyDelta(base, delta []byte) ([]byte, error) {
	baseSize, n, err := readDeltaSize(delta)
	if err != nil {
		return nil, err
	}
	delta = delta[n:]
	if baseSize != len(base) {
		return nil, fmt.Errorf("pack: delta base size %d does not match actual base %d", baseSize, len(base))
	}

	resultSize, n, err := readDeltaSize(delta)
	if err != nil {
		return nil, err
	}
	delta = delta[n:]

	out := make([]byte, 0, resultSize)
	for len(delta) > 0 {
		op := delta[0]
		delta = delta[1:]
		if op&0x80 != 0 {
			var offset, size int
			if op&0x01 != 0 {
				offset |= int(delta[0])
				delta = delta[1:]
			}
			if op&0x02 != 0 {
				offset |= int(delta[0]) << 8
				delta = delta[1:]
			}
			if op&0x04 != 0 {
				offset |= int(delta[0]) << 16
				delta = delta[1:]
			}
			if op&0x08 != 0 {
				offset |= int(delta[0]) << 24
				delta = delta[1:]
			}
			if op&0x10 != 0 {
				size |= int(delta[0])
				delta = delta[1:]
			}
			if op&0x20 != 0 {
				size |= int(delta[0]) << 8
				delta = delta[1:]
			}
			if op&0x40 != 0 {
				size |= int(delta[0]) << 16
				delta = delta[1:]
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > len(base) {
				return nil, fmt.Errorf("pack: delta copy instruction out of range (offset %d size %d base %d)", offset, size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		} else if op != 0 {
			size := int(op)
			if size > len(delta) {
				return nil, fmt.Errorf("pack: delta insert instruction truncated")
			}
			out = append(out, delta[:size]...)
			delta = delta[size:]
		} else {
			return nil, fmt.Errorf("pack: delta opcode 0 is reserved")
		}
	}
	if len(out) != resultSize {
		return nil, fmt.Errorf("pack: delta produced %d bytes, expected %d", len(out), resultSize)
	}
	return out, nil
}

// readDeltaSize reads one little-endian base-128 varint (used for the
// delta header's base/result sizes, distinct from the copy/insert
// instruction encoding above), returning the value and bytes consumed.
func readDeltaSize(b []byte) (int, int, error) {
	size := 0
	shift := uint(0)
	for i := 0; i < len(b); i++ {
		c := b[i]
		size |= int(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			return size, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("pack: truncated delta size varint")
}
