// Package pktline implements the length-prefixed line framing of C6's
// wire protocol (spec.md §4.6): each line is a 4-hex-digit length
// (counting the 4 digits themselves) followed by that many bytes of
// payload, or the literal "0000" flush packet.
//
// Grounded on the wire shape used throughout
// other_examples/89751cc7_odvcencio-gothub__internal-gitinterop-protocol.go.go
// (pktLine/pktFlush/readPktLine calls around info/refs, upload-pack,
// receive-pack) — that file doesn't retrieve the helpers' own bodies,
// so this package implements the framing itself directly from the
// well-documented wire format those calls rely on.
package pktline

import (
	"bufio"
	"encoding/hex"
	"io"

	"lab.nexedi.com/kirr/wit/internal/werr"
)

// MaxPayload is the largest payload one pkt-line may carry (65516 bytes
// of data plus the 4-byte length prefix = 65520, the protocol's cap).
const MaxPayload = 65516

// Encode returns the framed bytes for one data line (a trailing "\n" is
// the caller's responsibility, matching fmt.Sprintf("...\n") call sites
// in the reference protocol code).
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, werr.New(werr.ProtocolError, "pktline: payload of %d bytes exceeds max %d", len(payload), MaxPayload)
	}
	length := len(payload) + 4
	var lenBuf [2]byte
	lenBuf[0] = byte(length >> 8)
	lenBuf[1] = byte(length)
	out := make([]byte, 4+len(payload))
	hex.Encode(out[:4], lenBuf[:])
	copy(out[4:], payload)
	return out, nil
}

// EncodeString is Encode for string payloads, the common case.
func EncodeString(s string) []byte {
	b, err := Encode([]byte(s))
	if err != nil {
		// Callers only ever pass short protocol lines; a payload this
		// large indicates a programming error, not a runtime condition.
		panic(err)
	}
	return b
}

// Flush is the special zero-length "0000" packet marking the end of a
// section (spec.md §4.6).
func Flush() []byte { return []byte("0000") }

// Read reads one pkt-line from r, returning its payload. A flush packet
// yields (nil, nil) rather than an error — flush is a normal framing
// element callers loop on, not a protocol violation.
func Read(r *bufio.Reader) ([]byte, error) {
	var lenHex [4]byte
	if _, err := io.ReadFull(r, lenHex[:]); err != nil {
		return nil, werr.Wrap(werr.ProtocolError, err, "pktline: read length prefix")
	}
	var lenBuf [2]byte
	if _, err := hex.Decode(lenBuf[:], lenHex[:]); err != nil {
		return nil, werr.Wrap(werr.ProtocolError, err, "pktline: invalid length prefix %q", lenHex)
	}
	length := int(lenBuf[0])<<8 | int(lenBuf[1])
	if length == 0 {
		return nil, nil // flush
	}
	if length < 4 {
		return nil, werr.New(werr.ProtocolError, "pktline: invalid length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, werr.Wrap(werr.ProtocolError, err, "pktline: read payload")
	}
	return payload, nil
}

// ReadAll reads pkt-lines until a flush packet (inclusive stop), useful
// for the simple want/have/ref-advertisement sections of the protocol
// that are always flush-terminated.
func ReadAll(r *bufio.Reader) ([][]byte, error) {
	var lines [][]byte
	for {
		line, err := Read(r)
		if err != nil {
			return nil, err
		}
		if line == nil {
			return lines, nil
		}
		lines = append(lines, line)
	}
}
