// Package wire implements the length-prefixed record framing shared by the
// video stream and the control channel: a 4-byte big-endian length followed
// by exactly that many payload bytes.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	HeaderSize = 4

	// DefaultMaxPayload bounds inbound records.
	DefaultMaxPayload = 1 << 20
)

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum payload")

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Frame returns payload framed in a fresh buffer, suitable for a single
// Write call.
func Frame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// WriteFrame writes one record with a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Frame(payload)); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// ReadFrame reads one record. A length above max returns ErrFrameTooLarge
// after the oversized payload has been consumed, leaving r aligned on the
// next header.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(max) {
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrFrameTooLarge, "length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
