package control

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"deskstream/internal/logging"
	"deskstream/internal/wire"
)

var ErrInvalidLength = errors.New("control: invalid packet length")

type state int

const (
	awaitingLength state = iota
	awaitingPayload
	discarding
)

// Stats counts decoder outcomes for one connection.
type Stats struct {
	Packets   uint64
	Malformed uint64
	Ignored   uint64
	Rejected  uint64
}

// Decoder reassembles length-prefixed control packets from arbitrary
// chunks of the inbound byte stream. It never allocates more than max
// bytes for one packet; over-limit payloads are skipped in place.
type Decoder struct {
	max    int
	handle func(Packet)
	log    *logrus.Entry
	warn   *rate.Sometimes

	state     state
	hdr       [wire.HeaderSize]byte
	hdrN      int
	remaining int64
	buf       []byte

	packets, malformed, ignored, rejected atomic.Uint64
}

// NewDecoder returns a decoder that calls handle for every well-formed
// packet of a known type. max <= 0 selects wire.DefaultMaxPayload.
func NewDecoder(max int, handle func(Packet)) *Decoder {
	if max <= 0 {
		max = wire.DefaultMaxPayload
	}
	return &Decoder{
		max:    max,
		handle: handle,
		log:    logging.For("control"),
		warn:   logging.Throttle(),
	}
}

// Feed consumes the next chunk of the stream.
func (d *Decoder) Feed(p []byte) {
	for len(p) > 0 {
		switch d.state {
		case awaitingLength:
			n := copy(d.hdr[d.hdrN:], p)
			d.hdrN += n
			p = p[n:]
			if d.hdrN < wire.HeaderSize {
				return
			}
			d.hdrN = 0
			d.beginPacket(binary.BigEndian.Uint32(d.hdr[:]))

		case awaitingPayload:
			n := int(min(int64(len(p)), d.remaining))
			d.buf = append(d.buf, p[:n]...)
			p = p[n:]
			d.remaining -= int64(n)
			if d.remaining == 0 {
				d.state = awaitingLength
				d.dispatch(d.buf)
			}

		case discarding:
			n := min(int64(len(p)), d.remaining)
			p = p[n:]
			d.remaining -= n
			if d.remaining == 0 {
				d.state = awaitingLength
			}
		}
	}
}

func (d *Decoder) beginPacket(size uint32) {
	switch {
	case size == 0:
		d.reject(errors.Wrap(ErrInvalidLength, "zero length"))
	case uint64(size) > uint64(d.max):
		d.reject(errors.Wrapf(ErrInvalidLength, "length %d exceeds %d", size, d.max))
		d.state = discarding
		d.remaining = int64(size)
	default:
		if cap(d.buf) < int(size) {
			d.buf = make([]byte, 0, size)
		}
		d.buf = d.buf[:0]
		d.state = awaitingPayload
		d.remaining = int64(size)
	}
}

func (d *Decoder) reject(err error) {
	d.rejected.Add(1)
	d.warn.Do(func() { d.log.Warnf("discarding packet: %v", err) })
}

func (d *Decoder) dispatch(payload []byte) {
	pkt, err := Decode(payload)
	switch {
	case errors.Is(err, ErrUnknownType):
		d.ignored.Add(1)
		d.log.Debugf("ignoring packet: %v", err)
	case err != nil:
		d.malformed.Add(1)
		d.warn.Do(func() { d.log.Warnf("%v", err) })
	default:
		d.packets.Add(1)
		if d.handle != nil {
			d.handle(pkt)
		}
	}
}

// Reset drops any partially received packet.
func (d *Decoder) Reset() {
	d.state = awaitingLength
	d.hdrN = 0
	d.remaining = 0
	d.buf = d.buf[:0]
}

func (d *Decoder) Stats() Stats {
	return Stats{
		Packets:   d.packets.Load(),
		Malformed: d.malformed.Load(),
		Ignored:   d.ignored.Load(),
		Rejected:  d.rejected.Load(),
	}
}
