// Package dedup suppresses frames whose content has not changed since the
// last delivered frame.
package dedup

import (
	"encoding/binary"

	"deskstream/internal/types"
)

const DefaultStep = 10

// Deduper compares a sampled checksum of each frame against the last one
// it let through. It is called from the capture callback only and is not
// safe for concurrent use.
type Deduper struct {
	step int
	last uint64
	have bool
}

func New(step int) *Deduper {
	if step <= 0 {
		step = DefaultStep
	}
	return &Deduper{step: step}
}

// ShouldDeliver reports whether f differs from the previous delivered
// frame and, if so, records it as the new reference.
func (d *Deduper) ShouldDeliver(f *types.Frame) bool {
	sum := Checksum(f, d.step)
	if !d.Changed(sum) {
		return false
	}
	d.Remember(sum)
	return true
}

// Changed reports whether sum differs from the reference without
// recording it. Callers that may still fail to deliver the frame call
// Remember once it has gone out.
func (d *Deduper) Changed(sum uint64) bool {
	return !d.have || sum != d.last
}

// Remember sets the reference checksum directly. Used when a frame is
// delivered regardless of the comparison.
func (d *Deduper) Remember(sum uint64) {
	d.last = sum
	d.have = true
}

// Step is the sampling stride in rows and pixels.
func (d *Deduper) Step() int { return d.step }

// Reset forgets the reference frame.
func (d *Deduper) Reset() {
	d.last = 0
	d.have = false
}

const (
	fnvOffset = 14695981039346656037
	fnvPrime  = 1099511628211
)

// Checksum hashes every step-th pixel of every step-th row (FNV-1a over
// the 32-bit pixel values) together with the frame geometry.
func Checksum(f *types.Frame, step int) uint64 {
	h := uint64(fnvOffset)
	mix := func(v uint32) {
		h ^= uint64(v)
		h *= fnvPrime
	}
	mix(uint32(f.Width))
	mix(uint32(f.Height))

	for y := 0; y < f.Height; y += step {
		row := y * f.Stride
		for x := 0; x < f.Width; x += step {
			off := row + x*4
			if off+4 > len(f.Data) {
				return h
			}
			mix(binary.LittleEndian.Uint32(f.Data[off:]))
		}
	}
	return h
}
