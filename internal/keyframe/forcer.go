// Package keyframe turns host keyboard activity into forced keyframes so
// typed characters reach the viewer at full quality without waiting for
// the next scheduled keyframe.
package keyframe

import (
	"math"
	"sync/atomic"
	"time"

	"deskstream/internal/types"
)

// Signal is a collapsing "key pressed" flag. Any number of Notify calls
// between two Take calls are observed once.
type Signal struct {
	pending atomic.Bool
}

func (s *Signal) Notify() { s.pending.Store(true) }

func (s *Signal) Take() bool { return s.pending.Swap(false) }

type Options struct {
	PatchSize     int
	Alpha         float64
	ShortInterval time.Duration
	Hold          time.Duration
}

func DefaultOptions() Options {
	return Options{
		PatchSize:     16,
		Alpha:         0.02,
		ShortInterval: 250 * time.Millisecond,
		Hold:          2 * time.Second,
	}
}

// Forcer consumes the key signal on the capture goroutine. Notify may be
// called from any goroutine.
type Forcer struct {
	opts   Options
	signal Signal
	now    func() time.Time

	flip       bool
	shortUntil time.Time
	forced     atomic.Uint64
}

func NewForcer(opts Options) *Forcer {
	if opts.PatchSize <= 0 {
		opts.PatchSize = DefaultOptions().PatchSize
	}
	if opts.Alpha <= 0 {
		opts.Alpha = DefaultOptions().Alpha
	}
	return &Forcer{opts: opts, now: time.Now}
}

// Notify records a key press.
func (f *Forcer) Notify() { f.signal.Notify() }

// Apply perturbs fr and returns true if a key press is pending. The caller
// must then submit fr with a forced keyframe.
func (f *Forcer) Apply(fr *types.Frame) bool {
	if !f.signal.Take() {
		return false
	}
	Perturb(fr, f.opts.PatchSize, f.opts.Alpha, f.flip)
	f.flip = !f.flip
	f.shortUntil = f.now().Add(f.opts.Hold)
	f.forced.Add(1)
	return true
}

// Interval returns the max keyframe interval to use right now: the short
// interval while inside the hold window after a key press, otherwise base.
func (f *Forcer) Interval(base time.Duration) time.Duration {
	if f.opts.ShortInterval > 0 && f.opts.ShortInterval < base && f.now().Before(f.shortUntil) {
		return f.opts.ShortInterval
	}
	return base
}

// Forced is the number of keyframes requested so far.
func (f *Forcer) Forced() uint64 { return f.forced.Load() }

// Delta is the per-channel change applied by Perturb for a given alpha.
func Delta(alpha float64) int {
	return max(1, int(math.Round(alpha*128)))
}

// Perturb nudges every colour channel inside a size×size square by Delta,
// moving each value away from its nearest extreme so it never clips. The
// square sits at the top-left corner, or the bottom-right when alt is set.
func Perturb(fr *types.Frame, size int, alpha float64, alt bool) {
	size = min(size, fr.Width, fr.Height)
	if size <= 0 {
		return
	}
	x0, y0 := 0, 0
	if alt {
		x0, y0 = fr.Width-size, fr.Height-size
	}
	delta := Delta(alpha)
	for y := y0; y < y0+size; y++ {
		row := y*fr.Stride + x0*4
		if row+size*4 > len(fr.Data) {
			return
		}
		px := fr.Data[row : row+size*4]
		for i := 0; i < len(px); i += 4 {
			// B, G, R; alpha channel untouched
			for c := 0; c < 3; c++ {
				v := int(px[i+c])
				if v < 128 {
					v += delta
				} else {
					v -= delta
				}
				px[i+c] = byte(v)
			}
		}
	}
}
