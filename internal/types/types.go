// Package types holds the values and backend interfaces shared across the
// pipeline.
package types

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// Frame is a captured BGRA frame. Data is always populated; Native carries
// the platform buffer (CVPixelBufferRef on macOS) when the encoder can
// consume it without a copy.
type Frame struct {
	Data     []byte
	Native   unsafe.Pointer
	Width    int
	Height   int
	Stride   int
	PixFmt   int
	PTS      time.Duration
	Duration time.Duration
}

const (
	PixFmtBGRA = 0
)

// UnitKind distinguishes the parameter-set unit sent ahead of a keyframe
// from ordinary slice data.
type UnitKind int

const (
	UnitSlices UnitKind = iota
	UnitParamSets
)

func (k UnitKind) String() string {
	if k == UnitParamSets {
		return "paramsets"
	}
	return "slices"
}

// EncodedUnit is one Annex-B payload ready for the wire. Every NAL in Data
// carries a 4-byte start code.
type EncodedUnit struct {
	Data     []byte
	Kind     UnitKind
	Keyframe bool
	PTS      time.Duration
}

// Resolution is a display size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution accepts "WIDTHxHEIGHT".
func ParseResolution(s string) (Resolution, error) {
	var r Resolution
	if _, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height); err != nil {
		return Resolution{}, errors.Errorf("invalid resolution %q", s)
	}
	if r.Width <= 0 || r.Height <= 0 || r.Width%2 != 0 || r.Height%2 != 0 {
		return Resolution{}, errors.Errorf("invalid resolution %q: dimensions must be positive and even", s)
	}
	return r, nil
}

// Point is a position in global host coordinates.
type Point struct {
	X float64
	Y float64
}

// DisplayHandle identifies the active virtual display. Name is the
// platform identifier (CGDirectDisplayID on macOS, ":N" on X11).
type DisplayHandle struct {
	ID         uint32
	Name       string
	Resolution Resolution
	Origin     Point
}

// Display creates and destroys the virtual display surface.
type Display interface {
	Create(res Resolution) (DisplayHandle, error)
	Destroy() error
}

// FrameSource delivers frames from a display on its own goroutine or
// thread. Stop returns only after the last callback has finished.
type FrameSource interface {
	Start(h DisplayHandle, fps int, onFrame func(*Frame)) error
	Stop() error
}

// KeyWatcher reports host keyboard activity by calling notify.
type KeyWatcher interface {
	Start(notify func()) error
	Stop()
}

// MouseButton follows CoreGraphics numbering: 0 left, 1 right, 2 other.
type MouseButton int

const (
	ButtonLeft MouseButton = iota
	ButtonRight
	ButtonCenter
)

// EventPoster posts synthetic pointer events into the host input stack.
type EventPoster interface {
	MouseDown(p Point, b MouseButton, clickCount int) error
	MouseUp(p Point, b MouseButton, clickCount int) error
	MouseMove(p Point) error
	MouseDragged(p Point, b MouseButton) error
	Scroll(horizontal, vertical int) error
	Close() error
}
