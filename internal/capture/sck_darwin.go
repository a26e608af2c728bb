//go:build darwin

package capture

/*
#cgo CFLAGS: -fobjc-arc -mmacosx-version-min=13.0
#cgo LDFLAGS: -framework ScreenCaptureKit -framework CoreMedia -framework CoreVideo -framework Foundation
#include "sck_darwin.h"
*/
import "C"
import (
	"runtime/cgo"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"deskstream/internal/types"
)

// SCK streams a display through ScreenCaptureKit in 32-bit BGRA. Frames
// alias the locked CVPixelBuffer and are valid only for the callback.
type SCK struct {
	s        C.SCKStream
	handle   cgo.Handle
	deliver  func(*types.Frame)
	frameDur time.Duration
	started  bool
}

func NewSCK() *SCK { return &SCK{} }

func (c *SCK) Start(h types.DisplayHandle, fps int, deliver func(*types.Frame)) error {
	c.deliver = deliver
	c.frameDur = time.Second / time.Duration(max(1, fps))
	c.handle = cgo.NewHandle(c)
	rc := C.sck_stream_start(C.uint32_t(h.ID), C.int(h.Resolution.Width), C.int(h.Resolution.Height),
		C.int(fps), C.uintptr_t(c.handle), &c.s)
	if rc != 0 {
		c.handle.Delete()
		return errors.Errorf("ScreenCaptureKit stream failed (code %d)", int(rc))
	}
	c.started = true
	return nil
}

// Stop waits for the capture queue to drain.
func (c *SCK) Stop() error {
	if !c.started {
		return nil
	}
	C.sck_stream_stop(&c.s)
	c.handle.Delete()
	c.started = false
	return nil
}

//export goSCKFrame
func goSCKFrame(handle C.uintptr_t, base unsafe.Pointer, stride, width, height C.int,
	pixelBuffer unsafe.Pointer, ptsValue C.int64_t, ptsScale C.int32_t) {
	c, ok := cgo.Handle(handle).Value().(*SCK)
	if !ok || base == nil {
		return
	}
	f := &types.Frame{
		Data:     unsafe.Slice((*byte)(base), int(stride)*int(height)),
		Native:   pixelBuffer,
		Width:    int(width),
		Height:   int(height),
		Stride:   int(stride),
		PixFmt:   types.PixFmtBGRA,
		Duration: c.frameDur,
	}
	if ptsScale > 0 {
		f.PTS = time.Duration(int64(ptsValue) * int64(time.Second) / int64(ptsScale))
	}
	c.deliver(f)
}
