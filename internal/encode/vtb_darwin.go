//go:build darwin

package encode

/*
#cgo LDFLAGS: -framework VideoToolbox -framework CoreMedia -framework CoreVideo -framework CoreFoundation
#include "vtb_darwin.h"
*/
import "C"
import (
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"deskstream/internal/types"
)

// vtbSession is a VTCompressionSession. The output callback reaches Go
// through goVTBOutput with a cgo.Handle as refcon.
type vtbSession struct {
	mu       sync.Mutex
	s        C.VTBSession
	handle   cgo.Handle
	out      func(Sample)
	settings Settings
	closed   bool
}

// NewVideoToolbox creates a hardware H.264 session: realtime, no frame
// reordering, High profile, CABAC.
func NewVideoToolbox(s Settings, out func(Sample)) (Session, error) {
	v := &vtbSession{out: out, settings: s}
	v.handle = cgo.NewHandle(v)

	st := C.vtb_create(C.int(s.Width), C.int(s.Height), C.int(s.FPS), C.int(s.Bitrate),
		C.int(s.KeyframeFrames()), C.double(s.KeyframeInterval.Seconds()), C.double(s.Quality),
		C.uintptr_t(v.handle), &v.s)
	if st != 0 {
		v.handle.Delete()
		return nil, errors.Errorf("VTCompressionSessionCreate failed: OSStatus %d", int32(st))
	}
	return v, nil
}

func (v *vtbSession) Name() string { return "videotoolbox h264" }

func (v *vtbSession) Encode(f *types.Frame, force bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}

	var bgra *C.uint8_t
	if f.Native == nil {
		if len(f.Data) < f.Stride*f.Height {
			return errors.Errorf("frame buffer too small: %d < %d", len(f.Data), f.Stride*f.Height)
		}
		bgra = (*C.uint8_t)(unsafe.Pointer(&f.Data[0]))
	}
	dur := f.Duration
	if dur <= 0 {
		dur = time.Second / time.Duration(max(1, v.settings.FPS))
	}
	var cforce C.int
	if force {
		cforce = 1
	}
	st := C.vtb_encode(&v.s, C.CVPixelBufferRef(f.Native), bgra, C.int(f.Stride),
		C.int64_t(f.PTS.Microseconds()), C.int64_t(dur.Microseconds()), cforce)
	if st != 0 {
		return errors.Errorf("VTCompressionSessionEncodeFrame: OSStatus %d", int32(st))
	}
	return nil
}

func (v *vtbSession) SetBitrate(bps int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if st := C.vtb_set_bitrate(&v.s, C.int(bps)); st != 0 {
		return errors.Errorf("set AverageBitRate: OSStatus %d", int32(st))
	}
	return nil
}

func (v *vtbSession) SetKeyframeInterval(d time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	s := v.settings
	s.KeyframeInterval = d
	if st := C.vtb_set_keyframe_interval(&v.s, C.int(s.KeyframeFrames()), C.double(d.Seconds())); st != 0 {
		return errors.Errorf("set MaxKeyFrameInterval: OSStatus %d", int32(st))
	}
	return nil
}

// Close flushes pending frames through the callback, then invalidates the
// session. The handle stays valid until no callback can run.
func (v *vtbSession) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	C.vtb_destroy(&v.s)
	v.handle.Delete()
	return nil
}

//export goVTBOutput
func goVTBOutput(handle C.uintptr_t, status C.int32_t, keyframe C.int,
	data unsafe.Pointer, n C.size_t, nalLengthSize C.int,
	sps unsafe.Pointer, spsLen C.size_t, pps unsafe.Pointer, ppsLen C.size_t,
	ptsValue C.int64_t, ptsScale C.int32_t) {
	v, ok := cgo.Handle(handle).Value().(*vtbSession)
	if !ok {
		return
	}
	switch {
	case status == -1:
		v.out(Sample{Err: errors.New("frame dropped")})
		return
	case status != 0:
		v.out(Sample{Err: errors.Errorf("OSStatus %d", int32(status))})
		return
	case data == nil || n == 0:
		v.out(Sample{Err: errors.New("empty sample")})
		return
	}

	s := Sample{
		Data:          C.GoBytes(data, C.int(n)),
		NALLengthSize: int(nalLengthSize),
		Keyframe:      keyframe != 0,
	}
	if ptsScale > 0 {
		s.PTS = time.Duration(int64(ptsValue) * int64(time.Second) / int64(ptsScale))
	}
	if s.Keyframe && sps != nil && pps != nil {
		s.ParamSets = [][]byte{
			C.GoBytes(sps, C.int(spsLen)),
			C.GoBytes(pps, C.int(ppsLen)),
		}
	}
	v.out(s)
}
