// Package encode drives a hardware H.264 encoder session and turns its
// length-prefixed output into start-code-prefixed units for the wire.
package encode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"deskstream/internal/logging"
	"deskstream/internal/types"
)

var (
	ErrClosed          = errors.New("encode: encoder closed")
	ErrNotConfigured   = errors.New("encode: encoder not configured")
	ErrMalformedSample = errors.New("encode: malformed sample")
)

// Settings are the session parameters handed to a backend.
type Settings struct {
	Width            int
	Height           int
	FPS              int
	Bitrate          int
	KeyframeInterval time.Duration
	Quality          float64
}

// KeyframeFrames is the max keyframe interval expressed in frames.
func (s Settings) KeyframeFrames() int {
	return max(1, int(s.KeyframeInterval.Seconds()*float64(s.FPS)+0.5))
}

// Sample is one compressed access unit as produced by a backend. Data holds
// NAL units each prefixed by a NALLengthSize-byte big-endian length.
// ParamSets carries the raw SPS and PPS for keyframes. A backend that
// drops a frame after accepting it delivers a Sample with Err set.
type Sample struct {
	Data          []byte
	NALLengthSize int
	ParamSets     [][]byte
	Keyframe      bool
	PTS           time.Duration
	Err           error
}

// Session is a platform encoder. Encode is asynchronous; output arrives
// through the callback given to the factory, in submission order. Close
// completes pending frames before returning.
type Session interface {
	Name() string
	Encode(f *types.Frame, forceKeyframe bool) error
	SetBitrate(bps int) error
	SetKeyframeInterval(d time.Duration) error
	Close() error
}

// SessionFactory creates a backend session delivering samples to out.
type SessionFactory func(s Settings, out func(Sample)) (Session, error)

type Options struct {
	FPS              int
	BitrateFactor    int
	KeyframeInterval time.Duration
	Quality          float64
}

func DefaultOptions() Options {
	return Options{FPS: 60, BitrateFactor: 4, KeyframeInterval: time.Second, Quality: 0.8}
}

type Stats struct {
	Submitted uint64
	Failed    uint64
	Samples   uint64
	Malformed uint64
	Discarded uint64
}

// Encoder wraps a Session. Output after Close is discarded.
type Encoder struct {
	factory SessionFactory
	opts    Options
	emit    func(types.EncodedUnit)
	log     *logrus.Entry
	warn    *rate.Sometimes

	mu       sync.Mutex
	sess     Session
	settings Settings
	interval time.Duration
	closed   bool

	// outMu orders the closed check in the output path against Close.
	outMu     sync.Mutex
	outClosed bool

	submitted, failed, samples, malformed, discarded atomic.Uint64
}

func New(factory SessionFactory, opts Options, emit func(types.EncodedUnit)) *Encoder {
	return &Encoder{
		factory: factory,
		opts:    opts,
		emit:    emit,
		log:     logging.For("encode"),
		warn:    logging.Throttle(),
	}
}

// Configure creates the backend session for the given frame size.
func (e *Encoder) Configure(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.sess != nil {
		return errors.New("encode: already configured")
	}
	s := Settings{
		Width:            width,
		Height:           height,
		FPS:              e.opts.FPS,
		Bitrate:          e.opts.BitrateFactor * width * height,
		KeyframeInterval: e.opts.KeyframeInterval,
		Quality:          e.opts.Quality,
	}
	sess, err := e.factory(s, e.handleSample)
	if err != nil {
		return errors.Wrapf(err, "configure %dx%d encoder", width, height)
	}
	e.sess = sess
	e.settings = s
	e.interval = s.KeyframeInterval
	e.log.Infof("video encoder: %s (%dx%d @ %d fps, %d kbps, keyint %v)",
		sess.Name(), width, height, s.FPS, s.Bitrate/1000, s.KeyframeInterval)
	return nil
}

// Encode submits f. A failure affects this frame only.
func (e *Encoder) Encode(f *types.Frame, forceKeyframe bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.sess == nil {
		return ErrNotConfigured
	}
	e.submitted.Add(1)
	if err := e.sess.Encode(f, forceKeyframe); err != nil {
		e.failed.Add(1)
		e.warn.Do(func() { e.log.Warnf("encode error: %v", err) })
		return err
	}
	return nil
}

// SetBitrate applies a live bitrate hint in bits per second.
func (e *Encoder) SetBitrate(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.sess == nil {
		return ErrNotConfigured
	}
	if err := e.sess.SetBitrate(bps); err != nil {
		return errors.Wrap(err, "set bitrate")
	}
	e.settings.Bitrate = bps
	e.log.Debugf("bitrate set to %d kbps", bps/1000)
	return nil
}

// SetKeyframeInterval changes the max keyframe interval. Repeating the
// current value is a no-op.
func (e *Encoder) SetKeyframeInterval(d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.sess == nil {
		return ErrNotConfigured
	}
	if d == e.interval {
		return nil
	}
	if err := e.sess.SetKeyframeInterval(d); err != nil {
		return errors.Wrap(err, "set keyframe interval")
	}
	e.interval = d
	return nil
}

// Settings returns the active session parameters.
func (e *Encoder) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Close completes in-flight frames and discards their output. No unit is
// emitted once Close has returned.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.outMu.Lock()
	e.outClosed = true
	e.outMu.Unlock()

	if e.sess == nil {
		return nil
	}
	err := e.sess.Close()
	e.sess = nil
	return errors.Wrap(err, "close encoder session")
}

func (e *Encoder) Stats() Stats {
	return Stats{
		Submitted: e.submitted.Load(),
		Failed:    e.failed.Load(),
		Samples:   e.samples.Load(),
		Malformed: e.malformed.Load(),
		Discarded: e.discarded.Load(),
	}
}

// handleSample runs on the backend's output thread.
func (e *Encoder) handleSample(s Sample) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if e.outClosed {
		e.discarded.Add(1)
		return
	}
	if s.Err != nil {
		e.failed.Add(1)
		e.warn.Do(func() { e.log.Warnf("encoder dropped frame: %v", s.Err) })
		return
	}
	e.samples.Add(1)

	units, err := Convert(s)
	if err != nil {
		e.malformed.Add(1)
		e.warn.Do(func() { e.log.Warnf("dropping frame: %v", err) })
		return
	}
	for _, u := range units {
		e.emit(u)
	}
}
