// Package engine wires the virtual display, capture, encoder, transport and
// input injection into one start/stop session.
package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deskstream/internal/config"
	"deskstream/internal/control"
	"deskstream/internal/dedup"
	"deskstream/internal/encode"
	"deskstream/internal/input"
	"deskstream/internal/keyframe"
	"deskstream/internal/logging"
	"deskstream/internal/transport"
	"deskstream/internal/types"
)

var (
	ErrRunning    = errors.New("engine: already running")
	ErrNotRunning = errors.New("engine: not running")
)

const statsInterval = 5 * time.Second

// SourceFactory creates the frame source for a display.
type SourceFactory func(h types.DisplayHandle) (types.FrameSource, error)

// PosterFactory creates the input backend for a display.
type PosterFactory func(h types.DisplayHandle) (types.EventPoster, error)

// WatcherFactory creates the host keyboard watcher. Optional.
type WatcherFactory func(h types.DisplayHandle) (types.KeyWatcher, error)

// Config holds the settings and platform backends.
type Config struct {
	Settings *config.Config

	Display    types.Display
	NewSource  SourceFactory
	NewEncoder encode.SessionFactory
	NewPoster  PosterFactory
	NewWatcher WatcherFactory

	OnConnect    func(remote net.Addr)
	OnDisconnect func(remote net.Addr, err error)
}

// Stats are pipeline counters for the current session.
type Stats struct {
	Captured     uint64
	Deduped      uint64
	Forced       uint64
	Encoded      uint64
	EncodeFailed uint64
	Malformed    uint64
	Sent         uint64
	Skipped      uint64
	Dropped      uint64
}

type Engine struct {
	cfg Config

	mu   sync.Mutex
	sess *session
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// session is everything created by one Start call.
type session struct {
	id  string
	cfg Config
	log *logrus.Entry

	display   types.DisplayHandle
	hasDisp   bool
	encoder   *encode.Encoder
	transport *transport.Server
	injector  atomic.Pointer[input.Injector]
	watcher   types.KeyWatcher
	source    types.FrameSource

	// capture goroutine only
	dedup  *dedup.Deduper
	forcer *keyframe.Forcer

	keyRequest atomic.Bool

	captured, deduped, encoded atomic.Uint64

	statsStop chan struct{}
	statsDone chan struct{}
}

// Start creates the display and brings up the pipeline around it. Any
// failure unwinds what was already created.
func (e *Engine) Start(ctx context.Context, res types.Resolution) (types.DisplayHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != nil {
		return types.DisplayHandle{}, ErrRunning
	}

	s := e.newSession()
	if err := s.start(ctx, res); err != nil {
		s.log.Errorf("start failed: %v", err)
		s.stop()
		return types.DisplayHandle{}, err
	}
	e.sess = s
	return s.display, nil
}

func (e *Engine) newSession() *session {
	st := e.cfg.Settings
	id := uuid.New().String()
	return &session{
		id:    id,
		cfg:   e.cfg,
		log:   logging.For("engine").WithField("session", id),
		dedup: dedup.New(st.DedupStep),
		forcer: keyframe.NewForcer(keyframe.Options{
			PatchSize:     st.PatchSize,
			Alpha:         st.PatchAlpha,
			ShortInterval: st.ShortInterval,
			Hold:          st.ShortHold,
		}),
	}
}

// Stop tears the session down in reverse order. No encoded output reaches
// the network after it returns.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ErrNotRunning
	}
	err := e.sess.stop()
	e.sess = nil
	return err
}

// SetBitrateHint applies a live bitrate in bits per second.
func (e *Engine) SetBitrateHint(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ErrNotRunning
	}
	if bps <= 0 {
		return errors.Errorf("invalid bitrate %d", bps)
	}
	return e.sess.encoder.SetBitrate(bps)
}

// Addr is the transport's listening address.
func (e *Engine) Addr() (net.Addr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.transport == nil {
		return nil, false
	}
	return e.sess.transport.Addr(), true
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return Stats{}
	}
	return e.sess.stats()
}

func (s *session) start(ctx context.Context, res types.Resolution) error {
	st := s.cfg.Settings

	h, err := s.cfg.Display.Create(res)
	if err != nil {
		return errors.Wrap(err, "virtual display")
	}
	s.display = h
	s.hasDisp = true

	s.encoder = encode.New(s.cfg.NewEncoder, encode.Options{
		FPS:              st.FPS,
		BitrateFactor:    st.BitrateFactor,
		KeyframeInterval: st.KeyframeInterval,
		Quality:          st.Quality,
	}, s.emit)
	if err := s.encoder.Configure(h.Resolution.Width, h.Resolution.Height); err != nil {
		return err
	}

	s.transport, err = transport.Listen(ctx, st.Listen, transport.Options{
		MaxPacketSize:    st.MaxPacketSize,
		SendQueue:        st.SendQueue,
		KeepAlive:        st.KeepAlive,
		OnConnect:        s.onConnect,
		OnDisconnect:     s.onDisconnect,
		OnPacket:         s.onPacket,
		OnKeyframeNeeded: s.requestKeyframe,
	})
	if err != nil {
		return err
	}

	poster, err := s.cfg.NewPoster(h)
	if err != nil {
		return errors.Wrap(err, "input injection")
	}
	s.injector.Store(input.NewInjector(poster, h.Origin))

	if s.cfg.NewWatcher != nil {
		if err := s.startWatcher(h); err != nil {
			s.log.Warnf("keyboard watcher unavailable, keyframes follow the normal interval: %v", err)
		}
	}

	src, err := s.cfg.NewSource(h)
	if err != nil {
		return errors.Wrap(err, "frame source")
	}
	if err := src.Start(h, st.FPS, s.onFrame); err != nil {
		return err
	}
	s.source = src

	if st.Stats {
		s.statsStop = make(chan struct{})
		s.statsDone = make(chan struct{})
		go s.statsLoop()
	}
	s.log.Infof("streaming display %d (%s) on %s", h.ID, h.Resolution, s.transport.Addr())
	return nil
}

func (s *session) startWatcher(h types.DisplayHandle) error {
	w, err := s.cfg.NewWatcher(h)
	if err != nil {
		return err
	}
	if err := w.Start(s.forcer.Notify); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// stop releases whatever start created, in reverse order.
func (s *session) stop() error {
	var errs []error
	if s.statsStop != nil {
		close(s.statsStop)
		<-s.statsDone
	}
	if s.source != nil {
		if err := s.source.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.encoder != nil {
		if err := s.encoder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if inj := s.injector.Swap(nil); inj != nil {
		if err := inj.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.hasDisp {
		if err := s.cfg.Display.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, err := range errs {
		s.log.Warnf("stop: %v", err)
	}
	s.log.Info("session stopped")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// onFrame runs on the capture thread. A pending key press perturbs the
// frame first so it is never suppressed as a duplicate. The dedup
// reference only moves once the encoder has accepted the frame.
func (s *session) onFrame(f *types.Frame) {
	s.captured.Add(1)

	forced := s.forcer.Apply(f)
	if s.keyRequest.Swap(false) {
		forced = true
	}
	sum := dedup.Checksum(f, s.dedup.Step())
	if !forced && !s.dedup.Changed(sum) {
		s.deduped.Add(1)
		return
	}

	if err := s.encoder.SetKeyframeInterval(s.forcer.Interval(s.cfg.Settings.KeyframeInterval)); err != nil {
		s.log.Debugf("keyframe interval: %v", err)
	}
	if err := s.encoder.Encode(f, forced); err != nil {
		if forced {
			s.keyRequest.Store(true)
		}
		return
	}
	s.dedup.Remember(sum)
	s.encoded.Add(1)
}

// emit runs on the encoder output thread.
func (s *session) emit(u types.EncodedUnit) {
	s.transport.Send(u)
}

func (s *session) requestKeyframe() {
	s.keyRequest.Store(true)
}

func (s *session) onConnect(remote net.Addr) {
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(remote)
	}
}

func (s *session) onDisconnect(remote net.Addr, err error) {
	if inj := s.injector.Load(); inj != nil {
		if rerr := inj.Release(); rerr != nil {
			s.log.Warnf("release held button: %v", rerr)
		}
	}
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(remote, err)
	}
}

func (s *session) onPacket(p control.Packet) {
	if inj := s.injector.Load(); inj != nil {
		inj.Handle(p)
	}
}

func (s *session) stats() Stats {
	st := Stats{
		Captured: s.captured.Load(),
		Deduped:  s.deduped.Load(),
		Forced:   s.forcer.Forced(),
		Encoded:  s.encoded.Load(),
	}
	if s.encoder != nil {
		es := s.encoder.Stats()
		st.EncodeFailed = es.Failed
		st.Malformed = es.Malformed
	}
	if s.transport != nil {
		ts := s.transport.Stats()
		st.Sent = ts.Sent
		st.Skipped = ts.Skipped
		st.Dropped = ts.Dropped
	}
	return st
}

func (s *session) statsLoop() {
	defer close(s.statsDone)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	var last Stats
	for {
		select {
		case <-s.statsStop:
			return
		case <-ticker.C:
			cur := s.stats()
			s.log.Infof("pipeline: captured=%d deduped=%d forced=%d encoded=%d encFail=%d malformed=%d | sent=%d skipped=%d dropped=%d",
				cur.Captured-last.Captured, cur.Deduped-last.Deduped, cur.Forced-last.Forced,
				cur.Encoded-last.Encoded, cur.EncodeFailed-last.EncodeFailed, cur.Malformed-last.Malformed,
				cur.Sent-last.Sent, cur.Skipped-last.Skipped, cur.Dropped-last.Dropped)
			last = cur
		}
	}
}
