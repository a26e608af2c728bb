// Package capture delivers frames from the virtual display. Backends push
// frames from their own thread; Source serializes them and makes Stop
// synchronous.
package capture

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deskstream/internal/logging"
	"deskstream/internal/types"
)

// Backend is a platform capture stream. deliver may be called from any
// single thread; it must not be called after Stop returns.
type Backend interface {
	Start(h types.DisplayHandle, fps int, deliver func(*types.Frame)) error
	Stop() error
}

// Source wraps a Backend. The frame callback runs with the source lock
// held, so Stop waits for an in-flight callback and none runs afterwards.
type Source struct {
	backend Backend
	log     *logrus.Entry

	mu      sync.Mutex
	onFrame func(*types.Frame)
	running bool
	stopped bool

	frames atomic.Uint64
}

func NewSource(b Backend) *Source {
	return &Source{backend: b, log: logging.For("capture")}
}

func (s *Source) Start(h types.DisplayHandle, fps int, onFrame func(*types.Frame)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("capture: already started")
	}
	s.onFrame = onFrame
	s.running = true
	s.stopped = false
	s.mu.Unlock()

	if err := s.backend.Start(h, fps, s.deliver); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return errors.Wrapf(err, "start capture of display %d", h.ID)
	}
	s.log.Infof("capturing display %d (%s) at %d fps", h.ID, h.Resolution, fps)
	return nil
}

func (s *Source) deliver(f *types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.onFrame == nil {
		return
	}
	s.frames.Add(1)
	s.onFrame(f)
}

// Stop returns once no frame callback is running or can run again.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	s.onFrame = nil
	s.mu.Unlock()

	err := s.backend.Stop()
	s.log.Infof("capture stopped after %d frames", s.frames.Load())
	return errors.Wrap(err, "stop capture")
}
