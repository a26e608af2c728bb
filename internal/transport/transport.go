// Package transport serves the encoded stream to a single TCP peer and
// reads its control packets from the same connection.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deskstream/internal/control"
	"deskstream/internal/logging"
	"deskstream/internal/types"
	"deskstream/internal/wire"
)

var (
	ErrReplaced = errors.New("transport: connection replaced by a new peer")
	ErrClosed   = errors.New("transport: closed")
)

const readBufferSize = 32 << 10

type Options struct {
	MaxPacketSize int
	SendQueue     int
	KeepAlive     time.Duration

	OnConnect    func(remote net.Addr)
	OnDisconnect func(remote net.Addr, err error)
	OnPacket     func(control.Packet)
	// OnKeyframeNeeded is called when a new peer connects and after a unit
	// is dropped; output is held back until the next parameter-set unit.
	OnKeyframeNeeded func()
}

func DefaultOptions() Options {
	return Options{
		MaxPacketSize: wire.DefaultMaxPayload,
		SendQueue:     64,
		KeepAlive:     15 * time.Second,
	}
}

type Stats struct {
	Connections uint64
	Sent        uint64
	Skipped     uint64
	Dropped     uint64
}

// Server keeps at most one live connection. A new connection replaces the
// current one.
type Server struct {
	opts Options
	ln   net.Listener
	log  *logrus.Entry
	wg   sync.WaitGroup

	mu     sync.Mutex
	conn   *conn
	closed bool

	connections, sent, skipped, dropped atomic.Uint64
}

// Listen binds addr with TCP keepalive and starts accepting peers.
func Listen(ctx context.Context, addr string, opts Options) (*Server, error) {
	def := DefaultOptions()
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = def.MaxPacketSize
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = def.KeepAlive
	}

	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     opts.KeepAlive,
			Interval: opts.KeepAlive,
			Count:    4,
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	s := &Server{opts: opts, ln: ln, log: logging.For("transport")}
	s.log.Infof("listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Connected reports whether a peer is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("accept: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := newConn(nc, s.opts.SendQueue, s.log)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		old := s.conn
		s.conn = c
		s.mu.Unlock()

		if old != nil {
			old.log.Info("replaced by new peer")
			s.disconnect(old, ErrReplaced)
		}

		s.connections.Add(1)
		c.log.Info("peer connected")
		if s.opts.OnConnect != nil {
			s.opts.OnConnect(nc.RemoteAddr())
		}
		s.wg.Add(2)
		go s.writeLoop(c)
		go s.readLoop(c)
		s.requestKeyframe()
	}
}

func (s *Server) requestKeyframe() {
	if s.opts.OnKeyframeNeeded != nil {
		s.opts.OnKeyframeNeeded()
	}
}

// disconnect tears c down and notifies the host once.
func (s *Server) disconnect(c *conn, err error) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()

	if !c.teardown(err) {
		return
	}
	c.log.Infof("peer disconnected: %v", err)
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(c.nc.RemoteAddr(), err)
	}
}

// Send queues u for the current peer without blocking. Units are discarded
// when no peer is attached.
func (s *Server) Send(u types.EncodedUnit) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return
	}
	switch o, needKey := c.enqueue(u); o {
	case skipped:
		s.skipped.Add(1)
	case dropped:
		s.dropped.Add(1)
		if needKey {
			c.log.Debug("send queue full, waiting for next keyframe")
			s.requestKeyframe()
		}
	}
}

func (s *Server) writeLoop(c *conn) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case u := <-c.queue:
			if err := wire.WriteFrame(c.nc, u.Data); err != nil {
				s.disconnect(c, err)
				return
			}
			s.sent.Add(1)
		}
	}
}

func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	handle := s.opts.OnPacket
	if handle == nil {
		handle = func(control.Packet) {}
	}
	dec := control.NewDecoder(s.opts.MaxPacketSize, handle)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			s.disconnect(c, errors.Wrap(err, "read"))
			st := dec.Stats()
			c.log.Debugf("control: %d packets, %d malformed, %d ignored, %d rejected",
				st.Packets, st.Malformed, st.Ignored, st.Rejected)
			return
		}
	}
}

// Close stops accepting, drops the peer and waits for every connection
// goroutine to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.mu.Unlock()

	err := s.ln.Close()
	if c != nil {
		s.disconnect(c, ErrClosed)
	}
	s.wg.Wait()
	return errors.Wrap(err, "close listener")
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Sent:        s.sent.Load(),
		Skipped:     s.skipped.Load(),
		Dropped:     s.dropped.Load(),
	}
}
