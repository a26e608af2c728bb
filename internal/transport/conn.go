package transport

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"deskstream/internal/types"
)

type outcome int

const (
	queued outcome = iota
	skipped
	dropped
)

// conn is one peer connection. Units are written by a dedicated goroutine;
// the queue is never closed, so enqueue is safe after teardown.
type conn struct {
	nc    net.Conn
	log   *logrus.Entry
	queue chan types.EncodedUnit
	done  chan struct{}

	// sendMu guards the keyframe gate.
	sendMu  sync.Mutex
	waiting bool

	once sync.Once
	err  error
}

func newConn(nc net.Conn, queueSize int, log *logrus.Entry) *conn {
	return &conn{
		nc:      nc,
		log:     log.WithField("peer", nc.RemoteAddr().String()),
		queue:   make(chan types.EncodedUnit, queueSize),
		done:    make(chan struct{}),
		waiting: true,
	}
}

// enqueue applies the keyframe gate and queues u without blocking. needKey
// reports a transition into keyframe-wait.
func (c *conn) enqueue(u types.EncodedUnit) (o outcome, needKey bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.waiting {
		if u.Kind != types.UnitParamSets {
			return skipped, false
		}
		c.waiting = false
	}
	select {
	case c.queue <- u:
		return queued, false
	default:
		c.waiting = true
		return dropped, true
	}
}

// teardown closes the socket once. It reports whether this call did it.
func (c *conn) teardown(err error) bool {
	first := false
	c.once.Do(func() {
		first = true
		c.err = err
		close(c.done)
		c.nc.Close()
	})
	return first
}
