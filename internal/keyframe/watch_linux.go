//go:build linux

package keyframe

import (
	"sync"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deskstream/internal/logging"
)

// X11Watcher polls the server keymap and reports newly pressed keys.
type X11Watcher struct {
	display string
	poll    time.Duration
	log     *logrus.Entry

	conn *xgb.Conn
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher(display string, poll time.Duration) *X11Watcher {
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	return &X11Watcher{display: display, poll: poll, log: logging.For("keywatch")}
}

func (w *X11Watcher) Start(notify func()) error {
	conn, err := xgb.NewConnDisplay(w.display)
	if err != nil {
		return errors.Wrapf(err, "connect to X display %s", w.display)
	}
	w.conn = conn
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run(notify)
	w.log.Debugf("watching keymap on %s every %v", w.display, w.poll)
	return nil
}

func (w *X11Watcher) run(notify func()) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var prev []byte
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			reply, err := xproto.QueryKeymap(w.conn).Reply()
			if err != nil {
				w.log.Debugf("query keymap: %v", err)
				continue
			}
			if pressedSince(prev, reply.Keys) {
				notify()
			}
			prev = append(prev[:0], reply.Keys...)
		}
	}
}

// pressedSince reports whether cur has a key bit set that prev did not.
func pressedSince(prev, cur []byte) bool {
	for i, b := range cur {
		var p byte
		if i < len(prev) {
			p = prev[i]
		}
		if b&^p != 0 {
			return true
		}
	}
	return false
}

func (w *X11Watcher) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	w.wg.Wait()
	w.conn.Close()
	w.stop = nil
}
