//go:build darwin

package keyframe

/*
#cgo LDFLAGS: -framework CoreGraphics
#include <CoreGraphics/CoreGraphics.h>

static double seconds_since_key_down(void) {
	return CGEventSourceSecondsSinceLastEventType(kCGEventSourceStateHIDSystemState, kCGEventKeyDown);
}
*/
import "C"
import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"deskstream/internal/logging"
)

// HIDWatcher polls the HID event source for the time since the last key
// down. A smaller value than on the previous poll means a new press.
type HIDWatcher struct {
	poll time.Duration
	log  *logrus.Entry

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWatcher(_ string, poll time.Duration) *HIDWatcher {
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	return &HIDWatcher{poll: poll, log: logging.For("keywatch")}
}

func (w *HIDWatcher) Start(notify func()) error {
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run(notify)
	w.log.Debugf("watching HID key events every %v", w.poll)
	return nil
}

func (w *HIDWatcher) run(notify func()) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	last := float64(C.seconds_since_key_down())
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			s := float64(C.seconds_since_key_down())
			if s < last {
				notify()
			}
			last = s
		}
	}
}

func (w *HIDWatcher) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	w.wg.Wait()
	w.stop = nil
}
