// Package input turns control packets into synthetic pointer events on the
// virtual display.
package input

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"deskstream/internal/control"
	"deskstream/internal/logging"
	"deskstream/internal/types"
)

// ScrollVerticalDivisor scales vertical scroll relative to horizontal.
const ScrollVerticalDivisor = 10

// Injector maps packets onto an EventPoster. Packet coordinates are local
// to the display and are offset by its origin.
type Injector struct {
	poster types.EventPoster
	origin types.Point
	log    *logrus.Entry
	warn   *rate.Sometimes

	mu   sync.Mutex
	held bool
	last types.Point
}

func NewInjector(poster types.EventPoster, origin types.Point) *Injector {
	return &Injector{
		poster: poster,
		origin: origin,
		log:    logging.For("input"),
		warn:   logging.Throttle(),
	}
}

func (in *Injector) global(p control.Packet) types.Point {
	return types.Point{X: in.origin.X + p.DX, Y: in.origin.Y + p.DY}
}

// Handle posts the events for one packet. Errors are logged and returned;
// a failed event does not affect later packets.
func (in *Injector) Handle(p control.Packet) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	err := in.post(p)
	if err != nil {
		err = errors.Wrapf(err, "inject %s", p.Kind)
		in.warn.Do(func() { in.log.Warn(err) })
	}
	return err
}

func (in *Injector) post(p control.Packet) error {
	switch p.Kind {
	case control.KindClick:
		pt := in.global(p)
		if err := in.poster.MouseDown(pt, types.ButtonLeft, 1); err != nil {
			return err
		}
		return in.poster.MouseUp(pt, types.ButtonLeft, 1)

	case control.KindDoubleClick:
		pt := in.global(p)
		for count := 1; count <= 2; count++ {
			if err := in.poster.MouseDown(pt, types.ButtonLeft, count); err != nil {
				return err
			}
			if err := in.poster.MouseUp(pt, types.ButtonLeft, count); err != nil {
				return err
			}
		}
		return nil

	case control.KindDrag:
		return in.poster.MouseMove(in.global(p))

	case control.KindSelectAndDragStart:
		pt := in.global(p)
		if err := in.poster.MouseDown(pt, types.ButtonLeft, 1); err != nil {
			return err
		}
		in.held = true
		in.last = pt
		return nil

	case control.KindSelectAndDragUpdate:
		pt := in.global(p)
		in.last = pt
		return in.poster.MouseDragged(pt, types.ButtonLeft)

	case control.KindSelectAndDragEnd:
		pt := in.global(p)
		in.held = false
		return in.poster.MouseUp(pt, types.ButtonLeft, 1)

	case control.KindScroll:
		return in.poster.Scroll(int(p.DX), int(p.DY/ScrollVerticalDivisor))
	}
	return nil
}

// Release lifts a button left down by an unfinished select-and-drag, at
// the last position it was dragged to.
func (in *Injector) Release() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.held {
		return nil
	}
	in.held = false
	in.log.Debug("releasing held button")
	return in.poster.MouseUp(in.last, types.ButtonLeft, 1)
}

// Close releases any held button and closes the poster.
func (in *Injector) Close() error {
	rerr := in.Release()
	if err := in.poster.Close(); err != nil {
		return errors.Wrap(err, "close event poster")
	}
	return rerr
}
