//go:build linux

package input

import (
	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/jezek/xgb/xtest"
	"github.com/pkg/errors"

	"deskstream/internal/types"
)

// maxScrollSteps caps wheel clicks generated for one scroll packet.
const maxScrollSteps = 20

// XTest injects pointer events with the XTEST extension. X clients detect
// double clicks from timing, so the click count is not sent.
type XTest struct {
	conn *xgb.Conn
	root xproto.Window
}

func NewXTest(display string) (*XTest, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, errors.Wrapf(err, "open display %s for input", display)
	}
	if err := xtest.Init(conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "XTEST extension")
	}
	root := xproto.Setup(conn).DefaultScreen(conn).Root
	return &XTest{conn: conn, root: root}, nil
}

func x11Button(b types.MouseButton) byte {
	switch b {
	case types.ButtonRight:
		return 3
	case types.ButtonCenter:
		return 2
	}
	return 1
}

func (x *XTest) fake(typ, detail byte, p types.Point) error {
	return xtest.FakeInputChecked(x.conn, typ, detail, 0, x.root,
		int16(p.X), int16(p.Y), 0).Check()
}

func (x *XTest) press(b byte, p types.Point) error {
	if err := x.fake(xproto.MotionNotify, 0, p); err != nil {
		return err
	}
	return x.fake(xproto.ButtonPress, b, p)
}

func (x *XTest) MouseDown(p types.Point, b types.MouseButton, _ int) error {
	return x.press(x11Button(b), p)
}

func (x *XTest) MouseUp(p types.Point, b types.MouseButton, _ int) error {
	if err := x.fake(xproto.MotionNotify, 0, p); err != nil {
		return err
	}
	return x.fake(xproto.ButtonRelease, x11Button(b), p)
}

func (x *XTest) MouseMove(p types.Point) error {
	return x.fake(xproto.MotionNotify, 0, p)
}

// MouseDragged is a motion event; the server tracks the held button.
func (x *XTest) MouseDragged(p types.Point, _ types.MouseButton) error {
	return x.fake(xproto.MotionNotify, 0, p)
}

// Scroll emits wheel button clicks: 4/5 vertical, 6/7 horizontal. Positive
// values scroll up and left.
func (x *XTest) Scroll(horizontal, vertical int) error {
	if err := x.wheel(4, 5, vertical); err != nil {
		return err
	}
	return x.wheel(6, 7, horizontal)
}

func (x *XTest) wheel(pos, neg byte, n int) error {
	b := pos
	if n < 0 {
		b, n = neg, -n
	}
	n = min(n, maxScrollSteps)
	for i := 0; i < n; i++ {
		if err := xtest.FakeInputChecked(x.conn, xproto.ButtonPress, b, 0, x.root, 0, 0, 0).Check(); err != nil {
			return err
		}
		if err := xtest.FakeInputChecked(x.conn, xproto.ButtonRelease, b, 0, x.root, 0, 0, 0).Check(); err != nil {
			return err
		}
	}
	return nil
}

func (x *XTest) Close() error {
	x.conn.Close()
	return nil
}
