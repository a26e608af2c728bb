//go:build linux

package capture

import (
	"sync"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xfixes"
	"github.com/jezek/xgb/xproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"deskstream/internal/logging"
	"deskstream/internal/types"
)

// X11 grabs the root window of an X display with GetImage on a ticker. A
// grab that overruns its slot makes the ticker drop the missed ticks, so
// late frames are skipped rather than queued.
type X11 struct {
	log *logrus.Entry

	conn    *xgb.Conn
	root    xproto.Window
	width   int
	height  int
	depth   byte
	cursors bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewX11() *X11 {
	return &X11{log: logging.For("x11capture")}
}

func (c *X11) Start(h types.DisplayHandle, fps int, deliver func(*types.Frame)) error {
	conn, err := xgb.NewConnDisplay(h.Name)
	if err != nil {
		return errors.Wrapf(err, "connect to X display %s", h.Name)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)
	c.conn = conn
	c.root = screen.Root
	c.width = int(screen.WidthInPixels)
	c.height = int(screen.HeightInPixels)
	c.depth = screen.RootDepth

	if err := xfixes.Init(conn); err == nil {
		if _, err := xfixes.QueryVersion(conn, 4, 0).Reply(); err == nil {
			c.cursors = true
		}
	}
	if !c.cursors {
		c.log.Debugf("XFixes unavailable on %s, cursor will not be drawn", h.Name)
	}
	c.log.Infof("capture: X11 GetImage on %s (%dx%d, depth %d)", h.Name, c.width, c.height, c.depth)

	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.run(fps, deliver)
	return nil
}

func (c *X11) run(fps int, deliver func(*types.Frame)) {
	defer c.wg.Done()
	frameDur := time.Second / time.Duration(max(1, fps))
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	warn := logging.Throttle()
	start := time.Now()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			f, err := c.grab()
			if err != nil {
				warn.Do(func() { c.log.Warnf("grab: %v", err) })
				continue
			}
			f.PTS = time.Since(start)
			f.Duration = frameDur
			deliver(f)
		}
	}
}

func (c *X11) grab() (*types.Frame, error) {
	reply, err := xproto.GetImage(c.conn, xproto.ImageFormatZPixmap, xproto.Drawable(c.root),
		0, 0, uint16(c.width), uint16(c.height), 0xffffffff).Reply()
	if err != nil {
		return nil, errors.Wrap(err, "GetImage")
	}
	stride := c.width * 4
	if len(reply.Data) < stride*c.height {
		return nil, errors.Errorf("GetImage returned %d bytes, want %d (depth %d unsupported)",
			len(reply.Data), stride*c.height, reply.Depth)
	}
	f := &types.Frame{
		Data:   reply.Data,
		Width:  c.width,
		Height: c.height,
		Stride: stride,
		PixFmt: types.PixFmtBGRA,
	}
	if c.cursors {
		if cur, err := xfixes.GetCursorImage(c.conn).Reply(); err == nil {
			CompositeCursor(f, Cursor{
				X:      int(cur.X) - int(cur.Xhot),
				Y:      int(cur.Y) - int(cur.Yhot),
				Width:  int(cur.Width),
				Height: int(cur.Height),
				Pixels: cur.CursorImage,
			})
		}
	}
	return f, nil
}

func (c *X11) Stop() error {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	c.wg.Wait()
	c.conn.Close()
	c.stop = nil
	return nil
}
