//go:build darwin

package input

/*
#cgo LDFLAGS: -framework CoreGraphics -framework CoreFoundation
#include <CoreGraphics/CoreGraphics.h>

static int post_mouse(CGEventType type, double x, double y, int button, int clicks) {
	CGEventRef ev = CGEventCreateMouseEvent(NULL, type, CGPointMake(x, y), (CGMouseButton)button);
	if (ev == NULL) return -1;
	if (clicks > 0) {
		CGEventSetIntegerValueField(ev, kCGMouseEventClickState, clicks);
	}
	CGEventPost(kCGHIDEventTap, ev);
	CFRelease(ev);
	return 0;
}

static int post_scroll(int horizontal, int vertical) {
	CGEventRef ev = CGEventCreateScrollWheelEvent(NULL, kCGScrollEventUnitPixel, 2, vertical, horizontal);
	if (ev == NULL) return -1;
	CGEventPost(kCGHIDEventTap, ev);
	CFRelease(ev);
	return 0;
}
*/
import "C"
import (
	"github.com/pkg/errors"

	"deskstream/internal/types"
)

// CGEvent posts events at the HID tap. Posting needs the Accessibility
// permission; without it events are silently dropped by the system.
type CGEvent struct{}

func NewCGEvent() *CGEvent { return &CGEvent{} }

func downType(b types.MouseButton) C.CGEventType {
	switch b {
	case types.ButtonRight:
		return C.kCGEventRightMouseDown
	case types.ButtonCenter:
		return C.kCGEventOtherMouseDown
	}
	return C.kCGEventLeftMouseDown
}

func upType(b types.MouseButton) C.CGEventType {
	switch b {
	case types.ButtonRight:
		return C.kCGEventRightMouseUp
	case types.ButtonCenter:
		return C.kCGEventOtherMouseUp
	}
	return C.kCGEventLeftMouseUp
}

func draggedType(b types.MouseButton) C.CGEventType {
	switch b {
	case types.ButtonRight:
		return C.kCGEventRightMouseDragged
	case types.ButtonCenter:
		return C.kCGEventOtherMouseDragged
	}
	return C.kCGEventLeftMouseDragged
}

func post(t C.CGEventType, p types.Point, b types.MouseButton, clicks int) error {
	if C.post_mouse(t, C.double(p.X), C.double(p.Y), C.int(b), C.int(clicks)) != 0 {
		return errors.Errorf("CGEventCreateMouseEvent failed (type %d)", int(t))
	}
	return nil
}

func (CGEvent) MouseDown(p types.Point, b types.MouseButton, clickCount int) error {
	return post(downType(b), p, b, clickCount)
}

func (CGEvent) MouseUp(p types.Point, b types.MouseButton, clickCount int) error {
	return post(upType(b), p, b, clickCount)
}

func (CGEvent) MouseMove(p types.Point) error {
	return post(C.kCGEventMouseMoved, p, types.ButtonLeft, 0)
}

func (CGEvent) MouseDragged(p types.Point, b types.MouseButton) error {
	return post(draggedType(b), p, b, 0)
}

func (CGEvent) Scroll(horizontal, vertical int) error {
	if C.post_scroll(C.int(horizontal), C.int(vertical)) != 0 {
		return errors.New("CGEventCreateScrollWheelEvent failed")
	}
	return nil
}

func (CGEvent) Close() error { return nil }
