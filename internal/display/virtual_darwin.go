//go:build darwin

package display

/*
#cgo CFLAGS: -fobjc-arc -mmacosx-version-min=13.0
#cgo LDFLAGS: -framework CoreGraphics -framework Foundation
#include "virtual_darwin.h"
*/
import "C"
import (
	"strconv"

	"github.com/pkg/errors"

	"deskstream/internal/types"
)

// Virtual creates displays through CoreGraphics' virtual display classes.
// The display exists for as long as the object is retained.
type Virtual struct {
	Refresh float64
	d       C.VirtualDisplay
}

func NewVirtual(refresh float64) *Virtual {
	if refresh <= 0 {
		refresh = 60
	}
	return &Virtual{Refresh: refresh}
}

func (v *Virtual) Create(res types.Resolution) (types.DisplayHandle, error) {
	if v.d.display != nil {
		return types.DisplayHandle{}, ErrDisplayActive
	}
	switch rc := C.vd_create(C.int(res.Width), C.int(res.Height), C.double(v.Refresh), &v.d); rc {
	case 0:
	case -1:
		return types.DisplayHandle{}, errors.New("CGVirtualDisplay is not available on this system")
	default:
		return types.DisplayHandle{}, errors.Errorf("create virtual display: code %d", int(rc))
	}
	id := uint32(v.d.id)
	return types.DisplayHandle{
		ID:         id,
		Name:       strconv.FormatUint(uint64(id), 10),
		Resolution: res,
		Origin:     types.Point{X: float64(v.d.origin_x), Y: float64(v.d.origin_y)},
	}, nil
}

func (v *Virtual) Destroy(types.DisplayHandle) error {
	if v.d.display == nil {
		return ErrNoDisplay
	}
	C.vd_destroy(&v.d)
	return nil
}
