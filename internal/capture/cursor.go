package capture

import "deskstream/internal/types"

// Cursor is an ARGB cursor image positioned by its top-left corner.
type Cursor struct {
	X, Y          int
	Width, Height int
	Pixels        []uint32
}

// CompositeCursor alpha-blends c onto the BGRA frame.
func CompositeCursor(f *types.Frame, c Cursor) {
	for y := 0; y < c.Height; y++ {
		dy := c.Y + y
		if dy < 0 || dy >= f.Height {
			continue
		}
		for x := 0; x < c.Width; x++ {
			dx := c.X + x
			if dx < 0 || dx >= f.Width {
				continue
			}
			i := y*c.Width + x
			if i >= len(c.Pixels) {
				return
			}
			p := c.Pixels[i]
			a := p >> 24
			if a == 0 {
				continue
			}
			off := dy*f.Stride + dx*4
			if off+4 > len(f.Data) {
				continue
			}
			dst := f.Data[off : off+3]
			src := [3]uint32{p & 0xFF, (p >> 8) & 0xFF, (p >> 16) & 0xFF}
			for ch := 0; ch < 3; ch++ {
				if a == 255 {
					dst[ch] = byte(src[ch])
				} else {
					dst[ch] = byte((src[ch]*a + uint32(dst[ch])*(255-a)) / 255)
				}
			}
		}
	}
}
