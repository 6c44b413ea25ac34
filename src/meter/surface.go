package meter

import "image/color"

// Surface is the drawing target the renderer paints on.
// Coordinates are pixels with the origin in the top left corner.
type Surface interface {
	Size() (w, h int16)
	FillScreen(c color.RGBA)
	FillRect(x, y, w, h int16, c color.RGBA)
	DrawRect(x, y, w, h int16, c color.RGBA)
	FillRoundRect(x, y, w, h, r int16, c color.RGBA)
	DrawLine(x0, y0, x1, y1 int16, c color.RGBA)
	// DrawText draws s with its top left corner at (x, y)
	DrawText(x, y int16, s string, c color.RGBA)
	Display() error
}

// RGB565 packs a colour into the 16bpp rrrrrggggggbbbbb layout used by small LCD panels
func RGB565(r, g, b uint8) uint16 {
	rr := uint16(r>>3) & 0x1F
	gg := uint16(g>>2) & 0x3F
	bb := uint16(b>>3) & 0x1F
	return (rr << 11) | (gg << 5) | bb
}

// RGB888From565 expands a packed 16bpp colour back to 8 bits per channel
func RGB888From565(p uint16) (r, g, b uint8) {
	rr := (p >> 11) & 0x1F
	gg := (p >> 5) & 0x3F
	bb := p & 0x1F

	r = uint8((rr * 255) / 31)
	g = uint8((gg * 255) / 63)
	b = uint8((bb * 255) / 31)
	return r, g, b
}

// Color565 composes an opaque colour
func Color565(r, g, b uint8) color.RGBA {
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

var (
	ColorBlack      = Color565(0, 0, 0)
	ColorWhite      = Color565(255, 255, 255)
	ColorRed        = Color565(255, 0, 0)
	ColorYellow     = Color565(255, 255, 0)
	ColorMaroon     = Color565(128, 0, 0)
	ColorSegmentOff = Color565(16, 16, 16)
)
