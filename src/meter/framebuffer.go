package meter

import (
	"image"
	"image/color"
	"sync"

	"tinygo.org/x/drivers"
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"
)

// fontAscent is the distance from the top of a text line to the font baseline
const fontAscent = 7

var defaultFont tinyfont.Fonter = &proggy.TinySZ8pt7b

var _ Surface = (*Framebuffer)(nil)
var _ drivers.Displayer = (*Framebuffer)(nil)

// Framebuffer is an in-memory RGB565 surface.
// Drawing happens on a single goroutine; Snapshot may be called from any goroutine and only
// sees frames completed by Display.
type Framebuffer struct {
	mu        sync.Mutex
	width     int16
	height    int16
	buf       []uint16
	presented []uint16
	font      tinyfont.Fonter
	frames    uint64
}

// NewFramebuffer allocates a framebuffer of the given size
func NewFramebuffer(width, height int16) *Framebuffer {
	return &Framebuffer{
		width:  width,
		height: height,
		buf:       make([]uint16, int(width)*int(height)),
		presented: make([]uint16, int(width)*int(height)),
		font:      defaultFont,
	}
}

func (f *Framebuffer) Size() (w, h int16) { return f.width, f.height }

// Display marks the end of a frame and publishes it to Snapshot
func (f *Framebuffer) Display() error {
	f.mu.Lock()
	copy(f.presented, f.buf)
	f.frames++
	f.mu.Unlock()
	return nil
}

// Frames returns how many frames have been presented
func (f *Framebuffer) Frames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// SetPixel satisfies drivers.Displayer so tinyfont can render into the buffer
func (f *Framebuffer) SetPixel(x, y int16, c color.RGBA) {
	if x < 0 || x >= f.width || y < 0 || y >= f.height {
		return
	}
	f.mu.Lock()
	f.buf[int(y)*int(f.width)+int(x)] = RGB565(c.R, c.G, c.B)
	f.mu.Unlock()
}

// At returns the packed colour at a pixel, or 0 outside the buffer
func (f *Framebuffer) At(x, y int16) uint16 {
	if x < 0 || x >= f.width || y < 0 || y >= f.height {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf[int(y)*int(f.width)+int(x)]
}

func (f *Framebuffer) FillScreen(c color.RGBA) {
	f.FillRect(0, 0, f.width, f.height, c)
}

func (f *Framebuffer) FillRect(x, y, w, h int16, c color.RGBA) {
	x0 := clampInt(int(x), 0, int(f.width))
	y0 := clampInt(int(y), 0, int(f.height))
	x1 := clampInt(int(x)+int(w), 0, int(f.width))
	y1 := clampInt(int(y)+int(h), 0, int(f.height))
	if x0 >= x1 || y0 >= y1 {
		return
	}

	pixel := RGB565(c.R, c.G, c.B)
	stride := int(f.width)

	f.mu.Lock()
	defer f.mu.Unlock()
	for py := y0; py < y1; py++ {
		row := f.buf[py*stride : (py+1)*stride]
		for px := x0; px < x1; px++ {
			row[px] = pixel
		}
	}
}

func (f *Framebuffer) DrawRect(x, y, w, h int16, c color.RGBA) {
	if w <= 0 || h <= 0 {
		return
	}
	f.FillRect(x, y, w, 1, c)
	f.FillRect(x, y+h-1, w, 1, c)
	f.FillRect(x, y, 1, h, c)
	f.FillRect(x+w-1, y, 1, h, c)
}

// FillRoundRect fills a rectangle whose corners are quarter circles of radius r
func (f *Framebuffer) FillRoundRect(x, y, w, h, r int16, c color.RGBA) {
	if w <= 0 || h <= 0 {
		return
	}
	r = max(0, min(r, w/2, h/2))
	for row := int16(0); row < h; row++ {
		var dy int16
		switch {
		case row < r:
			dy = r - row
		case row >= h-r:
			dy = row - (h - r - 1)
		}
		inset := cornerInset(r, dy)
		f.FillRect(x+inset, y+row, w-2*inset, 1, c)
	}
}

// cornerInset returns how far a row dy pixels into a corner of radius r is indented
func cornerInset(r, dy int16) int16 {
	if dy <= 0 || r <= 0 {
		return 0
	}
	// Widest dx inside the circle for this row
	rr := int(r) * int(r)
	d := int(dy)
	dx := 0
	for (dx+1)*(dx+1)+d*d <= rr {
		dx++
	}
	return r - int16(dx)
}

// DrawLine draws a one pixel line using Bresenham's algorithm
func (f *Framebuffer) DrawLine(x0, y0, x1, y1 int16, c color.RGBA) {
	dx := abs(int(x1) - int(x0))
	dy := -abs(int(y1) - int(y0))
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	x, y := int(x0), int(y0)
	errAcc := dx + dy
	for {
		f.SetPixel(int16(x), int16(y), c)
		if x == int(x1) && y == int(y1) {
			return
		}
		e2 := 2 * errAcc
		if e2 >= dy {
			errAcc += dy
			x += sx
		}
		if e2 <= dx {
			errAcc += dx
			y += sy
		}
	}
}

func (f *Framebuffer) DrawText(x, y int16, s string, c color.RGBA) {
	tinyfont.WriteLine(f, f.font, x, y+fontAscent, s, c)
}

// Snapshot copies the last presented frame into an RGBA image
func (f *Framebuffer) Snapshot() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(f.width), int(f.height)))

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.presented {
		r, g, b := RGB888From565(p)
		j := i * 4
		img.Pix[j+0] = r
		img.Pix[j+1] = g
		img.Pix[j+2] = b
		img.Pix[j+3] = 0xff
	}
	return img
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
