//go:build preview && cgo

// Package preview mirrors the meter framebuffer into a desktop window.
package preview

import (
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/ryansname/battdisplay/src/meter"
)

// Available reports whether this build can open a window
const Available = true

// Run opens a window showing fb scaled up by scale. It blocks until the window closes
// and must be called from the main goroutine.
func Run(fb *meter.Framebuffer, title string, scale int) error {
	if scale < 1 {
		scale = 1
	}
	w, h := fb.Size()
	ebiten.SetWindowTitle(title)
	ebiten.SetWindowSize(int(w)*scale, int(h)*scale)
	ebiten.SetTPS(10)
	return ebiten.RunGame(&game{fb: fb})
}

type game struct {
	fb     *meter.Framebuffer
	img    *ebiten.Image
	frames uint64
}

func (g *game) Update() error {
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	w, h := g.fb.Size()
	if g.img == nil {
		g.img = ebiten.NewImage(int(w), int(h))
	}
	// Only copy when the display loop has presented a new frame
	if n := g.fb.Frames(); n != g.frames || g.frames == 0 {
		g.img.WritePixels(g.fb.Snapshot().Pix)
		g.frames = n
	}
	screen.DrawImage(g.img, nil)
}

func (g *game) Layout(_, _ int) (int, int) {
	w, h := g.fb.Size()
	return int(w), int(h)
}
