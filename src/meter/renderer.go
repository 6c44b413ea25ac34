package meter

import (
	"fmt"
	"image/color"

	"github.com/ryansname/battdisplay/src/curve"
)

// SegmentCount is the number of bars in the battery meter
const SegmentCount = 10

// Meter geometry, bars stacked upwards from the bottom edge
const (
	titleHeight   = 16
	unitBoxTop    = 19
	unitBoxHeight = 19
	segmentHeight = 7
	segmentGap    = 2
	segmentRadius = 3
)

// Renderer draws the battery readout onto a Surface
type Renderer struct {
	s Surface
}

// NewRenderer creates a renderer for the given surface
func NewRenderer(s Surface) *Renderer {
	return &Renderer{s: s}
}

// Clear blanks the whole surface
func (r *Renderer) Clear() {
	r.s.FillScreen(ColorBlack)
}

// DrawFrame draws the static parts of the screen: title band and unit box
func (r *Renderer) DrawFrame() {
	w, _ := r.s.Size()

	r.s.FillRect(0, 0, w, titleHeight, ColorMaroon)
	r.s.DrawText(0, 0, "Voltage", ColorWhite)

	r.s.DrawRect(0, unitBoxTop, w, unitBoxHeight, ColorYellow)
	r.s.DrawLine(w/2+12, unitBoxTop, w/2+12, unitBoxTop+unitBoxHeight-1, ColorYellow)
	r.s.DrawText(w/2-1, unitBoxTop+3, "V", ColorWhite)
	r.s.DrawText(w-12, unitBoxTop+3, "%", ColorWhite)
}

// DrawMessage prints a status line under the unit box, used while waiting for the link
func (r *Renderer) DrawMessage(line int, msg string) {
	r.s.DrawText(0, unitBoxTop+unitBoxHeight+2+int16(line)*10, msg, ColorWhite)
}

// DrawReading redraws the readouts and the bar meter for a voltage and its unclamped percentage.
// The numeric percentage shows the clamped ratio so it always reads 0 to 100.
func (r *Renderer) DrawReading(voltage, percent float64) {
	ratio := curve.Ratio(percent)
	r.drawReadouts(voltage, fmt.Sprintf("%d", int(ratio*100)))
	r.drawSegments(ratio)
}

// DrawUnknown redraws the voltage readout without a percentage, for when no curve can be applied
func (r *Renderer) DrawUnknown(voltage float64) {
	r.drawReadouts(voltage, "--")
	r.drawSegments(0)
}

// DrawDisconnected replaces the whole screen with a red fill
func (r *Renderer) DrawDisconnected() {
	r.s.FillScreen(ColorRed)
}

// Present flushes the frame to the display
func (r *Renderer) Present() error {
	return r.s.Display()
}

func (r *Renderer) drawReadouts(voltage float64, percentText string) {
	w, _ := r.s.Size()

	// Erase previous values
	r.s.FillRect(1, unitBoxTop+1, 60, titleHeight, ColorBlack)
	r.s.FillRect(w/2+17, unitBoxTop+1, 32, titleHeight, ColorBlack)

	r.s.DrawText(2, unitBoxTop+2, fmt.Sprintf("%0.2f", voltage), ColorWhite)
	r.s.DrawText(w/2, unitBoxTop+3, "V", ColorWhite)
	r.s.DrawText(w/2+25, unitBoxTop+2, percentText, ColorWhite)
	r.s.DrawText(w-12, unitBoxTop+3, "%", ColorWhite)
}

func (r *Renderer) drawSegments(ratio float64) {
	w, h := r.s.Size()
	for k, lit := range LitSegments(ratio) {
		y := h - segmentHeight - (segmentHeight+segmentGap)*int16(k)
		c := ColorSegmentOff
		if lit {
			c = SegmentColor(k)
		}
		r.s.FillRoundRect(0, y, w, segmentHeight, segmentRadius, c)
	}
}

// LitSegments reports which bars are lit for a ratio, index 0 being the bottom bar.
// Bar k is lit when the ratio is strictly above (k+1)/10. A saturated ratio lights every bar,
// otherwise the top bar could never be lit.
func LitSegments(ratio float64) [SegmentCount]bool {
	var lit [SegmentCount]bool
	for k := range lit {
		lit[k] = ratio > float64(k+1)/SegmentCount
	}
	if ratio >= 1 {
		lit[SegmentCount-1] = true
	}
	return lit
}

// CountLit returns how many bars are lit for a ratio
func CountLit(ratio float64) int {
	n := 0
	for _, lit := range LitSegments(ratio) {
		if lit {
			n++
		}
	}
	return n
}

// SegmentColor returns the lit colour of bar k, fading from red at the bottom to green at the top
func SegmentColor(k int) color.RGBA {
	f := float64(k) / float64(SegmentCount-1)
	return Color565(uint8(255-255*f), uint8(255*f), 0)
}
