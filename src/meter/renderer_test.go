package meter

import (
	"fmt"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/battdisplay/src/curve"
)

// drawOp records a single call made against a Surface
type drawOp struct {
	kind  string
	x, y  int16
	w, h  int16
	text  string
	color color.RGBA
}

// recordingSurface captures draw calls for assertions
type recordingSurface struct {
	ops      []drawOp
	displays int
}

func (s *recordingSurface) Size() (int16, int16) { return 128, 128 }

func (s *recordingSurface) FillScreen(c color.RGBA) {
	s.ops = append(s.ops, drawOp{kind: "screen", color: c})
}

func (s *recordingSurface) FillRect(x, y, w, h int16, c color.RGBA) {
	s.ops = append(s.ops, drawOp{kind: "fill", x: x, y: y, w: w, h: h, color: c})
}

func (s *recordingSurface) DrawRect(x, y, w, h int16, c color.RGBA) {
	s.ops = append(s.ops, drawOp{kind: "rect", x: x, y: y, w: w, h: h, color: c})
}

func (s *recordingSurface) FillRoundRect(x, y, w, h, _ int16, c color.RGBA) {
	s.ops = append(s.ops, drawOp{kind: "round", x: x, y: y, w: w, h: h, color: c})
}

func (s *recordingSurface) DrawLine(x0, y0, x1, y1 int16, c color.RGBA) {
	s.ops = append(s.ops, drawOp{kind: "line", x: x0, y: y0, w: x1, h: y1, color: c})
}

func (s *recordingSurface) DrawText(x, y int16, text string, c color.RGBA) {
	s.ops = append(s.ops, drawOp{kind: "text", x: x, y: y, text: text, color: c})
}

func (s *recordingSurface) Display() error {
	s.displays++
	return nil
}

func (s *recordingSurface) ofKind(kind string) []drawOp {
	var out []drawOp
	for _, op := range s.ops {
		if op.kind == kind {
			out = append(out, op)
		}
	}
	return out
}

func (s *recordingSurface) texts() []string {
	var out []string
	for _, op := range s.ofKind("text") {
		out = append(out, op.text)
	}
	return out
}

func TestLitSegments_StrictThresholds(t *testing.T) {
	for k := 0; k < SegmentCount-1; k++ {
		threshold := float64(k+1) / SegmentCount
		assert.False(t, LitSegments(threshold)[k], "bar %d at exactly %.1f", k, threshold)
		assert.True(t, LitSegments(threshold+1e-9)[k], "bar %d just above %.1f", k, threshold)
	}
}

func TestLitSegments_Property(t *testing.T) {
	for i := 0; i <= 1000; i++ {
		ratio := float64(i) / 1000
		lit := LitSegments(ratio)
		for k := 0; k < SegmentCount; k++ {
			want := ratio > float64(k+1)/SegmentCount
			// A full pack also lights the top bar, which the strict rule alone never does
			if ratio == 1 && k == SegmentCount-1 {
				want = true
			}
			assert.Equal(t, want, lit[k], "ratio %.3f bar %d", ratio, k)
		}
	}
}

func TestLitSegments_SaturatedLightsTopBar(t *testing.T) {
	below := LitSegments(0.9999)
	assert.False(t, below[SegmentCount-1])
	assert.True(t, below[SegmentCount-2])

	full := LitSegments(1)
	for k, lit := range full {
		assert.True(t, lit, "bar %d", k)
	}
}

func TestLitSegments_Counts(t *testing.T) {
	assert.Equal(t, 0, CountLit(0))
	assert.Equal(t, 0, CountLit(0.1))
	assert.Equal(t, 1, CountLit(0.15))
	assert.Equal(t, 4, CountLit(0.5))
	assert.Equal(t, 9, CountLit(0.99))
	assert.Equal(t, SegmentCount, CountLit(1))
}

func TestSegmentColor_Gradient(t *testing.T) {
	assert.Equal(t, Color565(255, 0, 0), SegmentColor(0))
	assert.Equal(t, Color565(0, 255, 0), SegmentColor(SegmentCount-1))

	prev := SegmentColor(0)
	for k := 1; k < SegmentCount; k++ {
		c := SegmentColor(k)
		assert.Less(t, c.R, prev.R)
		assert.Greater(t, c.G, prev.G)
		assert.Equal(t, uint8(0), c.B)
		prev = c
	}
}

func segmentColors(s *recordingSurface) []color.RGBA {
	var out []color.RGBA
	for _, op := range s.ofKind("round") {
		out = append(out, op.color)
	}
	return out
}

func TestDrawReading_FullPack(t *testing.T) {
	s := &recordingSurface{}
	r := NewRenderer(s)

	percent, err := curve.Percentage(16.8, 4)
	require.NoError(t, err)
	require.Equal(t, 100.0, percent)

	r.DrawReading(16.8, percent)

	colors := segmentColors(s)
	require.Len(t, colors, SegmentCount)
	for k, c := range colors {
		assert.Equal(t, SegmentColor(k), c, "bar %d", k)
	}
	assert.Equal(t, Color565(0, 255, 0), colors[SegmentCount-1])
	assert.Contains(t, s.texts(), "16.80")
	assert.Contains(t, s.texts(), "100")
}

func TestDrawReading_HalfBoundary(t *testing.T) {
	s := &recordingSurface{}
	r := NewRenderer(s)

	percent, err := curve.Percentage(15.356, 4)
	require.NoError(t, err)
	require.Equal(t, 50.0, percent)
	require.Equal(t, 0.5, curve.Ratio(percent))

	r.DrawReading(15.356, percent)

	colors := segmentColors(s)
	require.Len(t, colors, SegmentCount)
	lit := 0
	for k, c := range colors {
		if c != ColorSegmentOff {
			lit++
			assert.Less(t, k, 4, "bar %d should be dark", k)
		}
	}
	assert.Equal(t, 4, lit)
	assert.Contains(t, s.texts(), "15.36")
	assert.Contains(t, s.texts(), "50")
}

func TestDrawReading_ClampsReadout(t *testing.T) {
	s := &recordingSurface{}
	r := NewRenderer(s)

	r.DrawReading(0, -300)

	assert.Contains(t, s.texts(), "0.00")
	assert.Contains(t, s.texts(), "0")
	for _, c := range segmentColors(s) {
		assert.Equal(t, ColorSegmentOff, c)
	}
}

func TestDrawReading_SegmentGeometry(t *testing.T) {
	s := &recordingSurface{}
	NewRenderer(s).DrawReading(16.8, 100)

	rounds := s.ofKind("round")
	require.Len(t, rounds, SegmentCount)
	for k, op := range rounds {
		assert.Equal(t, int16(128-7-9*k), op.y, "bar %d", k)
		assert.Equal(t, int16(128), op.w)
		assert.Equal(t, int16(7), op.h)
	}
}

func TestDrawUnknown(t *testing.T) {
	s := &recordingSurface{}
	NewRenderer(s).DrawUnknown(12.5)

	assert.Contains(t, s.texts(), "12.50")
	assert.Contains(t, s.texts(), "--")
	assert.Len(t, s.ofKind("round"), SegmentCount)
}

func TestDrawDisconnected(t *testing.T) {
	s := &recordingSurface{}
	r := NewRenderer(s)

	r.DrawDisconnected()
	require.NoError(t, r.Present())

	require.Len(t, s.ops, 1)
	assert.Equal(t, "screen", s.ops[0].kind)
	assert.Equal(t, ColorRed, s.ops[0].color)
	assert.Empty(t, s.texts())
	assert.Equal(t, 1, s.displays)
}

func TestDrawFrame(t *testing.T) {
	s := &recordingSurface{}
	NewRenderer(s).DrawFrame()

	fills := s.ofKind("fill")
	require.NotEmpty(t, fills)
	assert.Equal(t, ColorMaroon, fills[0].color)
	assert.Equal(t, int16(16), fills[0].h)
	assert.Equal(t, []string{"Voltage", "V", "%"}, s.texts())
	assert.Len(t, s.ofKind("rect"), 1)
	assert.Len(t, s.ofKind("line"), 1)
}

func TestDrawReading_VoltageFormatting(t *testing.T) {
	for _, v := range []float64{3.14159, 12, 24.005, 50.999} {
		s := &recordingSurface{}
		NewRenderer(s).DrawReading(v, 50)
		assert.Contains(t, s.texts(), fmt.Sprintf("%0.2f", v))
	}
}
