package curve

import (
	"github.com/pkg/errors"
)

// ErrInvalidCellCount is returned when the configured cell count cannot divide the pack voltage
var ErrInvalidCellCount = errors.New("cell count must be positive")

// Breakpoint is one anchor of the discharge curve: per-cell volts and the percentage at that voltage
type Breakpoint struct {
	Volts   float64
	Percent float64
}

// LiIon is the single-cell lithium-ion discharge curve, ordered from empty to full.
// Adjacent breakpoints are always 10 percent apart.
var LiIon = []Breakpoint{
	{Volts: 3.0, Percent: 0},
	{Volts: 3.1, Percent: 10},
	{Volts: 3.747, Percent: 20},
	{Volts: 3.791, Percent: 30},
	{Volts: 3.812, Percent: 40},
	{Volts: 3.839, Percent: 50},
	{Volts: 3.883, Percent: 60},
	{Volts: 3.936, Percent: 70},
	{Volts: 3.999, Percent: 80},
	{Volts: 4.085, Percent: 90},
	{Volts: 4.2, Percent: 100},
}

// Segment returns the index of the lower breakpoint of the segment used for a per-cell voltage.
// The comparison is strict, so a voltage sitting exactly on a breakpoint belongs to the segment
// below it. Anything at or below the second breakpoint uses the bottom segment.
func Segment(curve []Breakpoint, averageVolts float64) int {
	for i := len(curve) - 2; i >= 1; i-- {
		if averageVolts > curve[i].Volts {
			return i
		}
	}
	return 0
}

// Interpolate maps a per-cell voltage onto the curve. The result is not clamped: voltages above
// the top breakpoint extrapolate past 100 and voltages below the bottom one go negative.
func Interpolate(curve []Breakpoint, averageVolts float64) float64 {
	i := Segment(curve, averageVolts)
	low, high := curve[i], curve[i+1]
	return (averageVolts-low.Volts)/(high.Volts-low.Volts)*(high.Percent-low.Percent) + low.Percent
}

// Percentage converts a pack voltage and series cell count into a state of charge percentage
// using the LiIon curve
func Percentage(voltage float64, cells int) (float64, error) {
	if cells <= 0 {
		return 0, ErrInvalidCellCount
	}
	return Interpolate(LiIon, voltage/float64(cells)), nil
}

// Ratio converts a percentage into the [0, 1] fraction used by the bar meter
func Ratio(percent float64) float64 {
	return max(0, min(percent/100, 1))
}
