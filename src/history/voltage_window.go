// Package history keeps a short rolling record of pack voltage for the status views.
package history

import (
	"math"
	"time"
)

// Buckets is the number of one minute buckets in the window
const Buckets = 60

type bucket struct {
	min, max float64
	count    int
}

func emptyBucket() bucket {
	return bucket{min: math.MaxFloat64, max: -math.MaxFloat64}
}

// VoltageWindow tracks min/max voltage over a rolling hour using 60 one minute buckets
type VoltageWindow struct {
	buckets [Buckets]bucket
	// currentMinute counts minutes since the epoch, -1 = uninitialized
	currentMinute int64
	last          float64
	lastAt        time.Time
}

// NewVoltageWindow creates an empty window
func NewVoltageWindow() *VoltageWindow {
	w := &VoltageWindow{currentMinute: -1}
	for i := range w.buckets {
		w.buckets[i] = emptyBucket()
	}
	return w
}

// AddAt records a sample taken at t. Samples older than the current minute are ignored.
func (w *VoltageWindow) AddAt(volts float64, t time.Time) {
	minute := t.Unix() / 60
	if w.currentMinute >= 0 && minute < w.currentMinute {
		return
	}
	w.advance(minute)

	b := &w.buckets[minute%Buckets]
	b.min = min(b.min, volts)
	b.max = max(b.max, volts)
	b.count++
	w.last = volts
	w.lastAt = t
}

// advance clears buckets skipped since the last sample
func (w *VoltageWindow) advance(minute int64) {
	if w.currentMinute < 0 {
		w.currentMinute = minute
		return
	}
	if minute == w.currentMinute {
		return
	}
	gap := minute - w.currentMinute
	if gap >= Buckets {
		for i := range w.buckets {
			w.buckets[i] = emptyBucket()
		}
	} else {
		for m := w.currentMinute + 1; m <= minute; m++ {
			w.buckets[m%Buckets] = emptyBucket()
		}
	}
	w.currentMinute = minute
}

// Min returns the lowest voltage in the window, or 0 if no data
func (w *VoltageWindow) Min() float64 {
	result := math.MaxFloat64
	for _, b := range w.buckets {
		result = min(result, b.min)
	}
	if result == math.MaxFloat64 {
		return 0
	}
	return result
}

// Max returns the highest voltage in the window, or 0 if no data
func (w *VoltageWindow) Max() float64 {
	result := -math.MaxFloat64
	for _, b := range w.buckets {
		result = max(result, b.max)
	}
	if result == -math.MaxFloat64 {
		return 0
	}
	return result
}

// Count returns how many samples the window holds
func (w *VoltageWindow) Count() int {
	n := 0
	for _, b := range w.buckets {
		n += b.count
	}
	return n
}

// Last returns the most recent sample and when it was taken
func (w *VoltageWindow) Last() (float64, time.Time) {
	return w.last, w.lastAt
}
