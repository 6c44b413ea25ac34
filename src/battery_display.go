package main

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ryansname/battdisplay/src/curve"
	"github.com/ryansname/battdisplay/src/history"
	"github.com/ryansname/battdisplay/src/link"
	"github.com/ryansname/battdisplay/src/meter"
)

// BatteryState is the latest reading plus the pack layout it is interpreted with
type BatteryState struct {
	CellCount     int
	LatestVoltage float64
}

// Snapshot is an immutable copy of the display state for readers on other goroutines
type Snapshot struct {
	Connected   bool    `json:"connected"`
	Voltage     float64 `json:"voltage"`
	CellCount   int     `json:"cell_count"`
	Percent     float64 `json:"percent"`
	Ratio       float64 `json:"ratio"`
	LitSegments int     `json:"lit_segments"`
	Valid       bool    `json:"valid"`
	MinVoltage  float64 `json:"min_voltage"`
	MaxVoltage  float64 `json:"max_voltage"`
	Samples     int     `json:"samples"`

	// LastSampleAt is when the latest voltage arrived, zero before the first one
	LastSampleAt time.Time `json:"last_sample_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayPercent is the whole number shown on screen
func (s Snapshot) DisplayPercent() int {
	return int(s.Ratio * 100)
}

// BatteryDisplay owns the battery state and draws it. It is not safe for concurrent use,
// every method runs on the display loop goroutine.
type BatteryDisplay struct {
	state    BatteryState
	renderer *meter.Renderer
	history  *history.VoltageWindow
	now      func() time.Time
}

// NewBatteryDisplay creates a display drawing through r
func NewBatteryDisplay(r *meter.Renderer) *BatteryDisplay {
	return &BatteryDisplay{
		renderer: r,
		history:  history.NewVoltageWindow(),
		now:      time.Now,
	}
}

// State returns a copy of the current battery state
func (d *BatteryDisplay) State() BatteryState {
	return d.state
}

// Subscribe registers the voltage callback on the link
func (d *BatteryDisplay) Subscribe(l link.TopicLink, topic string) error {
	return errors.Wrapf(l.Subscribe(topic, d.OnVoltage), "subscribing to %s", topic)
}

// OnVoltage stores a received voltage sample
func (d *BatteryDisplay) OnVoltage(v float32) {
	d.state.LatestVoltage = sampleVolts(v)
	d.history.AddAt(d.state.LatestVoltage, d.now())
}

// sampleVolts widens a float32 sample through its shortest decimal form, so 16.8 on the wire
// maps to the 16.8 the curve breakpoints are written in rather than 16.799999237...
func sampleVolts(v float32) float64 {
	f, err := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
	if err != nil {
		return float64(v)
	}
	return f
}

// Init fetches the cell count from the link's parameter store
func (d *BatteryDisplay) Init(ctx context.Context, l link.TopicLink, param string) error {
	cells, err := l.GetParamInt(ctx, param)
	if err != nil {
		return errors.Wrap(err, "fetching cell count")
	}
	d.SetCellCount(cells)
	return nil
}

// SetCellCount replaces the cell count
func (d *BatteryDisplay) SetCellCount(cells int) {
	if cells <= 0 {
		logrus.WithField("cells", cells).Warn("invalid cell count, percentage will not be shown")
	}
	d.state.CellCount = cells
}

// Percentage maps the latest voltage onto the discharge curve
func (d *BatteryDisplay) Percentage() (float64, error) {
	return curve.Percentage(d.state.LatestVoltage, d.state.CellCount)
}

// Update redraws the whole screen. A disconnected link shows only a red fill.
func (d *BatteryDisplay) Update(connected bool) error {
	r := d.renderer
	r.Clear()
	if !connected {
		r.DrawDisconnected()
		return r.Present()
	}

	r.DrawFrame()
	percent, err := d.Percentage()
	if err != nil {
		r.DrawUnknown(d.state.LatestVoltage)
	} else {
		r.DrawReading(d.state.LatestVoltage, percent)
	}
	return r.Present()
}

// Snapshot captures the current state
func (d *BatteryDisplay) Snapshot(connected bool) Snapshot {
	snap := Snapshot{
		Connected:  connected,
		Voltage:    d.state.LatestVoltage,
		CellCount:  d.state.CellCount,
		MinVoltage: d.history.Min(),
		MaxVoltage: d.history.Max(),
		Samples:    d.history.Count(),
		UpdatedAt:  d.now(),
	}
	_, snap.LastSampleAt = d.history.Last()
	if percent, err := d.Percentage(); err == nil {
		snap.Valid = true
		snap.Percent = percent
		snap.Ratio = curve.Ratio(percent)
		snap.LitSegments = meter.CountLit(snap.Ratio)
	}
	return snap
}
