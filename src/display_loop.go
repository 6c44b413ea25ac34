package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ryansname/battdisplay/src/link"
	"github.com/ryansname/battdisplay/src/meter"
)

// SnapshotStore holds the latest Snapshot for readers outside the display loop
type SnapshotStore struct {
	v atomic.Pointer[Snapshot]
}

func (s *SnapshotStore) Store(snap Snapshot) {
	s.v.Store(&snap)
}

// Load returns the latest snapshot, false if the loop has not produced one yet
func (s *SnapshotStore) Load() (Snapshot, bool) {
	p := s.v.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// DisplayLoop drives the link and the screen from a single goroutine
type DisplayLoop struct {
	cfg      LoopConfig
	link     link.TopicLink
	display  *BatteryDisplay
	renderer *meter.Renderer

	cellOverrides <-chan int
	snapshots     chan<- Snapshot
	latest        *SnapshotStore

	connected bool
}

// NewDisplayLoop wires a loop. cellOverrides and snapshots may be nil.
func NewDisplayLoop(
	cfg LoopConfig,
	l link.TopicLink,
	r *meter.Renderer,
	cellOverrides <-chan int,
	snapshots chan<- Snapshot,
	latest *SnapshotStore,
) *DisplayLoop {
	if latest == nil {
		latest = &SnapshotStore{}
	}
	return &DisplayLoop{
		cfg:           cfg,
		link:          l,
		display:       NewBatteryDisplay(r),
		renderer:      r,
		cellOverrides: cellOverrides,
		snapshots:     snapshots,
		latest:        latest,
	}
}

// Display returns the battery display owned by the loop
func (l *DisplayLoop) Display() *BatteryDisplay {
	return l.display
}

// Run connects the link, waits for it, reads the cell count and then redraws every refresh
// interval until ctx is cancelled. The link is closed on return.
func (l *DisplayLoop) Run(ctx context.Context) error {
	defer func() {
		if err := l.link.Close(); err != nil {
			logrus.WithError(err).Warn("closing link")
		}
	}()

	r := l.renderer
	r.Clear()
	r.DrawFrame()
	r.DrawMessage(0, "waiting for connection")
	l.present()

	if err := l.display.Subscribe(l.link, l.cfg.VoltageTopic); err != nil {
		return err
	}
	if err := l.link.Connect(ctx); err != nil {
		return errors.Wrap(err, "connecting link")
	}

	logrus.Info("waiting for link connection")
	if err := l.waitConnected(ctx); err != nil {
		return err
	}
	l.connected = true

	// Init after the link is up so the parameter store is reachable
	if err := l.display.Init(ctx, l.link, l.cfg.CellParam); err != nil {
		logrus.WithError(err).Error("cell count unavailable")
	}
	cells := l.display.State().CellCount
	logrus.WithField("cells", cells).Info("link init done")

	r.DrawMessage(1, fmt.Sprintf("bat_cell is %d", cells))
	r.DrawMessage(2, "link init done!")
	l.present()

	if err := sleepContext(ctx, l.cfg.Settle); err != nil {
		return err
	}

	ticker := time.NewTicker(l.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case cells := <-l.cellOverrides:
			logrus.WithField("cells", cells).Info("cell count overridden")
			l.display.SetCellCount(cells)

		case <-ticker.C:
			l.tick()

		case <-ctx.Done():
			logrus.Info("display loop stopped")
			return ctx.Err()
		}
	}
}

// waitConnected spins the link until it reports connected
func (l *DisplayLoop) waitConnected(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.ConnectPoll)
	defer ticker.Stop()

	for {
		l.link.SpinOnce()
		if l.link.Connected() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick services the link once and redraws
func (l *DisplayLoop) tick() {
	l.link.SpinOnce()

	connected := l.link.Connected()
	if connected != l.connected {
		if connected {
			logrus.Info("link reconnected")
		} else {
			logrus.Warn("link disconnected")
		}
		l.connected = connected
	}

	if err := l.display.Update(connected); err != nil {
		logrus.WithError(err).Warn("presenting frame")
	}

	snap := l.display.Snapshot(connected)
	l.latest.Store(snap)
	if l.snapshots != nil {
		select {
		case l.snapshots <- snap:
		default:
			logrus.Debug("snapshot consumer busy, dropping snapshot")
		}
	}
}

func (l *DisplayLoop) present() {
	if err := l.renderer.Present(); err != nil {
		logrus.WithError(err).Warn("presenting frame")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
