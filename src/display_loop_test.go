package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/battdisplay/src/link"
	"github.com/ryansname/battdisplay/src/meter"
)

// fakeLink is a scripted TopicLink. Samples queued with push are delivered on the next spin.
type fakeLink struct {
	mu sync.Mutex

	connected    bool
	connectAfter int // spins before the link comes up
	spins        int
	connects     int
	closed       bool
	pending      []float32
	handlers     map[string][]link.Handler
	params       map[string]int
	paramCalls   int
}

var _ link.TopicLink = (*fakeLink)(nil)

func newFakeLink() *fakeLink {
	return &fakeLink{handlers: map[string][]link.Handler{}, params: map[string]int{}}
}

func (f *fakeLink) push(v float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, v)
}

func (f *fakeLink) setConnected(c bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = c
}

func (f *fakeLink) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) SpinOnce() {
	f.mu.Lock()
	f.spins++
	if f.connects > 0 && f.connectAfter >= 0 && f.spins == f.connectAfter+1 {
		f.connected = true
	}
	pending := f.pending
	f.pending = nil
	handlers := f.handlers[DefaultVoltageTopic]
	f.mu.Unlock()

	for _, v := range pending {
		for _, fn := range handlers {
			fn(v)
		}
	}
}

func (f *fakeLink) Subscribe(topic string, fn link.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = append(f.handlers[topic], fn)
	return nil
}

func (f *fakeLink) GetParamInt(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paramCalls++
	v, ok := f.params[name]
	if !ok {
		return 0, errors.Wrap(link.ErrParamNotFound, name)
	}
	return v, nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testLoopConfig() LoopConfig {
	return LoopConfig{
		VoltageTopic: DefaultVoltageTopic,
		CellParam:    DefaultCellParam,
		ConnectPoll:  time.Millisecond,
		Settle:       0,
		Refresh:      2 * time.Millisecond,
	}
}

var (
	red    = meter.RGB565(255, 0, 0)
	green  = meter.RGB565(0, 255, 0)
	maroon = meter.RGB565(128, 0, 0)
)

func TestDisplayLoop_FullPack(t *testing.T) {
	fl := newFakeLink()
	fl.connectAfter = 3
	fl.params[DefaultCellParam] = 4
	fl.push(16.8)

	fb := meter.NewFramebuffer(128, 128)
	latest := &SnapshotStore{}
	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(fb), nil, nil, latest)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, fl.closed)
	assert.Equal(t, 1, fl.paramCalls)
	assert.Equal(t, BatteryState{CellCount: 4, LatestVoltage: 16.8}, loop.Display().State())

	snap, ok := latest.Load()
	require.True(t, ok)
	assert.True(t, snap.Connected)
	assert.True(t, snap.Valid)
	assert.Equal(t, 100.0, snap.Percent)
	assert.Equal(t, 100, snap.DisplayPercent())
	assert.Equal(t, meter.SegmentCount, snap.LitSegments)

	// Title band, red bottom bar, green top bar
	assert.Equal(t, maroon, fb.At(127, 5))
	assert.Equal(t, red, fb.At(64, 124))
	assert.Equal(t, green, fb.At(64, 43))
}

func TestDisplayLoop_HalfPack(t *testing.T) {
	fl := newFakeLink()
	fl.params[DefaultCellParam] = 4
	fl.push(15.356)

	fb := meter.NewFramebuffer(128, 128)
	latest := &SnapshotStore{}
	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(fb), nil, nil, latest)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	snap, ok := latest.Load()
	require.True(t, ok)
	assert.Equal(t, 50, snap.DisplayPercent())
	assert.Equal(t, 4, snap.LitSegments)

	// Bar 3 lit, bar 4 dark
	assert.Equal(t, meter.RGB565(meter.SegmentColor(3).R, meter.SegmentColor(3).G, 0), fb.At(64, 124-3*9))
	assert.Equal(t, meter.RGB565(16, 16, 16), fb.At(64, 124-4*9))
}

func TestDisplayLoop_WaitsForConnection(t *testing.T) {
	fl := newFakeLink()
	fl.connectAfter = -1 // never
	fl.params[DefaultCellParam] = 4

	fb := meter.NewFramebuffer(128, 128)
	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(fb), nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 0, fl.paramCalls, "params are only read once connected")
	assert.Greater(t, fl.spins, 1)
	assert.Equal(t, maroon, fb.At(127, 5), "frame stays up while waiting")
}

func TestDisplayLoop_MissingCellCountShowsUnknown(t *testing.T) {
	fl := newFakeLink()
	fl.push(16.0)

	fb := meter.NewFramebuffer(128, 128)
	latest := &SnapshotStore{}
	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(fb), nil, nil, latest)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	snap, ok := latest.Load()
	require.True(t, ok)
	assert.True(t, snap.Connected)
	assert.False(t, snap.Valid)
	assert.Equal(t, 16.0, snap.Voltage)
	assert.Equal(t, 0, snap.LitSegments)
	assert.Equal(t, meter.RGB565(16, 16, 16), fb.At(64, 124))
}

func TestDisplayLoop_CellOverride(t *testing.T) {
	fl := newFakeLink()
	fl.params[DefaultCellParam] = 4

	overrides := make(chan int, 1)
	overrides <- 3

	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(meter.NewFramebuffer(128, 128)), overrides, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	assert.Equal(t, 3, loop.Display().State().CellCount)
}

func TestDisplayLoop_DisconnectedTickPaintsRed(t *testing.T) {
	fl := newFakeLink()
	fl.connectAfter = -1

	fb := meter.NewFramebuffer(128, 128)
	snapshots := make(chan Snapshot, 1)
	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(fb), nil, snapshots, nil)
	loop.Display().SetCellCount(4)
	loop.Display().OnVoltage(15.0)

	loop.tick()

	for _, p := range [][2]int16{{0, 0}, {127, 5}, {64, 30}, {64, 124}, {127, 127}} {
		assert.Equal(t, red, fb.At(p[0], p[1]), "pixel %v", p)
	}

	snap := <-snapshots
	assert.False(t, snap.Connected)
	assert.Equal(t, 15.0, snap.Voltage)
}

func TestDisplayLoop_RecoversAfterReconnect(t *testing.T) {
	fl := newFakeLink()
	fl.connectAfter = -1

	fb := meter.NewFramebuffer(128, 128)
	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(fb), nil, nil, nil)
	loop.Display().SetCellCount(4)
	loop.Display().OnVoltage(16.8)

	loop.tick()
	assert.Equal(t, red, fb.At(127, 5))

	fl.setConnected(true)
	loop.tick()
	assert.Equal(t, maroon, fb.At(127, 5))
	assert.Equal(t, green, fb.At(64, 43))
}

func TestDisplayLoop_SnapshotConsumerBusy(t *testing.T) {
	fl := newFakeLink()
	fl.setConnected(true)

	snapshots := make(chan Snapshot) // nobody reading
	latest := &SnapshotStore{}
	loop := NewDisplayLoop(testLoopConfig(), fl, meter.NewRenderer(meter.NewFramebuffer(128, 128)), nil, snapshots, latest)

	done := make(chan struct{})
	go func() {
		loop.tick()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "tick blocked on snapshot channel")
	}
	_, ok := latest.Load()
	assert.True(t, ok)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
