package link

import (
	"context"

	"github.com/distatus/battery"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LocalConfig selects one of the host's own batteries
type LocalConfig struct {
	Index        int
	VoltageTopic string
	Defaults     map[string]int
}

// LocalLink reports the voltage of a battery attached to this machine
type LocalLink struct {
	cfg       LocalConfig
	get       func(idx int) (*battery.Battery, error)
	subs      subscriptions
	connected bool
}

var _ TopicLink = (*LocalLink)(nil)

// NewLocalLink creates a link reading battery.Get(cfg.Index)
func NewLocalLink(cfg LocalConfig) *LocalLink {
	return &LocalLink{cfg: cfg, get: battery.Get, subs: subscriptions{}}
}

func (l *LocalLink) Connect(_ context.Context) error {
	_, err := l.read()
	if err != nil {
		logrus.WithError(err).WithField("index", l.cfg.Index).Warn("battery not readable yet")
		return nil
	}
	l.connected = true
	return nil
}

func (l *LocalLink) read() (float64, error) {
	bat, err := l.get(l.cfg.Index)
	if err != nil && bat == nil {
		return 0, err
	}
	if err != nil {
		// Partial errors still carry the fields that could be read
		logrus.WithError(err).Debug("partial battery read")
	}
	if bat.Voltage <= 0 {
		return 0, errors.New("battery does not report voltage")
	}
	return bat.Voltage, nil
}

func (l *LocalLink) Connected() bool {
	return l.connected
}

func (l *LocalLink) SpinOnce() {
	v, err := l.read()
	if err != nil {
		if l.connected {
			logrus.WithError(err).Warn("battery read failed")
		}
		l.connected = false
		return
	}
	l.connected = true
	l.subs.dispatch(l.cfg.VoltageTopic, float32(v))
}

func (l *LocalLink) Subscribe(topic string, fn Handler) error {
	if topic != l.cfg.VoltageTopic {
		return errors.Wrapf(ErrUnknownTopic, "local link only serves %q, not %q", l.cfg.VoltageTopic, topic)
	}
	l.subs.add(topic, fn)
	return nil
}

// GetParamInt has no store behind it, only the configured defaults
func (l *LocalLink) GetParamInt(_ context.Context, name string) (int, error) {
	return withDefault(name, 0, errors.Wrapf(ErrParamNotFound, "local link has no %s", name), l.cfg.Defaults[name])
}

func (l *LocalLink) Close() error {
	l.connected = false
	return nil
}
