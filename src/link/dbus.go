package link

import (
	"context"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const busItemGetValue = "com.victronenergy.BusItem.GetValue"

// DBusConfig points the link at a Victron style battery service on D-Bus
type DBusConfig struct {
	Service      string
	VoltageTopic string
	VoltagePath  string
	ParamPaths   map[string]string
	Defaults     map[string]int
	SessionBus   bool
}

// valueReader fetches the value of a BusItem path
type valueReader interface {
	GetValue(path string) (interface{}, error)
}

type busItems struct {
	conn    *dbus.Conn
	service string
}

func (b *busItems) GetValue(path string) (interface{}, error) {
	var ret interface{}
	obj := b.conn.Object(b.service, dbus.ObjectPath(path))
	if err := obj.Call(busItemGetValue, 0).Store(&ret); err != nil {
		return nil, errors.Wrapf(err, "fetching %s from dbus", path)
	}
	logrus.Debugf("got %v (%T) for %s", ret, ret, path)
	return ret, nil
}

// DBusLink reads the pack voltage from a BusItem on every spin
type DBusLink struct {
	cfg       DBusConfig
	conn      *dbus.Conn
	items     valueReader
	subs      subscriptions
	connected bool
}

var _ TopicLink = (*DBusLink)(nil)

// NewDBusLink creates an unconnected D-Bus link
func NewDBusLink(cfg DBusConfig) *DBusLink {
	if cfg.VoltagePath == "" {
		cfg.VoltagePath = "/Dc/0/Voltage"
	}
	return &DBusLink{cfg: cfg, subs: subscriptions{}}
}

func (l *DBusLink) Connect(_ context.Context) error {
	connect := dbus.ConnectSystemBus
	if l.cfg.SessionBus {
		connect = dbus.ConnectSessionBus
	}
	conn, err := connect()
	if err != nil {
		return errors.Wrap(err, "creating dbus connection")
	}
	l.conn = conn
	l.items = &busItems{conn: conn, service: l.cfg.Service}
	l.connected = true
	logrus.WithField("service", l.cfg.Service).Info("connected to dbus")
	return nil
}

func (l *DBusLink) Connected() bool {
	return l.connected
}

// SpinOnce polls the voltage path. A failed read marks the link disconnected until a read succeeds.
func (l *DBusLink) SpinOnce() {
	if l.items == nil {
		return
	}
	ret, err := l.items.GetValue(l.cfg.VoltagePath)
	if err == nil {
		var v float64
		v, err = valueAsFloat(ret)
		if err == nil {
			l.connected = true
			l.subs.dispatch(l.cfg.VoltageTopic, float32(v))
			return
		}
	}
	if l.connected {
		logrus.WithError(err).WithField("path", l.cfg.VoltagePath).Warn("battery service unavailable")
	}
	l.connected = false
}

func valueAsFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case dbus.Variant:
		return valueAsFloat(v.Value())
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		// Victron publishes an empty array for invalid values
		return 0, fmt.Errorf("invalid type %T", val)
	}
}

func (l *DBusLink) Subscribe(topic string, fn Handler) error {
	if topic != l.cfg.VoltageTopic {
		return errors.Wrapf(ErrUnknownTopic, "dbus link only serves %q, not %q", l.cfg.VoltageTopic, topic)
	}
	l.subs.add(topic, fn)
	return nil
}

// GetParamInt reads a parameter from its mapped BusItem path
func (l *DBusLink) GetParamInt(_ context.Context, name string) (int, error) {
	value, err := l.fetchParam(name)
	return withDefault(name, value, err, l.cfg.Defaults[name])
}

func (l *DBusLink) fetchParam(name string) (int, error) {
	path, ok := l.cfg.ParamPaths[name]
	if !ok {
		return 0, errors.Wrapf(ErrParamNotFound, "no dbus path mapped for %s", name)
	}
	if l.items == nil {
		return 0, errors.New("not connected")
	}
	ret, err := l.items.GetValue(path)
	if err != nil {
		return 0, err
	}
	v, err := valueAsFloat(ret)
	if err != nil {
		return 0, errors.Wrapf(err, "converting %s", path)
	}
	return int(v), nil
}

func (l *DBusLink) Close() error {
	l.connected = false
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}
