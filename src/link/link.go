// Package link connects the display to the source of battery voltage samples.
//
// Every backend satisfies TopicLink. Samples are only delivered to subscribers inside SpinOnce,
// on the caller's goroutine, so the display loop can own its state without locking.
package link

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrParamNotFound is returned when the parameter store has no value for a name
	ErrParamNotFound = errors.New("parameter not found")
	// ErrUnknownTopic is returned when subscribing to a topic the backend cannot serve
	ErrUnknownTopic = errors.New("unknown topic")
)

// Handler receives one voltage sample
type Handler func(value float32)

// TopicLink is a pub/sub connection carrying numeric samples plus a parameter store
type TopicLink interface {
	// Connect starts the transport. It does not wait for the link to come up.
	Connect(ctx context.Context) error
	Connected() bool
	// SpinOnce services the link and invokes subscribers for any pending samples
	SpinOnce()
	Subscribe(topic string, fn Handler) error
	GetParamInt(ctx context.Context, name string) (int, error)
	Close() error
}

// Publisher is implemented by links that can send messages back out
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Connected() bool
}

// subscriptions keeps handlers per topic
type subscriptions map[string][]Handler

func (s subscriptions) add(topic string, fn Handler) {
	s[topic] = append(s[topic], fn)
}

func (s subscriptions) dispatch(topic string, value float32) {
	for _, fn := range s[topic] {
		fn(value)
	}
}

func (s subscriptions) topics() []string {
	out := make([]string, 0, len(s))
	for topic := range s {
		out = append(out, topic)
	}
	return out
}

// withDefault resolves a parameter lookup error against a configured fallback
func withDefault(name string, value int, err error, fallback int) (int, error) {
	if err == nil {
		return value, nil
	}
	if fallback > 0 {
		logrus.WithError(err).WithFields(logrus.Fields{
			"param":    name,
			"fallback": fallback,
		}).Warn("parameter unavailable, using default")
		return fallback, nil
	}
	return 0, errors.Wrapf(err, "getting parameter %s", name)
}

// Kind names a link backend
type Kind string

const (
	KindMQTT   Kind = "mqtt"
	KindModbus Kind = "modbus"
	KindDBus   Kind = "dbus"
	KindLocal  Kind = "local"
)

// ParseKind validates a backend name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindMQTT, KindModbus, KindDBus, KindLocal:
		return k, nil
	default:
		return "", errors.Errorf("unknown link kind %q", s)
	}
}
