package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MQTTConfig holds connection settings for the MQTT backend
type MQTTConfig struct {
	Broker               string
	Port                 int
	ClientID             string
	Username             string
	Password             string
	ParamPrefix          string
	ParamTimeout         time.Duration
	ConnectRetryInterval time.Duration
	QueueSize            int
	Defaults             map[string]int
}

type sample struct {
	topic string
	value float32
}

// MQTTLink receives samples from an MQTT broker.
// Parameters are read from retained messages under ParamPrefix.
type MQTTLink struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu   sync.Mutex
	subs subscriptions

	pending chan sample
	dropped atomic.Uint64
}

var _ TopicLink = (*MQTTLink)(nil)
var _ Publisher = (*MQTTLink)(nil)

// NewMQTTLink creates an unconnected MQTT link
func NewMQTTLink(cfg MQTTConfig) *MQTTLink {
	if cfg.Port == 0 {
		cfg.Port = 1883
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.ParamTimeout <= 0 {
		cfg.ParamTimeout = 5 * time.Second
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = 5 * time.Second
	}
	return &MQTTLink{
		cfg:     cfg,
		subs:    subscriptions{},
		pending: make(chan sample, cfg.QueueSize),
	}
}

// BrokerURL returns the broker address passed to the client
func (l *MQTTLink) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", l.cfg.Broker, l.cfg.Port)
}

func (l *MQTTLink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(l.BrokerURL())
	opts.SetClientID(l.cfg.ClientID)
	opts.SetUsername(l.cfg.Username)
	opts.SetPassword(l.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(l.cfg.ConnectRetryInterval)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logrus.WithError(err).Warn("MQTT connection lost")
	})

	// Subscriptions are renewed on every (re)connect
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logrus.WithField("broker", l.BrokerURL()).Info("connected to MQTT broker")

		l.mu.Lock()
		topics := l.subs.topics()
		l.mu.Unlock()

		for _, topic := range topics {
			l.subscribeClient(client, topic)
		}
	})

	l.client = mqtt.NewClient(opts)

	logrus.WithField("broker", l.BrokerURL()).Info("connecting to MQTT broker")
	// With ConnectRetry the token only completes once connected, so it is not waited on here
	token := l.client.Connect()
	go func() {
		select {
		case <-token.Done():
			if token.Error() != nil {
				logrus.WithError(token.Error()).Error("failed to connect to MQTT broker")
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

func (l *MQTTLink) subscribeClient(client mqtt.Client, topic string) {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		l.handleMessage(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		logrus.WithError(token.Error()).WithField("topic", topic).Error("failed to subscribe")
		return
	}
	logrus.WithField("topic", topic).Info("subscribed")
}

// handleMessage runs on the client's goroutine and only queues the sample
func (l *MQTTLink) handleMessage(topic string, payload []byte) {
	value, err := DecodeFloat32(payload)
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Debug("dropping sample")
		return
	}

	select {
	case l.pending <- sample{topic: topic, value: value}:
	default:
		n := l.dropped.Add(1)
		logrus.WithFields(logrus.Fields{"topic": topic, "dropped": n}).Warn("sample queue full, dropping sample")
	}
}

func (l *MQTTLink) Connected() bool {
	return l.client != nil && l.client.IsConnectionOpen()
}

// SpinOnce delivers every queued sample to its subscribers
func (l *MQTTLink) SpinOnce() {
	for {
		select {
		case s := <-l.pending:
			l.mu.Lock()
			handlers := l.subs[s.topic]
			l.mu.Unlock()
			for _, fn := range handlers {
				fn(s.value)
			}
		default:
			return
		}
	}
}

func (l *MQTTLink) Subscribe(topic string, fn Handler) error {
	if topic == "" {
		return errors.Wrap(ErrUnknownTopic, "empty topic")
	}
	l.mu.Lock()
	_, existing := l.subs[topic]
	l.subs.add(topic, fn)
	l.mu.Unlock()

	if !existing && l.Connected() {
		l.subscribeClient(l.client, topic)
	}
	return nil
}

// ParamTopic returns the retained topic holding a parameter
func (l *MQTTLink) ParamTopic(name string) string {
	if l.cfg.ParamPrefix == "" {
		return name
	}
	return l.cfg.ParamPrefix + "/" + name
}

// GetParamInt reads a retained parameter message, waiting up to ParamTimeout for it
func (l *MQTTLink) GetParamInt(ctx context.Context, name string) (int, error) {
	value, err := l.fetchParam(ctx, name)
	return withDefault(name, value, err, l.cfg.Defaults[name])
}

func (l *MQTTLink) fetchParam(ctx context.Context, name string) (int, error) {
	if !l.Connected() {
		return 0, errors.New("not connected")
	}

	topic := l.ParamTopic(name)
	payloads := make(chan []byte, 1)
	token := l.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case payloads <- msg.Payload():
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		return 0, errors.Wrapf(token.Error(), "subscribing to %s", topic)
	}
	defer l.client.Unsubscribe(topic)

	ctx, cancel := context.WithTimeout(ctx, l.cfg.ParamTimeout)
	defer cancel()

	select {
	case payload := <-payloads:
		return DecodeInt(payload)
	case <-ctx.Done():
		return 0, errors.Wrapf(ErrParamNotFound, "no retained value on %s", topic)
	}
}

// Publish sends a message and waits for the broker to accept it
func (l *MQTTLink) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if l.client == nil {
		return errors.New("not connected")
	}
	token := l.client.Publish(topic, qos, retain, payload)
	token.Wait()
	return errors.Wrapf(token.Error(), "publishing to %s", topic)
}

// Dropped returns how many samples were discarded because the queue was full
func (l *MQTTLink) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *MQTTLink) Close() error {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
		logrus.Info("disconnected from MQTT broker")
	}
	return nil
}
