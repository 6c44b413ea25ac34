package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ryansname/battdisplay/src/link"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps a channel for sending MQTT messages with helper methods
type MQTTSender struct {
	ch chan<- MQTTMessage
}

// NewMQTTSender creates a new MQTTSender wrapping the given channel
func NewMQTTSender(ch chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{ch: ch}
}

// Send sends a raw MQTTMessage
func (s *MQTTSender) Send(msg MQTTMessage) {
	s.ch <- msg
}

// StateTopic is where the entity's readings are published
func (e EntityConfig) StateTopic() string {
	return "homeassistant/sensor/" + e.DeviceID + "/state"
}

// CreateBatteryEntity creates a Home Assistant battery entity via MQTT discovery
func (s *MQTTSender) CreateBatteryEntity(
	battery EntityConfig,
	entityName, entityClass, entityMeasure, jsonKey string,
	displayPrecision int,
) error {
	type haDeviceConfig struct {
		Identifiers  []string `json:"identifiers"`
		Name         string   `json:"name"`
		Manufacturer string   `json:"manufacturer,omitempty"`
		Model        string   `json:"model,omitempty"`
	}

	type haEntityConfig struct {
		Name             string         `json:"name,omitempty"`
		DeviceClass      string         `json:"device_class"`
		StateTopic       string         `json:"state_topic"`
		UnitOfMeasure    string         `json:"unit_of_measurement,omitempty"`
		ValueTemplate    string         `json:"value_template"`
		UniqueId         string         `json:"unique_id"`
		ExpireAfter      uint           `json:"expire_after,omitempty"`
		StateClass       string         `json:"state_class,omitempty"`
		DisplayPrecision int            `json:"suggested_display_precision,omitempty"`
		Device           haDeviceConfig `json:"device"`
	}

	if battery.DeviceID == "" {
		return fmt.Errorf("battery entity needs a name")
	}

	model := ""
	if battery.CapacityKWh > 0 {
		model = fmt.Sprintf("%.0f kWh", battery.CapacityKWh)
	}

	config := haEntityConfig{
		Name:             entityName,
		DeviceClass:      entityClass,
		StateTopic:       battery.StateTopic(),
		UnitOfMeasure:    entityMeasure,
		ValueTemplate:    "{{ value_json." + jsonKey + "}}",
		UniqueId:         battery.DeviceID + "_" + jsonKey,
		ExpireAfter:      60 * 5, // 5 minutes
		StateClass:       "measurement",
		DisplayPrecision: displayPrecision,
		Device: haDeviceConfig{
			Identifiers:  []string{battery.DeviceID},
			Name:         battery.Name,
			Manufacturer: battery.Manufacturer,
			Model:        model,
		},
	}

	configTopic := "homeassistant/sensor/" + battery.DeviceID + "_" + jsonKey + "/config"

	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   configTopic,
		Payload: payload,
		QoS:     2,
		Retain:  true,
	})

	return nil
}

// CreateBatteryEntities announces the percentage and voltage sensors
func (s *MQTTSender) CreateBatteryEntities(battery EntityConfig) error {
	if err := s.CreateBatteryEntity(battery, "State of Charge", "battery", "%", "percentage", 0); err != nil {
		return err
	}
	return s.CreateBatteryEntity(battery, "Voltage", "voltage", "V", "voltage", 2)
}

type batteryState struct {
	Percentage int     `json:"percentage"`
	Voltage    float64 `json:"voltage"`
	Cells      int     `json:"cells"`
}

// PublishState sends a snapshot to the entity state topic
func (s *MQTTSender) PublishState(battery EntityConfig, snap Snapshot) error {
	payload, err := json.Marshal(batteryState{
		Percentage: snap.DisplayPercent(),
		Voltage:    math.Round(snap.Voltage*100) / 100,
		Cells:      snap.CellCount,
	})
	if err != nil {
		return err
	}

	s.Send(MQTTMessage{
		Topic:   battery.StateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  false,
	})
	return nil
}

// isDiscoveryTopic checks if a topic is an MQTT discovery config topic
func isDiscoveryTopic(topic string) bool {
	return strings.HasSuffix(topic, "/config")
}

// mqttSenderWorker publishes outgoing messages, queuing them while the link is down.
// Queued state messages are dropped beyond maxQueued, discovery messages are always kept.
func mqttSenderWorker(
	ctx context.Context,
	outgoingChan <-chan MQTTMessage,
	pub link.Publisher,
	retryInterval time.Duration,
) {
	const maxQueued = 100

	logrus.Info("MQTT sender worker started")

	var messageQueue []MQTTMessage
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	publish := func(msg MQTTMessage) {
		if err := pub.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload); err != nil {
			logrus.WithError(err).WithField("topic", msg.Topic).Error("failed to publish")
		}
	}

	for {
		select {
		case <-retry.C:
			if len(messageQueue) == 0 || !pub.Connected() {
				continue
			}
			queuedCount := len(messageQueue)
			for _, msg := range messageQueue {
				publish(msg)
			}
			messageQueue = nil
			logrus.WithField("count", queuedCount).Info("MQTT sender worker processed queued messages")

		case msg := <-outgoingChan:
			if pub.Connected() && len(messageQueue) == 0 {
				publish(msg)
				continue
			}

			if len(messageQueue) >= maxQueued && !isDiscoveryTopic(msg.Topic) {
				logrus.WithField("topic", msg.Topic).Debug("send queue full, dropping message")
				continue
			}
			messageQueue = append(messageQueue, msg)
			logrus.WithField("queued", len(messageQueue)).Debug("MQTT sender worker queued message")

		case <-ctx.Done():
			logrus.Info("MQTT sender worker stopped")
			return
		}
	}
}

// percentagePublisherWorker forwards valid snapshots from a connected link to the state topic,
// at most once per interval
func percentagePublisherWorker(
	ctx context.Context,
	snapshots <-chan Snapshot,
	sender *MQTTSender,
	battery EntityConfig,
	interval time.Duration,
) {
	var lastPublished time.Time

	for {
		select {
		case snap := <-snapshots:
			if !snap.Connected || !snap.Valid {
				continue
			}
			if !lastPublished.IsZero() && snap.UpdatedAt.Sub(lastPublished) < interval {
				continue
			}
			if err := sender.PublishState(battery, snap); err != nil {
				logrus.WithError(err).Error("encoding battery state")
				continue
			}
			lastPublished = snap.UpdatedAt

		case <-ctx.Done():
			return
		}
	}
}
