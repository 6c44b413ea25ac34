package link

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net/url"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Register encodings understood by the Modbus backend
const (
	RegisterU16     = "u16"
	RegisterS16     = "s16"
	RegisterU32     = "u32"
	RegisterFloat32 = "float32"
)

// ModbusConfig holds settings for polling a battery monitor over Modbus
type ModbusConfig struct {
	// Endpoint is tcp://host:port or rtu:///dev/ttyUSB0
	Endpoint        string
	UnitID          uint8
	BaudRate        int
	Timeout         time.Duration
	VoltageTopic    string
	VoltageRegister uint16
	VoltageFormat   string
	VoltageScale    float64
	ParamRegisters  map[string]uint16
	Defaults        map[string]int
}

// registerReader is the part of modbus.Client the link uses
type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// connector is the connection lifecycle shared by the TCP and RTU handlers
type connector interface {
	Connect() error
	io.Closer
}

// ModbusLink polls a holding register for the pack voltage on every spin
type ModbusLink struct {
	cfg       ModbusConfig
	handler   connector
	client    registerReader
	subs      subscriptions
	connected bool
}

var _ TopicLink = (*ModbusLink)(nil)

// NewModbusLink validates the endpoint and prepares a client handler
func NewModbusLink(cfg ModbusConfig) (*ModbusLink, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.VoltageScale == 0 {
		cfg.VoltageScale = 1
	}
	if cfg.VoltageFormat == "" {
		cfg.VoltageFormat = RegisterU16
	}
	if _, err := registerCount(cfg.VoltageFormat); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing modbus endpoint %q", cfg.Endpoint)
	}

	var handler interface {
		modbus.ClientHandler
		connector
	}
	switch u.Scheme {
	case "tcp":
		h := modbus.NewTCPClientHandler(u.Host)
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.UnitID
		handler = h
	case "rtu":
		h := modbus.NewRTUClientHandler(u.Path)
		h.BaudRate = cfg.BaudRate
		if h.BaudRate == 0 {
			h.BaudRate = 9600
		}
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = cfg.Timeout
		h.SlaveId = cfg.UnitID
		handler = h
	default:
		return nil, errors.Errorf("unsupported modbus endpoint scheme %q", u.Scheme)
	}

	return &ModbusLink{
		cfg:     cfg,
		handler: handler,
		client:  modbus.NewClient(handler),
		subs:    subscriptions{},
	}, nil
}

func (l *ModbusLink) Connect(_ context.Context) error {
	l.reconnect()
	return nil
}

func (l *ModbusLink) reconnect() {
	if err := l.handler.Connect(); err != nil {
		logrus.WithError(err).WithField("endpoint", l.cfg.Endpoint).Warn("modbus connect failed")
		l.connected = false
		return
	}
	logrus.WithField("endpoint", l.cfg.Endpoint).Info("connected to modbus device")
	l.connected = true
}

func (l *ModbusLink) Connected() bool {
	return l.connected
}

// SpinOnce reads the voltage register and delivers it to subscribers
func (l *ModbusLink) SpinOnce() {
	if !l.connected {
		l.reconnect()
		if !l.connected {
			return
		}
	}

	value, err := l.readValue(l.cfg.VoltageRegister, l.cfg.VoltageFormat)
	if err != nil {
		logrus.WithError(err).Warn("reading voltage register")
		l.connected = false
		_ = l.handler.Close()
		return
	}
	l.subs.dispatch(l.cfg.VoltageTopic, float32(value*l.cfg.VoltageScale))
}

func (l *ModbusLink) readValue(register uint16, format string) (float64, error) {
	count, err := registerCount(format)
	if err != nil {
		return 0, err
	}
	raw, err := l.client.ReadHoldingRegisters(register, count)
	if err != nil {
		return 0, errors.Wrapf(err, "reading holding register %d", register)
	}
	return decodeRegisters(raw, format)
}

func registerCount(format string) (uint16, error) {
	switch format {
	case RegisterU16, RegisterS16:
		return 1, nil
	case RegisterU32, RegisterFloat32:
		return 2, nil
	default:
		return 0, errors.Errorf("unknown register format %q", format)
	}
}

// decodeRegisters converts big endian register bytes, high word first
func decodeRegisters(raw []byte, format string) (float64, error) {
	count, err := registerCount(format)
	if err != nil {
		return 0, err
	}
	if len(raw) < int(count)*2 {
		return 0, errors.Errorf("short register read: got %d bytes, want %d", len(raw), count*2)
	}

	switch format {
	case RegisterU16:
		return float64(binary.BigEndian.Uint16(raw)), nil
	case RegisterS16:
		return float64(int16(binary.BigEndian.Uint16(raw))), nil
	case RegisterU32:
		return float64(binary.BigEndian.Uint32(raw)), nil
	default:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	}
}

func (l *ModbusLink) Subscribe(topic string, fn Handler) error {
	if topic != l.cfg.VoltageTopic {
		return errors.Wrapf(ErrUnknownTopic, "modbus link only serves %q, not %q", l.cfg.VoltageTopic, topic)
	}
	l.subs.add(topic, fn)
	return nil
}

// GetParamInt reads a parameter from its mapped holding register
func (l *ModbusLink) GetParamInt(_ context.Context, name string) (int, error) {
	value, err := l.fetchParam(name)
	return withDefault(name, value, err, l.cfg.Defaults[name])
}

func (l *ModbusLink) fetchParam(name string) (int, error) {
	register, ok := l.cfg.ParamRegisters[name]
	if !ok {
		return 0, errors.Wrapf(ErrParamNotFound, "no register mapped for %s", name)
	}
	value, err := l.readValue(register, RegisterU16)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

func (l *ModbusLink) Close() error {
	l.connected = false
	return l.handler.Close()
}
