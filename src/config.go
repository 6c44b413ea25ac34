package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ryansname/battdisplay/src/link"
)

const ClientID = "battdisplay"

// Config is the on-disk configuration, TOML or YAML depending on the file extension
type Config struct {
	// Link selects the backend: mqtt, modbus, dbus or local
	Link     string `toml:"link" yaml:"link"`
	LogFile  string `toml:"log_file" yaml:"log_file"`
	LogLevel string `toml:"log_level" yaml:"log_level"`
	Console  bool   `toml:"console" yaml:"console"`

	Battery BatteryConfig  `toml:"battery" yaml:"battery"`
	Display DisplayConfig  `toml:"display" yaml:"display"`
	MQTT    MQTTSettings   `toml:"mqtt" yaml:"mqtt"`
	Modbus  ModbusSettings `toml:"modbus" yaml:"modbus"`
	DBus    DBusSettings   `toml:"dbus" yaml:"dbus"`
	Local   LocalSettings  `toml:"local" yaml:"local"`
	Status  StatusSettings `toml:"status" yaml:"status"`
}

type MQTTSettings struct {
	Broker             string `toml:"broker" yaml:"broker"`
	Port               int    `toml:"port" yaml:"port"`
	ClientID           string `toml:"client_id" yaml:"client_id"`
	Username           string `toml:"username" yaml:"username"`
	Password           string `toml:"password" yaml:"password"`
	ParamPrefix        string `toml:"param_prefix" yaml:"param_prefix"`
	ParamTimeoutMillis int    `toml:"param_timeout_ms" yaml:"param_timeout_ms"`
	// Publish sends the computed percentage back to the broker
	Publish               bool `toml:"publish" yaml:"publish"`
	PublishIntervalMillis int  `toml:"publish_interval_ms" yaml:"publish_interval_ms"`
}

type ModbusSettings struct {
	Endpoint        string            `toml:"endpoint" yaml:"endpoint"`
	UnitID          uint8             `toml:"unit_id" yaml:"unit_id"`
	BaudRate        int               `toml:"baud_rate" yaml:"baud_rate"`
	TimeoutMillis   int               `toml:"timeout_ms" yaml:"timeout_ms"`
	VoltageRegister uint16            `toml:"voltage_register" yaml:"voltage_register"`
	VoltageFormat   string            `toml:"voltage_format" yaml:"voltage_format"`
	VoltageScale    float64           `toml:"voltage_scale" yaml:"voltage_scale"`
	ParamRegisters  map[string]uint16 `toml:"param_registers" yaml:"param_registers"`
}

type DBusSettings struct {
	Service     string            `toml:"service" yaml:"service"`
	VoltagePath string            `toml:"voltage_path" yaml:"voltage_path"`
	ParamPaths  map[string]string `toml:"param_paths" yaml:"param_paths"`
	SessionBus  bool              `toml:"session_bus" yaml:"session_bus"`
}

type LocalSettings struct {
	Index int `toml:"index" yaml:"index"`
}

type StatusSettings struct {
	// Listen is the address of the HTTP status API, empty disables it
	Listen string `toml:"listen" yaml:"listen"`
}

// DefaultConfig returns the configuration used when no file is given
func DefaultConfig() *Config {
	return &Config{
		Link:     string(link.KindMQTT),
		LogLevel: "info",
		Battery: BatteryConfig{
			Name:         "Battery",
			VoltageTopic: DefaultVoltageTopic,
			CellParam:    DefaultCellParam,
		},
		Display: DisplayConfig{
			Width:             128,
			Height:            128,
			RefreshMillis:     500,
			ConnectPollMillis: 100,
			SettleMillis:      2000,
			PreviewScale:      3,
		},
		MQTT: MQTTSettings{
			Broker:                "localhost",
			Port:                  1883,
			ClientID:              ClientID,
			ParamTimeoutMillis:    5000,
			PublishIntervalMillis: 30000,
		},
		Modbus: ModbusSettings{
			TimeoutMillis: 1000,
			VoltageFormat: link.RegisterU16,
			VoltageScale:  1,
		},
		DBus: DBusSettings{
			VoltagePath: "/Dc/0/Voltage",
			ParamPaths: map[string]string{
				DefaultCellParam: "/System/NrOfCellsPerBattery",
			},
		},
	}
}

// LoadConfig reads path on top of the defaults and validates the result
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "reading config")
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return errors.Wrap(err, "decoding yaml")
		}
	default:
		if _, err := toml.DecodeFile(path, c); err != nil {
			return errors.Wrap(err, "decoding toml")
		}
	}
	return nil
}

// applyEnv fills MQTT credentials from the environment when the file leaves them empty
func (c *Config) applyEnv() {
	if c.MQTT.Username == "" {
		c.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if c.MQTT.Password == "" {
		c.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}
}

func (c *Config) Validate() error {
	kind, err := link.ParseKind(c.Link)
	if err != nil {
		return err
	}
	c.Link = string(kind)

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}

	if c.Battery.VoltageTopic == "" {
		return fmt.Errorf("battery.voltage_topic cannot be empty")
	}
	if c.Battery.CellParam == "" {
		return fmt.Errorf("battery.cell_param cannot be empty")
	}
	if c.Battery.DefaultCells < 0 {
		return fmt.Errorf("battery.default_cells cannot be negative")
	}

	if err := c.Display.Validate(); err != nil {
		return errors.Wrap(err, "validating display")
	}

	switch kind {
	case link.KindMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker cannot be empty when the mqtt link is used")
		}
		if c.MQTT.Port == 0 {
			c.MQTT.Port = 1883
		}
	case link.KindModbus:
		if c.Modbus.Endpoint == "" {
			return fmt.Errorf("modbus.endpoint cannot be empty when the modbus link is used")
		}
	case link.KindDBus:
		if c.DBus.Service == "" {
			return fmt.Errorf("dbus.service cannot be empty when the dbus link is used")
		}
	}

	if c.MQTT.Publish && kind != link.KindMQTT {
		return fmt.Errorf("mqtt.publish requires the mqtt link")
	}
	return nil
}

// minimum height fits the title band, readouts and all ten bars
const minDisplayHeight = 128

func (d *DisplayConfig) Validate() error {
	if d.Width < 64 || d.Width > 1024 {
		return fmt.Errorf("display width %d out of range", d.Width)
	}
	if d.Height < minDisplayHeight || d.Height > 1024 {
		return fmt.Errorf("display height %d out of range", d.Height)
	}
	if d.RefreshMillis <= 0 {
		return fmt.Errorf("display.refresh_ms needs to be positive")
	}
	if d.ConnectPollMillis <= 0 {
		d.ConnectPollMillis = 100
	}
	if d.SettleMillis < 0 {
		d.SettleMillis = 0
	}
	if d.PreviewScale < 1 {
		d.PreviewScale = 1
	}
	return nil
}

func (c *Config) defaults() map[string]int {
	if c.Battery.DefaultCells == 0 {
		return nil
	}
	return map[string]int{c.Battery.CellParam: c.Battery.DefaultCells}
}

// NewLink builds the configured link backend
func (c *Config) NewLink() (link.TopicLink, error) {
	switch link.Kind(c.Link) {
	case link.KindMQTT:
		return link.NewMQTTLink(link.MQTTConfig{
			Broker:       c.MQTT.Broker,
			Port:         c.MQTT.Port,
			ClientID:     c.MQTT.ClientID,
			Username:     c.MQTT.Username,
			Password:     c.MQTT.Password,
			ParamPrefix:  c.MQTT.ParamPrefix,
			ParamTimeout: time.Duration(c.MQTT.ParamTimeoutMillis) * time.Millisecond,
			Defaults:     c.defaults(),
		}), nil
	case link.KindModbus:
		l, err := link.NewModbusLink(link.ModbusConfig{
			Endpoint:        c.Modbus.Endpoint,
			UnitID:          c.Modbus.UnitID,
			BaudRate:        c.Modbus.BaudRate,
			Timeout:         time.Duration(c.Modbus.TimeoutMillis) * time.Millisecond,
			VoltageTopic:    c.Battery.VoltageTopic,
			VoltageRegister: c.Modbus.VoltageRegister,
			VoltageFormat:   c.Modbus.VoltageFormat,
			VoltageScale:    c.Modbus.VoltageScale,
			ParamRegisters:  c.Modbus.ParamRegisters,
			Defaults:        c.defaults(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "creating modbus link")
		}
		return l, nil
	case link.KindDBus:
		return link.NewDBusLink(link.DBusConfig{
			Service:      c.DBus.Service,
			VoltageTopic: c.Battery.VoltageTopic,
			VoltagePath:  c.DBus.VoltagePath,
			ParamPaths:   c.DBus.ParamPaths,
			Defaults:     c.defaults(),
			SessionBus:   c.DBus.SessionBus,
		}), nil
	case link.KindLocal:
		return link.NewLocalLink(link.LocalConfig{
			Index:        c.Local.Index,
			VoltageTopic: c.Battery.VoltageTopic,
			Defaults:     c.defaults(),
		}), nil
	default:
		return nil, errors.Errorf("unknown link kind %q", c.Link)
	}
}

// LogrusFields summarises the config for the startup log line
func (c *Config) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"link":         c.Link,
		"voltageTopic": c.Battery.VoltageTopic,
		"cellParam":    c.Battery.CellParam,
		"defaultCells": c.Battery.DefaultCells,
		"display":      fmt.Sprintf("%dx%d", c.Display.Width, c.Display.Height),
		"refreshMs":    c.Display.RefreshMillis,
		"publish":      c.MQTT.Publish,
		"status":       c.Status.Listen,
		"console":      c.Console,
	}
}
