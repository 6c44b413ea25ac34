package main

import (
	"strings"
	"time"
)

const (
	// DefaultVoltageTopic carries the pack voltage samples
	DefaultVoltageTopic = "battery_voltage_status"
	// DefaultCellParam holds the number of series cells in the pack
	DefaultCellParam = "bat_info/bat_cell"
)

// BatteryConfig holds shared configuration for the displayed battery
type BatteryConfig struct {
	Name         string  `toml:"name" yaml:"name"`
	Manufacturer string  `toml:"manufacturer" yaml:"manufacturer"`
	CapacityKWh  float64 `toml:"capacity_kwh" yaml:"capacity_kwh"`
	VoltageTopic string  `toml:"voltage_topic" yaml:"voltage_topic"`
	CellParam    string  `toml:"cell_param" yaml:"cell_param"`
	// DefaultCells is used when the parameter store has no cell count, 0 = none
	DefaultCells int `toml:"default_cells" yaml:"default_cells"`
}

// DisplayConfig holds the screen size and loop timing
type DisplayConfig struct {
	Width             int  `toml:"width" yaml:"width"`
	Height            int  `toml:"height" yaml:"height"`
	RefreshMillis     int  `toml:"refresh_ms" yaml:"refresh_ms"`
	ConnectPollMillis int  `toml:"connect_poll_ms" yaml:"connect_poll_ms"`
	SettleMillis      int  `toml:"settle_ms" yaml:"settle_ms"`
	Preview           bool `toml:"preview" yaml:"preview"`
	PreviewScale      int  `toml:"preview_scale" yaml:"preview_scale"`
}

// LoopConfig holds configuration for the display loop
type LoopConfig struct {
	VoltageTopic string
	CellParam    string
	ConnectPoll  time.Duration
	Settle       time.Duration
	Refresh      time.Duration
}

// EntityConfig holds configuration for the Home Assistant battery entity
type EntityConfig struct {
	Name         string
	DeviceID     string
	Manufacturer string
	CapacityKWh  float64
}

// LoopConfig creates a LoopConfig from the shared battery and display settings
func (c *BatteryConfig) LoopConfig(d DisplayConfig) LoopConfig {
	return LoopConfig{
		VoltageTopic: c.VoltageTopic,
		CellParam:    c.CellParam,
		ConnectPoll:  time.Duration(d.ConnectPollMillis) * time.Millisecond,
		Settle:       time.Duration(d.SettleMillis) * time.Millisecond,
		Refresh:      time.Duration(d.RefreshMillis) * time.Millisecond,
	}
}

// EntityConfig creates an EntityConfig from the shared BatteryConfig
func (c *BatteryConfig) EntityConfig() EntityConfig {
	return EntityConfig{
		Name:         c.Name,
		DeviceID:     strings.ReplaceAll(strings.ToLower(c.Name), " ", "_"),
		Manufacturer: c.Manufacturer,
		CapacityKWh:  c.CapacityKWh,
	}
}
