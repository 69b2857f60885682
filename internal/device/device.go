// Package device holds the domain types shared between the poller, the
// adapter registry, the strategy engine and the rule evaluator. The records
// themselves are owned by the web application; this daemon consumes them
// read-only.
package device

import (
	"slices"
	"time"
)

// Class identifies a family of miners that share a control protocol.
type Class string

const (
	ClassAvalonNano Class = "avalon_nano"
	ClassBitaxe     Class = "bitaxe"
	ClassNerdQaxe   Class = "nerdqaxe"
	ClassNMMiner    Class = "nmminer"
	ClassXMRig      Class = "xmrig"
)

// Mode is a power/tuning preset. Not every class supports every mode.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeEco      Mode = "eco"
	ModeStandard Mode = "standard"
	ModeTurbo    Mode = "turbo"
	ModeMaxPower Mode = "max_power"

	// ModeManagedExternally is a sentinel: a band configured with it tells the
	// strategy engine to leave devices of that class alone.
	ModeManagedExternally Mode = "managed_externally"
)

// Device is the inventory record for one miner.
type Device struct {
	ID          string
	Name        string
	Class       Class
	CurrentMode Mode
	Enabled     bool
}

// TelemetryPoint is one timestamped reading from a miner.
type TelemetryPoint struct {
	DeviceID     string
	Timestamp    time.Time
	TemperatureC float64
	HashRate     float64 // hashes per second
	RejectRate   float64 // rejected shares / total shares, 0..1
	PowerW       float64 // 0 when the device has no power metrics
	PoolInUse    string
}

// PoolConfig describes a mining pool endpoint.
type PoolConfig struct {
	URL      string `json:"url" yaml:"url"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Asset    string `json:"asset" yaml:"asset"`
}

// Capabilities describes what an adapter can do for its device.
type Capabilities struct {
	SupportedModes     []Mode
	SupportsPoolSwitch bool
	HasPowerMetrics    bool
}

// SupportsMode reports whether mode is in the supported set.
func (c Capabilities) SupportsMode(mode Mode) bool {
	return slices.Contains(c.SupportedModes, mode)
}

// CanTune reports whether the device accepts mode changes at all. A
// telemetry-only device (no supported modes) is excluded from mode-changing
// actions but remains eligible for pool switches and alerts.
func (c Capabilities) CanTune() bool {
	return len(c.SupportedModes) > 0
}
