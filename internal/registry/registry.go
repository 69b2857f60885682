// Package registry maps logical devices to their protocol adapters and
// exposes the uniform control surface used by the strategy engine and the
// rule evaluator. All hardware access goes through here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/minerhive/minerhive/internal/device"
)

// ErrUnsupportedMode is returned when a mode request falls outside the
// adapter's capability set. The device is never contacted.
var ErrUnsupportedMode = errors.New("unsupported mode")

// ErrUnknownDevice is returned for device ids with no registered adapter.
var ErrUnknownDevice = errors.New("unknown device")

// An AdapterError wraps a failed adapter call with enough context to diagnose
// it from the event timeline.
type AdapterError struct {
	DeviceID string
	Op       string
	Timeout  bool
	Err      error
}

func (e *AdapterError) Error() string {
	kind := "error"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s: %s %s: %v", e.DeviceID, e.Op, kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// An Adapter translates the uniform control contract into a device-class
// specific wire protocol. Implementations live outside this module; tests use
// fakes.
type Adapter interface {
	GetTelemetry(ctx context.Context) (device.TelemetryPoint, error)
	GetCapabilities() device.Capabilities
	SetMode(ctx context.Context, mode device.Mode) error
	SwitchPool(ctx context.Context, pool device.PoolConfig) error
}

// Driver builds an Adapter for one device. Adapter packages register their
// driver per device class, like database/sql drivers.
type Driver func(device.Device) (Adapter, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[device.Class]Driver)
)

// RegisterDriver makes an adapter constructor available for a device class.
func RegisterDriver(class device.Class, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[class] = driver
}

func lookupDriver(class device.Class) (Driver, bool) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[class]
	return d, ok
}

// Entry is one registered device: its inventory record, its adapter and the
// last telemetry reading the poller cached for it.
type Entry struct {
	Device        device.Device
	Adapter       Adapter
	LastTelemetry device.TelemetryPoint
	LastSeen      time.Time
}

// Registry holds the device fleet. Command calls are bounded by a per-call
// timeout and paced by a shared rate limiter so a burst of band transitions
// cannot trigger a pool-reconnect storm.
type Registry struct {
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

const DefaultCommandTimeout = 15 * time.Second

func New(commandTimeout time.Duration, limiter *rate.Limiter, logger *slog.Logger) *Registry {
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 5)
	}
	return &Registry{
		timeout: commandTimeout,
		limiter: limiter,
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

// Register adds a device using its class driver.
func (r *Registry) Register(dev device.Device) error {
	driver, ok := lookupDriver(dev.Class)
	if !ok {
		return fmt.Errorf("no driver for device class %q", dev.Class)
	}
	adapter, err := driver(dev)
	if err != nil {
		return fmt.Errorf("driver %q: %w", dev.Class, err)
	}
	r.RegisterAdapter(dev, adapter)
	return nil
}

// RegisterAdapter adds a device with an explicit adapter.
func (r *Registry) RegisterAdapter(dev device.Device, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[dev.ID] = &Entry{Device: dev, Adapter: adapter}
	r.logger.Debug("device registered", slog.String("device", dev.ID), slog.String("class", string(dev.Class)))
}

// Deregister removes a device.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns the entry for a device id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Devices lists all registered devices.
func (r *Registry) Devices() []device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]device.Device, 0, len(r.entries))
	for _, e := range r.entries {
		devices = append(devices, e.Device)
	}
	return devices
}

// UpdateTelemetry caches the latest reading for a device. Called by the
// poller only.
func (r *Registry) UpdateTelemetry(id string, tp device.TelemetryPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.LastTelemetry = tp
		e.LastSeen = tp.Timestamp
	}
}

// ReadTelemetry fetches a fresh reading from the device, bounded by the
// command timeout.
func (r *Registry) ReadTelemetry(ctx context.Context, id string) (device.TelemetryPoint, error) {
	e, ok := r.Get(id)
	if !ok {
		return device.TelemetryPoint{}, ErrUnknownDevice
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	tp, err := e.Adapter.GetTelemetry(ctx)
	if err != nil {
		return device.TelemetryPoint{}, r.wrap(id, "get_telemetry", err)
	}
	return tp, nil
}

// SetMode applies a mode to one device. A mode outside the adapter's
// capability set is rejected locally with ErrUnsupportedMode.
func (r *Registry) SetMode(ctx context.Context, id string, mode device.Mode) error {
	e, ok := r.Get(id)
	if !ok {
		return ErrUnknownDevice
	}
	if !e.Adapter.GetCapabilities().SupportsMode(mode) {
		return fmt.Errorf("%w: %s does not support %q", ErrUnsupportedMode, id, mode)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := e.Adapter.SetMode(ctx, mode); err != nil {
		return r.wrap(id, "set_mode", err)
	}
	return nil
}

// SwitchPool points one device at a different pool.
func (r *Registry) SwitchPool(ctx context.Context, id string, pool device.PoolConfig) error {
	e, ok := r.Get(id)
	if !ok {
		return ErrUnknownDevice
	}
	if !e.Adapter.GetCapabilities().SupportsPoolSwitch {
		return fmt.Errorf("%w: %s does not support pool switching", ErrUnsupportedMode, id)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := e.Adapter.SwitchPool(ctx, pool); err != nil {
		return r.wrap(id, "switch_pool", err)
	}
	return nil
}

func (r *Registry) wrap(id, op string, err error) error {
	return &AdapterError{
		DeviceID: id,
		Op:       op,
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Err:      err,
	}
}
