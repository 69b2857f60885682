package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/registry"
	"github.com/minerhive/minerhive/internal/testutil"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(100*time.Millisecond, rate.NewLimiter(rate.Inf, 1), slog.Default())
}

func TestRegistry_RegisterViaDriver(t *testing.T) {
	adapter := testutil.NewFakeAdapter(device.ModeEco)
	registry.RegisterDriver(device.Class("test-class"), func(device.Device) (registry.Adapter, error) {
		return adapter, nil
	})

	r := newRegistry(t)
	require.NoError(t, r.Register(device.Device{ID: "dev-1", Class: "test-class"}))
	assert.Error(t, r.Register(device.Device{ID: "dev-2", Class: "no-such-class"}))

	entry, ok := r.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, adapter, entry.Adapter)
	assert.Len(t, r.Devices(), 1)

	r.Deregister("dev-1")
	_, ok = r.Get("dev-1")
	assert.False(t, ok)
}

func TestRegistry_SetModeRejectsUnsupportedLocally(t *testing.T) {
	r := newRegistry(t)
	adapter := testutil.NewFakeAdapter(device.ModeOff, device.ModeEco)
	r.RegisterAdapter(device.Device{ID: "dev-1"}, adapter)

	err := r.SetMode(context.Background(), "dev-1", device.ModeMaxPower)
	assert.ErrorIs(t, err, registry.ErrUnsupportedMode)
	assert.Zero(t, adapter.ModeCalls, "the device must never be contacted")

	require.NoError(t, r.SetMode(context.Background(), "dev-1", device.ModeEco))
	assert.Equal(t, device.ModeEco, adapter.CurrentMode())
}

func TestRegistry_UnknownDevice(t *testing.T) {
	r := newRegistry(t)

	assert.ErrorIs(t, r.SetMode(context.Background(), "ghost", device.ModeEco), registry.ErrUnknownDevice)
	assert.ErrorIs(t, r.SwitchPool(context.Background(), "ghost", device.PoolConfig{}), registry.ErrUnknownDevice)
	_, err := r.ReadTelemetry(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrUnknownDevice)
}

func TestRegistry_TimeoutIsMarked(t *testing.T) {
	r := newRegistry(t)
	adapter := testutil.NewFakeAdapter(device.ModeEco)
	adapter.Hang = true
	r.RegisterAdapter(device.Device{ID: "dev-1"}, adapter)

	err := r.SetMode(context.Background(), "dev-1", device.ModeEco)
	var adapterErr *registry.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.True(t, adapterErr.Timeout)
	assert.Equal(t, "dev-1", adapterErr.DeviceID)
	assert.Equal(t, "set_mode", adapterErr.Op)
}

func TestRegistry_AdapterFailureIsWrapped(t *testing.T) {
	r := newRegistry(t)
	adapter := testutil.NewFakeAdapter(device.ModeEco)
	adapter.FailWith = testutil.ErrScripted
	r.RegisterAdapter(device.Device{ID: "dev-1"}, adapter)

	_, err := r.ReadTelemetry(context.Background(), "dev-1")
	var adapterErr *registry.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.False(t, adapterErr.Timeout)
	assert.ErrorIs(t, err, testutil.ErrScripted)
}

func TestRegistry_SwitchPoolNeedsCapability(t *testing.T) {
	r := newRegistry(t)
	adapter := testutil.NewFakeAdapter(device.ModeEco)
	adapter.Capabilities.SupportsPoolSwitch = false
	r.RegisterAdapter(device.Device{ID: "dev-1"}, adapter)

	err := r.SwitchPool(context.Background(), "dev-1", device.PoolConfig{URL: "stratum+tcp://pool:3333"})
	assert.ErrorIs(t, err, registry.ErrUnsupportedMode)
	assert.Zero(t, adapter.PoolCalls)
}

func TestRegistry_UpdateTelemetryCachesReading(t *testing.T) {
	r := newRegistry(t)
	r.RegisterAdapter(device.Device{ID: "dev-1"}, testutil.NewFakeAdapter(device.ModeEco))

	ts := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	r.UpdateTelemetry("dev-1", device.TelemetryPoint{DeviceID: "dev-1", Timestamp: ts, HashRate: 1.2e12})

	entry, ok := r.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, ts, entry.LastSeen)
	assert.Equal(t, 1.2e12, entry.LastTelemetry.HashRate)

	// readings for unknown devices are dropped
	r.UpdateTelemetry("ghost", device.TelemetryPoint{DeviceID: "ghost"})
	_, ok = r.Get("ghost")
	assert.False(t, ok)
}

func TestRegistry_ApplyIsolatesFailures(t *testing.T) {
	r := newRegistry(t)
	good := testutil.NewFakeAdapter(device.ModeOff, device.ModeEco)
	bad := testutil.NewFakeAdapter(device.ModeOff, device.ModeEco)
	bad.FailWith = testutil.ErrScripted
	r.RegisterAdapter(device.Device{ID: "good"}, good)
	r.RegisterAdapter(device.Device{ID: "bad"}, bad)

	pool := device.PoolConfig{URL: "stratum+tcp://pool:3333"}
	results := r.Apply(context.Background(), []registry.Command{
		{DeviceID: "good", Mode: device.ModeEco, Pool: &pool},
		{DeviceID: "bad", Mode: device.ModeEco},
		{DeviceID: "ghost", Mode: device.ModeEco},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "good", results[0].DeviceID)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, device.ModeEco, good.CurrentMode())
	assert.Equal(t, pool, good.Pool)

	assert.ErrorIs(t, results[1].Err, testutil.ErrScripted)
	assert.True(t, errors.Is(results[2].Err, registry.ErrUnknownDevice))
}
