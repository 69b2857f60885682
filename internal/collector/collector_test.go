package collector_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/collector"
	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/poller"
	"github.com/minerhive/minerhive/internal/registry"
	minertest "github.com/minerhive/minerhive/internal/testutil"
)

func TestCollector(t *testing.T) {
	reg := registry.New(100*time.Millisecond, rate.NewLimiter(rate.Inf, 1), slog.Default())

	garage := minertest.NewFakeAdapter(device.ModeEco)
	garage.Telemetry = device.TelemetryPoint{TemperatureC: 52, HashRate: 1.1e12, RejectRate: 0.01, PowerW: 14}
	attic := minertest.NewFakeAdapter(device.ModeEco)
	attic.FailWith = minertest.ErrScripted

	reg.RegisterAdapter(device.Device{ID: "bitaxe-1", Name: "garage bitaxe", Class: device.ClassBitaxe, Enabled: true}, garage)
	reg.RegisterAdapter(device.Device{ID: "nerdqaxe-1", Name: "attic nerdqaxe", Class: device.ClassNerdQaxe, Enabled: true}, attic)

	prices := &minertest.FixedPrices{Current: agile.Slot{Region: "H", PricePence: 18.5}}
	p := poller.New(reg, nil, prices, slog.Default())

	c := collector.Collector{Poller: p, Logger: slog.Default()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// wait for the collector to subscribe, then deliver one update
	require.Eventually(t, func() bool { return p.Subscribers() > 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, p.Poll(ctx))
	require.Eventually(t, func() bool { return testutil.CollectAndCount(&c) > 0 }, time.Second, 10*time.Millisecond)

	expected := `
# HELP minerhive_device_up 1 if the device answered the last telemetry poll
# TYPE minerhive_device_up gauge
minerhive_device_up{class="bitaxe",device="garage bitaxe"} 1
minerhive_device_up{class="nerdqaxe",device="attic nerdqaxe"} 0
# HELP minerhive_device_temperature_celsius Current device temperature in degrees celsius
# TYPE minerhive_device_temperature_celsius gauge
minerhive_device_temperature_celsius{class="bitaxe",device="garage bitaxe"} 52
# HELP minerhive_device_hashrate_hs Current device hash rate in hashes per second
# TYPE minerhive_device_hashrate_hs gauge
minerhive_device_hashrate_hs{class="bitaxe",device="garage bitaxe"} 1.1e+12
# HELP minerhive_device_reject_ratio Rejected shares as a fraction of total shares (0-1)
# TYPE minerhive_device_reject_ratio gauge
minerhive_device_reject_ratio{class="bitaxe",device="garage bitaxe"} 0.01
# HELP minerhive_device_power_watts Current device power draw in watts
# TYPE minerhive_device_power_watts gauge
minerhive_device_power_watts{class="bitaxe",device="garage bitaxe"} 14
# HELP minerhive_price_pence_per_kwh Current Agile electricity price in pence per kWh
# TYPE minerhive_price_pence_per_kwh gauge
minerhive_price_pence_per_kwh{region="H"} 18.5
# HELP minerhive_price_stale 1 if the price feed is serving cached data
# TYPE minerhive_price_stale gauge
minerhive_price_stale 0
`
	assert.NoError(t, testutil.CollectAndCompare(&c, strings.NewReader(expected)))
}

func TestCollector_NoUpdateYet(t *testing.T) {
	p := poller.New(registry.New(0, nil, slog.Default()), nil, nil, slog.Default())
	c := collector.Collector{Poller: p, Logger: slog.Default()}
	assert.Zero(t, testutil.CollectAndCount(&c))
}
