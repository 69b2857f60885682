package rules_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/event"
	"github.com/minerhive/minerhive/internal/registry"
	"github.com/minerhive/minerhive/internal/rules"
	"github.com/minerhive/minerhive/internal/testutil"
)

func ptr(f float64) *float64 { return &f }

type strategyStub struct {
	enrolled []string
}

func (s strategyStub) ActiveEnrollments(context.Context) ([]string, error) {
	return s.enrolled, nil
}

type harness struct {
	evaluator *rules.Evaluator
	store     *testutil.RuleStore
	prices    *testutil.FixedPrices
	sink      *testutil.FakeSink
	reg       *registry.Registry
	adapter   *testutil.FakeAdapter
	now       time.Time
}

func newHarness(t *testing.T, enrolled ...string) *harness {
	t.Helper()
	h := &harness{
		store:   &testutil.RuleStore{},
		prices:  &testutil.FixedPrices{},
		sink:    &testutil.FakeSink{},
		adapter: testutil.NewFakeAdapter(device.ModeOff, device.ModeEco, device.ModeStandard),
		now:     time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC),
	}
	h.reg = registry.New(time.Second, nil, slog.Default())
	h.reg.RegisterAdapter(device.Device{ID: "bitaxe-1", Class: device.ClassBitaxe, Enabled: true}, h.adapter)
	h.reg.UpdateTelemetry("bitaxe-1", device.TelemetryPoint{
		DeviceID:     "bitaxe-1",
		Timestamp:    h.now.Add(-time.Minute),
		TemperatureC: 55,
		RejectRate:   0.01,
	})
	h.prices.Current = agile.Slot{Region: "H", From: h.now.Truncate(30 * time.Minute), To: h.now.Truncate(30 * time.Minute).Add(30 * time.Minute), PricePence: 15}
	h.evaluator = rules.NewEvaluator(h.store, h.reg, h.prices, strategyStub{enrolled: enrolled}, h.sink, slog.Default()).
		WithClock(func() time.Time { return h.now })
	return h
}

func overheatRule(id int64, priority int, mode device.Mode) rules.Rule {
	return rules.Rule{
		ID:       id,
		Name:     "overheat",
		Enabled:  true,
		Priority: priority,
		Trigger: rules.Trigger{
			Kind:           rules.TriggerDeviceOverheat,
			DeviceOverheat: &rules.DeviceOverheatTrigger{DeviceID: "bitaxe-1", MaxTempC: 50},
		},
		Action: rules.Action{
			Kind:      rules.ActionApplyMode,
			ApplyMode: &rules.ApplyModeAction{DeviceID: "bitaxe-1", Mode: mode},
		},
	}
}

func TestEvaluator_OverheatAppliesMode(t *testing.T) {
	h := newHarness(t)
	h.store.RuleSet = []rules.Rule{overheatRule(1, 0, device.ModeEco)}

	require.NoError(t, h.evaluator.Evaluate(context.Background()))

	assert.Equal(t, device.ModeEco, h.adapter.CurrentMode())
	assert.NotNil(t, h.store.LastExecuted(1))
	assert.Contains(t, h.sink.Kinds(), event.KindRuleExecuted)
}

func TestEvaluator_PriorityOrderIsDeterministic(t *testing.T) {
	h := newHarness(t)
	// both rules match; the higher-priority one runs last-writer-wins on the
	// same device, so execution order is observable through the final mode
	h.store.RuleSet = []rules.Rule{
		overheatRule(1, 10, device.ModeOff),
		overheatRule(2, 20, device.ModeEco),
	}

	require.NoError(t, h.evaluator.Evaluate(context.Background()))

	// priority 20 runs first, priority 10 runs second
	assert.Equal(t, device.ModeOff, h.adapter.CurrentMode())
	assert.NotNil(t, h.store.LastExecuted(1))
	assert.NotNil(t, h.store.LastExecuted(2))
}

func TestEvaluator_StrategyConflictSkipsButAllowsAlerts(t *testing.T) {
	h := newHarness(t, "bitaxe-1")
	alert := rules.Rule{
		ID: 2, Name: "too hot", Enabled: true,
		Trigger: rules.Trigger{
			Kind:           rules.TriggerDeviceOverheat,
			DeviceOverheat: &rules.DeviceOverheatTrigger{DeviceID: "bitaxe-1", MaxTempC: 50},
		},
		Action: rules.Action{
			Kind:      rules.ActionSendAlert,
			SendAlert: &rules.SendAlertAction{Message: "bitaxe-1 is overheating"},
		},
	}
	h.store.RuleSet = []rules.Rule{overheatRule(1, 10, device.ModeEco), alert}

	require.NoError(t, h.evaluator.Evaluate(context.Background()))

	assert.Zero(t, h.adapter.ModeCalls, "mode action must be skipped for an enrolled device")
	assert.Nil(t, h.store.LastExecuted(1))
	kinds := h.sink.Kinds()
	assert.Contains(t, kinds, event.KindStrategyConflict)
	assert.Contains(t, kinds, event.KindAlert, "alerts never conflict with the strategy")
	assert.NotNil(t, h.store.LastExecuted(2))
}

func TestEvaluator_MissingDeviceDisablesRule(t *testing.T) {
	h := newHarness(t)
	rule := overheatRule(1, 0, device.ModeEco)
	rule.Trigger.DeviceOverheat.DeviceID = "gone"
	rule.Action.ApplyMode.DeviceID = "gone"
	h.store.RuleSet = []rules.Rule{rule}

	require.NoError(t, h.evaluator.Evaluate(context.Background()))

	assert.Contains(t, h.store.Disabled, int64(1))
	assert.Contains(t, h.sink.Kinds(), event.KindRuleDisabled)

	// disabled, not silently dropped: it no longer evaluates
	require.NoError(t, h.evaluator.Evaluate(context.Background()))
	assert.Len(t, h.sink.Events(), 1)
}

func TestEvaluator_PriceThreshold(t *testing.T) {
	h := newHarness(t)
	h.store.RuleSet = []rules.Rule{{
		ID: 1, Name: "expensive", Enabled: true,
		Trigger: rules.Trigger{
			Kind:           rules.TriggerPriceThreshold,
			PriceThreshold: &rules.PriceThresholdTrigger{AbovePence: ptr(20)},
		},
		Action: rules.Action{
			Kind:      rules.ActionApplyMode,
			ApplyMode: &rules.ApplyModeAction{DeviceID: "bitaxe-1", Mode: device.ModeOff},
		},
	}}

	// 15p: below threshold, no action
	require.NoError(t, h.evaluator.Evaluate(context.Background()))
	assert.Zero(t, h.adapter.ModeCalls)

	h.prices.Current.PricePence = 25
	require.NoError(t, h.evaluator.Evaluate(context.Background()))
	assert.Equal(t, device.ModeOff, h.adapter.CurrentMode())
}

func TestEvaluator_DeviceOfflineTrigger(t *testing.T) {
	h := newHarness(t)
	h.store.RuleSet = []rules.Rule{{
		ID: 1, Name: "offline", Enabled: true,
		Trigger: rules.Trigger{
			Kind:          rules.TriggerDeviceOffline,
			DeviceOffline: &rules.DeviceOfflineTrigger{DeviceID: "bitaxe-1", OfflineFor: 600},
		},
		Action: rules.Action{
			Kind:      rules.ActionSendAlert,
			SendAlert: &rules.SendAlertAction{Message: "bitaxe-1 is offline"},
		},
	}}

	// telemetry is one minute old: online
	require.NoError(t, h.evaluator.Evaluate(context.Background()))
	assert.NotContains(t, h.sink.Kinds(), event.KindAlert)

	h.now = h.now.Add(time.Hour)
	require.NoError(t, h.evaluator.Evaluate(context.Background()))
	assert.Contains(t, h.sink.Kinds(), event.KindAlert)
}

func TestEvaluator_PoolFailureSwitchesPool(t *testing.T) {
	h := newHarness(t)
	h.reg.UpdateTelemetry("bitaxe-1", device.TelemetryPoint{
		DeviceID:   "bitaxe-1",
		Timestamp:  h.now.Add(-time.Minute),
		RejectRate: 0.4,
	})
	backup := device.PoolConfig{URL: "stratum+tcp://backup:3333", Asset: "BTC"}
	h.store.RuleSet = []rules.Rule{{
		ID: 1, Name: "pool failover", Enabled: true,
		Trigger: rules.Trigger{
			Kind:        rules.TriggerPoolFailure,
			PoolFailure: &rules.PoolFailureTrigger{DeviceID: "bitaxe-1", MaxRejectRate: 0.25},
		},
		Action: rules.Action{
			Kind:       rules.ActionSwitchPool,
			SwitchPool: &rules.SwitchPoolAction{DeviceID: "bitaxe-1", Pool: backup},
		},
	}}

	require.NoError(t, h.evaluator.Evaluate(context.Background()))

	assert.Equal(t, 1, h.adapter.PoolCalls)
	assert.Equal(t, backup, h.adapter.Pool)
}
