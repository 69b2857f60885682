// Package testutil provides the fakes shared by package tests: an adapter
// with scriptable failures, in-memory stores and a capturing event sink.
package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/event"
	"github.com/minerhive/minerhive/internal/rules"
	"github.com/minerhive/minerhive/internal/strategy"
)

// FakeAdapter implements registry.Adapter.
type FakeAdapter struct {
	Capabilities device.Capabilities
	Telemetry    device.TelemetryPoint
	FailWith     error // every call fails with this error when set
	Hang         bool  // block until the context is canceled

	mu        sync.Mutex
	Mode      device.Mode
	Pool      device.PoolConfig
	ModeCalls int
	PoolCalls int
	ReadCalls int
}

func NewFakeAdapter(modes ...device.Mode) *FakeAdapter {
	return &FakeAdapter{
		Capabilities: device.Capabilities{
			SupportedModes:     modes,
			SupportsPoolSwitch: true,
			HasPowerMetrics:    true,
		},
	}
}

func (f *FakeAdapter) GetCapabilities() device.Capabilities { return f.Capabilities }

func (f *FakeAdapter) GetTelemetry(ctx context.Context) (device.TelemetryPoint, error) {
	f.mu.Lock()
	f.ReadCalls++
	f.mu.Unlock()
	if err := f.maybeFail(ctx); err != nil {
		return device.TelemetryPoint{}, err
	}
	return f.Telemetry, nil
}

func (f *FakeAdapter) SetMode(ctx context.Context, mode device.Mode) error {
	f.mu.Lock()
	f.ModeCalls++
	f.mu.Unlock()
	if err := f.maybeFail(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.Mode = mode
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) SwitchPool(ctx context.Context, pool device.PoolConfig) error {
	f.mu.Lock()
	f.PoolCalls++
	f.mu.Unlock()
	if err := f.maybeFail(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.Pool = pool
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) CurrentMode() device.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Mode
}

func (f *FakeAdapter) maybeFail(ctx context.Context) error {
	if f.Hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.FailWith
}

// FakeSink captures emitted events.
type FakeSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (f *FakeSink) Emit(_ context.Context, ev event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *FakeSink) Events() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events)
}

func (f *FakeSink) Kinds() []event.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]event.Kind, len(f.events))
	for i, ev := range f.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// StrategyStore is an in-memory strategy.Store.
type StrategyStore struct {
	mu       sync.Mutex
	State    strategy.State
	BandSet  strategy.Bands
	Enrolled []string
}

func (s *StrategyStore) StrategyState(context.Context) (strategy.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, nil
}

func (s *StrategyStore) SaveStrategyState(_ context.Context, state strategy.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	return nil
}

func (s *StrategyStore) Bands(context.Context) (strategy.Bands, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.BandSet, nil
}

func (s *StrategyStore) Enrollments(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Enrolled), nil
}

// RuleStore is an in-memory rules.Store.
type RuleStore struct {
	mu       sync.Mutex
	RuleSet  []rules.Rule
	Disabled []int64
}

func (s *RuleStore) EnabledRules(context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rules.Rule
	for _, r := range s.RuleSet {
		if r.Enabled && !slices.Contains(s.Disabled, r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RuleStore) RecordExecution(_ context.Context, id int64, at time.Time, execContext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.RuleSet {
		if s.RuleSet[i].ID == id {
			s.RuleSet[i].LastExecutedAt = &at
			s.RuleSet[i].LastExecutionContext = execContext
		}
	}
	return nil
}

func (s *RuleStore) DisableRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disabled = append(s.Disabled, id)
	return nil
}

func (s *RuleStore) LastExecuted(id int64) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.RuleSet {
		if r.ID == id {
			return r.LastExecutedAt
		}
	}
	return nil
}

// FixedPrices is a canned strategy.PriceSource / rules.PriceSource.
type FixedPrices struct {
	Current agile.Slot
	Next    agile.Slot
	Err     error // returned alongside the slot (e.g. agile.ErrStale)
	NoSlot  bool
}

func (p FixedPrices) CurrentSlot(time.Time) (agile.Slot, error) {
	if p.NoSlot {
		return agile.Slot{}, agile.ErrNoSlot
	}
	return p.Current, p.Err
}

func (p FixedPrices) NextSlot(time.Time) (agile.Slot, error) {
	if p.NoSlot {
		return agile.Slot{}, agile.ErrNoSlot
	}
	return p.Next, p.Err
}

// FakeFetcher is a scriptable agile.Fetcher.
type FakeFetcher struct {
	mu    sync.Mutex
	Slots []agile.Slot
	Err   error
	Calls int
}

func (f *FakeFetcher) GetUnitRates(_ context.Context, _ agile.Region, _, _ time.Time) ([]agile.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return slices.Clone(f.Slots), nil
}

func (f *FakeFetcher) Set(slots []agile.Slot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Slots, f.Err = slots, err
}

// ErrScripted is handy for failure injection.
var ErrScripted = errors.New("scripted failure")
