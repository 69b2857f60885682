// Package rules implements the general automation-rule evaluator: triggers
// are pure predicates over a snapshot of telemetry, price and pool health;
// actions go through the adapter registry. A rule targeting a device enrolled
// in an active strategy is skipped unless it only sends an alert: strategy
// authority over enrolled devices is a hard invariant.
package rules

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/clambin/go-common/set"
	json "github.com/goccy/go-json"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/event"
	"github.com/minerhive/minerhive/internal/registry"
)

// Store is the persistence the evaluator needs. Execution metadata is
// single-writer (the evaluator).
type Store interface {
	EnabledRules(ctx context.Context) ([]Rule, error)
	RecordExecution(ctx context.Context, id int64, at time.Time, execContext string) error
	DisableRule(ctx context.Context, id int64) error
}

// Fleet is the slice of the adapter registry the evaluator uses.
type Fleet interface {
	Get(id string) (registry.Entry, bool)
	Devices() []device.Device
	Apply(ctx context.Context, commands []registry.Command) []registry.Result
}

// PriceSource answers the current-slot lookup.
type PriceSource interface {
	CurrentSlot(now time.Time) (agile.Slot, error)
}

// StrategyInfo reports which devices are owned by an active strategy.
type StrategyInfo interface {
	ActiveEnrollments(ctx context.Context) ([]string, error)
}

type Evaluator struct {
	store     Store
	fleet     Fleet
	prices    PriceSource
	strategy  StrategyInfo
	sink      event.Sink
	staleness time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

func NewEvaluator(store Store, fleet Fleet, prices PriceSource, strategy StrategyInfo, sink event.Sink, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:     store,
		fleet:     fleet,
		prices:    prices,
		strategy:  strategy,
		sink:      sink,
		staleness: DefaultStaleness,
		clock:     time.Now,
		logger:    logger,
	}
}

// WithClock overrides the time source. Used by tests.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Evaluate runs one rule tick: it builds a snapshot, then walks all enabled
// rules in (priority desc, id asc) order. Per-rule failures are contained;
// the tick itself never aborts because one rule failed.
func (e *Evaluator) Evaluate(ctx context.Context) error {
	ruleSet, err := e.store.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if len(ruleSet) == 0 {
		return nil
	}
	slices.SortFunc(ruleSet, func(a, b Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	snap, err := e.buildSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}

	for _, rule := range ruleSet {
		e.evaluateRule(ctx, rule, snap)
	}
	return nil
}

func (e *Evaluator) buildSnapshot(ctx context.Context) (Snapshot, error) {
	now := e.clock()
	snap := Snapshot{
		Now:       now,
		Devices:   make(map[string]device.Device),
		Telemetry: make(map[string]device.TelemetryPoint),
		Staleness: e.staleness,
		Enrolled:  set.New[string](),
	}

	for _, dev := range e.fleet.Devices() {
		snap.Devices[dev.ID] = dev
		if entry, ok := e.fleet.Get(dev.ID); ok && !entry.LastSeen.IsZero() {
			snap.Telemetry[dev.ID] = entry.LastTelemetry
		}
	}

	slot, err := e.prices.CurrentSlot(now)
	switch {
	case errors.Is(err, agile.ErrNoSlot):
	case errors.Is(err, agile.ErrStale):
		snap.Price, snap.PriceStale = &slot, true
	case err != nil:
		return Snapshot{}, err
	default:
		snap.Price = &slot
	}

	enrolled, err := e.strategy.ActiveEnrollments(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Enrolled = set.New[string](enrolled...)
	return snap, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule Rule, snap Snapshot) {
	// a rule referencing a device that no longer exists is disabled, never
	// silently dropped
	for _, id := range []string{rule.Trigger.DeviceID(), rule.Action.DeviceID()} {
		if id == "" {
			continue
		}
		if _, ok := snap.Devices[id]; !ok {
			e.disableRule(ctx, rule, id)
			return
		}
	}

	if !rule.Trigger.Matches(snap) {
		return
	}

	if target := rule.Action.DeviceID(); target != "" && snap.Enrolled.Contains(target) {
		// alerts never conflict with the strategy; everything else does
		e.sink.Emit(ctx, event.New(event.KindStrategyConflict, target,
			fmt.Sprintf("rule %q skipped: device %s is enrolled in an active strategy", rule.Name, target),
			map[string]any{"rule": rule.ID}))
		return
	}

	if err := e.execute(ctx, rule, snap); err != nil {
		e.sink.Emit(ctx, event.New(event.KindAdapterFailure, rule.Action.DeviceID(),
			fmt.Sprintf("rule %q action failed: %v", rule.Name, err),
			map[string]any{"rule": rule.ID, "err": err.Error()}))
		return
	}

	e.recordExecution(ctx, rule, snap)
}

func (e *Evaluator) execute(ctx context.Context, rule Rule, snap Snapshot) error {
	switch rule.Action.Kind {
	case ActionApplyMode:
		a := rule.Action.ApplyMode
		results := e.fleet.Apply(ctx, []registry.Command{{DeviceID: a.DeviceID, Mode: a.Mode}})
		return results[0].Err

	case ActionSwitchPool:
		a := rule.Action.SwitchPool
		results := e.fleet.Apply(ctx, []registry.Command{{DeviceID: a.DeviceID, Pool: &a.Pool}})
		return results[0].Err

	case ActionSendAlert:
		e.sink.Emit(ctx, event.New(event.KindAlert, rule.Trigger.DeviceID(),
			rule.Action.SendAlert.Message,
			map[string]any{"rule": rule.ID}))
		return nil

	default:
		e.sink.Emit(ctx, event.New(event.KindConfigGap, "rules",
			fmt.Sprintf("rule %q has unknown action kind %q", rule.Name, rule.Action.Kind),
			map[string]any{"rule": rule.ID}))
		return nil
	}
}

func (e *Evaluator) recordExecution(ctx context.Context, rule Rule, snap Snapshot) {
	execCtx := map[string]any{"trigger": rule.Trigger.Kind, "action": rule.Action.Kind}
	if snap.Price != nil {
		execCtx["price"] = snap.Price.PricePence
	}
	encoded, _ := json.Marshal(execCtx)

	if err := e.store.RecordExecution(ctx, rule.ID, snap.Now, string(encoded)); err != nil {
		e.logger.Error("failed to record rule execution", slog.Int64("rule", rule.ID), slog.Any("err", err))
	}
	e.sink.Emit(ctx, event.New(event.KindRuleExecuted, rule.Action.DeviceID(),
		fmt.Sprintf("rule %q executed", rule.Name),
		map[string]any{"rule": rule.ID}))
}

func (e *Evaluator) disableRule(ctx context.Context, rule Rule, missingDevice string) {
	if err := e.store.DisableRule(ctx, rule.ID); err != nil {
		e.logger.Error("failed to disable rule", slog.Int64("rule", rule.ID), slog.Any("err", err))
		return
	}
	e.sink.Emit(ctx, event.New(event.KindRuleDisabled, missingDevice,
		fmt.Sprintf("rule %q disabled: device %s no longer exists", rule.Name, missingDevice),
		map[string]any{"rule": rule.ID}))
}
