// Package strategy implements the price-driven mining strategy: a band table
// over the Agile tariff, asymmetric hysteresis, and dispatch of mode/pool
// commands to enrolled devices.
//
// Price increases are acted on immediately; price drops are only committed
// once the next slot confirms them and the minimum dwell time has elapsed.
// Reacting instantly to every dip causes mode flapping and pool reconnect
// storms, while delaying reaction to a price increase costs real money.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/event"
	"github.com/minerhive/minerhive/internal/registry"
)

// DefaultMinDwell is the minimum time spent in a band before a transition to
// a cheaper band can commit: two half-hour slots.
const DefaultMinDwell = time.Hour

// Store is the persistence the engine needs. State is single-writer (the
// engine); bands and enrollments are edited by the user and read-only here.
type Store interface {
	StrategyState(ctx context.Context) (State, error)
	SaveStrategyState(ctx context.Context, s State) error
	Bands(ctx context.Context) (Bands, error)
	Enrollments(ctx context.Context) ([]string, error)
}

// PriceSource answers slot lookups. A stale timeline is signaled with
// agile.ErrStale alongside the cached slot.
type PriceSource interface {
	CurrentSlot(now time.Time) (agile.Slot, error)
	NextSlot(now time.Time) (agile.Slot, error)
}

// Commander is the slice of the adapter registry the engine uses.
type Commander interface {
	Get(id string) (registry.Entry, bool)
	Apply(ctx context.Context, commands []registry.Command) []registry.Result
}

type Engine struct {
	store    Store
	prices   PriceSource
	registry Commander
	sink     event.Sink
	minDwell time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

func New(store Store, prices PriceSource, reg Commander, sink event.Sink, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		prices:   prices,
		registry: reg,
		sink:     sink,
		minDwell: DefaultMinDwell,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithMinDwell overrides the minimum dwell time.
func (e *Engine) WithMinDwell(d time.Duration) *Engine {
	if d > 0 {
		e.minDwell = d
	}
	return e
}

// WithClock overrides the time source. Used by tests and the eval command.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// ActiveEnrollments returns the ids of devices owned by the strategy while it
// is enabled. The rule evaluator uses this for conflict prevention.
func (e *Engine) ActiveEnrollments(ctx context.Context) ([]string, error) {
	state, err := e.store.StrategyState(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Enabled {
		return nil, nil
	}
	return e.store.Enrollments(ctx)
}

// Evaluate runs one strategy tick. The scheduler guarantees ticks of the same
// strategy never overlap, so the read-decide-write sequence is atomic with
// respect to other ticks.
func (e *Engine) Evaluate(ctx context.Context) error {
	state, err := e.store.StrategyState(ctx)
	if err != nil {
		return fmt.Errorf("load strategy state: %w", err)
	}
	if !state.Enabled {
		e.logger.Debug("strategy disabled, skipping evaluation")
		return nil
	}

	now := e.clock()
	current, err := e.prices.CurrentSlot(now)
	if errors.Is(err, agile.ErrNoSlot) {
		// a missing price must never trigger an action
		e.logger.Warn("no current price slot, skipping evaluation")
		return nil
	}
	stale := errors.Is(err, agile.ErrStale)
	if err != nil && !stale {
		return fmt.Errorf("current slot: %w", err)
	}

	state.LastPriceChecked = current.PricePence
	state.LastCheckedAt = now

	if stale {
		// a stale price must never trigger an action either: record the tick
		// and wait for the feed to recover.
		e.sink.Emit(ctx, event.New(event.KindStalePrice, "strategy",
			fmt.Sprintf("price feed is stale, holding at current band (last price %.2fp)", current.PricePence),
			map[string]any{"price": current.PricePence}))
		return e.store.SaveStrategyState(ctx, state)
	}

	bands, err := e.store.Bands(ctx)
	if err != nil {
		return fmt.Errorf("load bands: %w", err)
	}
	bands = bands.Sorted()
	if len(bands) == 0 {
		e.sink.Emit(ctx, event.New(event.KindConfigGap, "strategy", "no bands configured", nil))
		return e.store.SaveStrategyState(ctx, state)
	}

	decision := e.decide(ctx, &state, bands, current, now)
	if decision.commit {
		state.CurrentBand = decision.band.SortOrder
		state.HasBand = true
		state.HysteresisCounter = 0
		state.LastActionTime = now
		e.sink.Emit(ctx, event.New(event.KindBandTransition, "strategy",
			fmt.Sprintf("switching to band %q at %.2fp (%s)", decision.band.Name, current.PricePence, decision.reason),
			map[string]any{
				"band":   decision.band.Name,
				"price":  current.PricePence,
				"reason": decision.reason,
			}))
		e.dispatch(ctx, decision.band)
	}

	if err := e.store.SaveStrategyState(ctx, state); err != nil {
		return fmt.Errorf("save strategy state: %w", err)
	}
	return nil
}

type decision struct {
	band   Band
	commit bool
	reason string
}

// decide compares the proposed band to the current one and applies the
// asymmetric hysteresis rules. It mutates only the hysteresis counter; the
// caller applies committed transitions.
func (e *Engine) decide(ctx context.Context, state *State, bands Bands, current agile.Slot, now time.Time) decision {
	proposed, proposedIdx, gap := bands.Lookup(current.PricePence)
	if gap {
		e.sink.Emit(ctx, event.New(event.KindConfigGap, "strategy",
			fmt.Sprintf("no band covers %.2fp, falling back to band %q", current.PricePence, proposed.Name),
			map[string]any{"price": current.PricePence, "band": proposed.Name}))
	}

	currentIdx := -1
	if state.HasBand {
		currentIdx = slices.IndexFunc(bands, func(b Band) bool { return b.SortOrder == state.CurrentBand })
	}
	if currentIdx == -1 {
		// first evaluation, or the active band was deleted: adopt the
		// proposed band without hysteresis.
		return decision{band: proposed, commit: true, reason: "no active band"}
	}

	switch {
	case proposedIdx == currentIdx:
		state.HysteresisCounter = 0
		return decision{}

	case proposedIdx > currentIdx:
		// more expensive: act immediately, cost avoidance is never delayed
		return decision{band: proposed, commit: true, reason: "price increased"}

	default:
		// cheaper: wait for look-ahead confirmation and minimum dwell
		state.HysteresisCounter++
		if !e.confirmImprovement(bands, proposedIdx, now) {
			e.logger.Debug("improvement not confirmed by next slot, holding",
				slog.String("proposed", proposed.Name),
				slog.Int("counter", state.HysteresisCounter))
			return decision{}
		}
		if dwelt := now.Sub(state.LastActionTime); dwelt < e.minDwell {
			e.logger.Debug("minimum dwell time not elapsed, holding",
				slog.String("proposed", proposed.Name),
				slog.Duration("dwelt", dwelt))
			return decision{}
		}
		return decision{band: proposed, commit: true, reason: "price drop confirmed"}
	}
}

// confirmImprovement checks that the next slot's price lands in the proposed
// band or an even cheaper one. An unknown next slot never confirms.
func (e *Engine) confirmImprovement(bands Bands, proposedIdx int, now time.Time) bool {
	next, err := e.prices.NextSlot(now)
	if err != nil && !errors.Is(err, agile.ErrStale) {
		return false
	}
	_, nextIdx, _ := bands.Lookup(next.PricePence)
	return nextIdx <= proposedIdx
}

// dispatch applies the band's per-class mode (and pool, when it differs from
// the one in use) to every enrolled, capable device. Failures are contained
// per device: the transition is not rolled back and the next tick re-attempts
// whatever did not stick.
func (e *Engine) dispatch(ctx context.Context, band Band) {
	enrolled, err := e.store.Enrollments(ctx)
	if err != nil {
		e.logger.Error("failed to load enrollments", slog.Any("err", err))
		return
	}

	var commands []registry.Command
	for _, id := range enrolled {
		entry, ok := e.registry.Get(id)
		if !ok {
			e.logger.Warn("enrolled device not registered", slog.String("device", id))
			continue
		}
		cmd, ok := e.commandFor(ctx, entry, band)
		if !ok {
			continue
		}
		commands = append(commands, cmd)
	}

	for _, result := range e.registry.Apply(ctx, commands) {
		if result.Err == nil {
			continue
		}
		if errors.Is(result.Err, registry.ErrUnsupportedMode) {
			e.sink.Emit(ctx, event.New(event.KindActionSkipped, result.DeviceID,
				fmt.Sprintf("band %q: %v", band.Name, result.Err),
				map[string]any{"band": band.Name}))
			continue
		}
		e.sink.Emit(ctx, event.New(event.KindAdapterFailure, result.DeviceID,
			fmt.Sprintf("band %q: command failed: %v (will retry next tick)", band.Name, result.Err),
			map[string]any{"band": band.Name, "err": result.Err.Error()}))
	}
}

// commandFor resolves what, if anything, the band asks of one device.
func (e *Engine) commandFor(ctx context.Context, entry registry.Entry, band Band) (registry.Command, bool) {
	mode, configured := band.Mode(entry.Device.Class)
	if !configured {
		e.logger.Debug("band has no mode for class",
			slog.String("device", entry.Device.ID),
			slog.String("class", string(entry.Device.Class)))
		return registry.Command{}, false
	}
	if mode == device.ModeManagedExternally {
		e.sink.Emit(ctx, event.New(event.KindActionSkipped, entry.Device.ID,
			fmt.Sprintf("band %q: device is managed externally", band.Name),
			map[string]any{"band": band.Name}))
		return registry.Command{}, false
	}

	cmd := registry.Command{DeviceID: entry.Device.ID}
	caps := entry.Adapter.GetCapabilities()
	if caps.CanTune() {
		cmd.Mode = mode
	}
	if band.Pool != nil && caps.SupportsPoolSwitch && band.Pool.URL != entry.LastTelemetry.PoolInUse {
		cmd.Pool = band.Pool
	}
	if cmd.Mode == "" && cmd.Pool == nil {
		return registry.Command{}, false
	}
	return cmd, true
}
