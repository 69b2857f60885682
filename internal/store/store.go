// Package store is the Postgres persistence layer. Each engine component
// declares the interface it consumes; Store implements them all.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/internal/event"
	"github.com/minerhive/minerhive/internal/rules"
	"github.com/minerhive/minerhive/internal/strategy"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Connect opens a pool against dsn and applies migrations.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return New(pool, logger), nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Devices returns the device inventory. The records are owned by the web
// application; this daemon reads them only.
func (s *Store) Devices(ctx context.Context) ([]device.Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, class, current_mode, enabled FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []device.Device
	for rows.Next() {
		var d device.Device
		if err = rows.Scan(&d.ID, &d.Name, &d.Class, &d.CurrentMode, &d.Enabled); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// price slots

var _ agile.Store = (*Store)(nil)

func (s *Store) UpsertSlots(ctx context.Context, slots []agile.Slot) error {
	batch := &pgx.Batch{}
	for _, slot := range slots {
		batch.Queue(`
			INSERT INTO price_slots (region, valid_from, valid_to, price_pence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (region, valid_from) DO UPDATE SET valid_to = $3, price_pence = $4`,
			slot.Region, slot.From, slot.To, slot.PricePence)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Store) PriceTimeline(ctx context.Context, region agile.Region, from, to time.Time) ([]agile.Slot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT region, valid_from, valid_to, price_pence FROM price_slots
		WHERE region = $1 AND valid_to > $2 AND valid_from < $3
		ORDER BY valid_from`,
		region, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []agile.Slot
	for rows.Next() {
		var slot agile.Slot
		if err = rows.Scan(&slot.Region, &slot.From, &slot.To, &slot.PricePence); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (s *Store) PruneSlots(ctx context.Context, region agile.Region, before time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM price_slots WHERE region = $1 AND valid_to < $2`, region, before)
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// telemetry

func (s *Store) SaveTelemetry(ctx context.Context, points []device.TelemetryPoint) error {
	batch := &pgx.Batch{}
	for _, tp := range points {
		batch.Queue(`
			INSERT INTO telemetry (device_id, ts, temperature, hashrate, reject_rate, power_w, pool_in_use)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (device_id, ts) DO NOTHING`,
			tp.DeviceID, tp.Timestamp, tp.TemperatureC, tp.HashRate, tp.RejectRate, tp.PowerW, tp.PoolInUse)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Store) LatestTelemetry(ctx context.Context, deviceID string) (device.TelemetryPoint, error) {
	var tp device.TelemetryPoint
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, ts, temperature, hashrate, reject_rate, power_w, pool_in_use
		FROM telemetry WHERE device_id = $1 ORDER BY ts DESC LIMIT 1`,
		deviceID).
		Scan(&tp.DeviceID, &tp.Timestamp, &tp.TemperatureC, &tp.HashRate, &tp.RejectRate, &tp.PowerW, &tp.PoolInUse)
	return tp, err
}

func (s *Store) PruneTelemetry(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM telemetry WHERE ts < $1`, before)
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// strategy

var _ strategy.Store = (*Store)(nil)

func (s *Store) StrategyState(ctx context.Context) (strategy.State, error) {
	var state strategy.State
	var lastAction, lastChecked *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT enabled, current_band, has_band, hysteresis_counter, last_action_time, last_price_checked, last_checked_at
		FROM strategy_state WHERE id = 1`).
		Scan(&state.Enabled, &state.CurrentBand, &state.HasBand, &state.HysteresisCounter,
			&lastAction, &state.LastPriceChecked, &lastChecked)
	if err != nil {
		return strategy.State{}, err
	}
	if lastAction != nil {
		state.LastActionTime = *lastAction
	}
	if lastChecked != nil {
		state.LastCheckedAt = *lastChecked
	}
	return state, nil
}

func (s *Store) SaveStrategyState(ctx context.Context, state strategy.State) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE strategy_state
		SET enabled = $1, current_band = $2, has_band = $3, hysteresis_counter = $4,
		    last_action_time = $5, last_price_checked = $6, last_checked_at = $7
		WHERE id = 1`,
		state.Enabled, state.CurrentBand, state.HasBand, state.HysteresisCounter,
		nullTime(state.LastActionTime), state.LastPriceChecked, nullTime(state.LastCheckedAt))
	return err
}

func (s *Store) SetStrategyEnabled(ctx context.Context, enabled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE strategy_state SET enabled = $1 WHERE id = 1`, enabled)
	return err
}

func (s *Store) Bands(ctx context.Context) (strategy.Bands, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sort_order, name, min_price, max_price, target_asset, mode_by_class, pool
		FROM strategy_bands ORDER BY sort_order`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bands strategy.Bands
	for rows.Next() {
		var band strategy.Band
		var modeByClass []byte
		var pool []byte
		if err = rows.Scan(&band.SortOrder, &band.Name, &band.MinPrice, &band.MaxPrice,
			&band.TargetAsset, &modeByClass, &pool); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(modeByClass, &band.ModeByClass); err != nil {
			return nil, fmt.Errorf("band %q: mode_by_class: %w", band.Name, err)
		}
		if len(pool) > 0 {
			band.Pool = new(device.PoolConfig)
			if err = json.Unmarshal(pool, band.Pool); err != nil {
				return nil, fmt.Errorf("band %q: pool: %w", band.Name, err)
			}
		}
		bands = append(bands, band)
	}
	return bands, rows.Err()
}

// SaveBands replaces the band table. Used to seed from strategy.yaml and by
// the upward command surface.
func (s *Store) SaveBands(ctx context.Context, bands strategy.Bands) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err = tx.Exec(ctx, `DELETE FROM strategy_bands`); err != nil {
		return err
	}
	for _, band := range bands {
		modeByClass, err := json.Marshal(band.ModeByClass)
		if err != nil {
			return fmt.Errorf("band %q: %w", band.Name, err)
		}
		var pool []byte
		if band.Pool != nil {
			if pool, err = json.Marshal(band.Pool); err != nil {
				return fmt.Errorf("band %q: %w", band.Name, err)
			}
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO strategy_bands (sort_order, name, min_price, max_price, target_asset, mode_by_class, pool)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			band.SortOrder, band.Name, band.MinPrice, band.MaxPrice, band.TargetAsset, modeByClass, pool); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Enrollments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT device_id FROM strategy_enrollments ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Enroll(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO strategy_enrollments (device_id) VALUES ($1) ON CONFLICT DO NOTHING`, deviceID)
	return err
}

func (s *Store) Unenroll(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM strategy_enrollments WHERE device_id = $1`, deviceID)
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// automation rules

var _ rules.Store = (*Store)(nil)

// EnabledRules loads all enabled rules. A rule whose trigger or action config
// cannot be decoded is a configuration gap: it is skipped with a warning,
// never a crash.
func (s *Store) EnabledRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, priority, trigger_kind, trigger_config, action_kind, action_config,
		       last_executed_at, last_execution_context
		FROM automation_rules WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			rule          rules.Rule
			triggerKind   rules.TriggerKind
			triggerConfig []byte
			actionKind    rules.ActionKind
			actionConfig  []byte
		)
		if err = rows.Scan(&rule.ID, &rule.Name, &rule.Priority, &triggerKind, &triggerConfig,
			&actionKind, &actionConfig, &rule.LastExecutedAt, &rule.LastExecutionContext); err != nil {
			return nil, err
		}
		rule.Enabled = true
		if rule.Trigger, err = rules.DecodeTrigger(triggerKind, triggerConfig); err != nil {
			s.logger.Warn("skipping rule with invalid trigger", slog.Int64("rule", rule.ID), slog.Any("err", err))
			continue
		}
		if rule.Action, err = rules.DecodeAction(actionKind, actionConfig); err != nil {
			s.logger.Warn("skipping rule with invalid action", slog.Int64("rule", rule.ID), slog.Any("err", err))
			continue
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *Store) RecordExecution(ctx context.Context, id int64, at time.Time, execContext string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE automation_rules SET last_executed_at = $2, last_execution_context = $3 WHERE id = $1`,
		id, at, execContext)
	return err
}

func (s *Store) DisableRule(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE automation_rules SET enabled = FALSE WHERE id = $1`, id)
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// events

var _ event.Store = (*Store)(nil)

func (s *Store) AppendEvent(ctx context.Context, ev event.Event) error {
	var data []byte
	if ev.Data != nil {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return err
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, ts, kind, source_id, message, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.Timestamp, ev.Kind, ev.SourceID, ev.Message, data)
	return err
}

func (s *Store) RecentEvents(ctx context.Context, limit int) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, kind, source_id, message, data FROM events ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		var data []byte
		if err = rows.Scan(&ev.ID, &ev.Timestamp, &ev.Kind, &ev.SourceID, &ev.Message, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err = json.Unmarshal(data, &ev.Data); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
