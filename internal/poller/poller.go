// Package poller reads telemetry from every registered device, persists it
// and publishes an Update for the collector, the health endpoint and anything
// else that subscribes.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/device"
	"github.com/minerhive/minerhive/pkg/pubsub"
)

// Update is one snapshot of the fleet, published after every poll.
type Update struct {
	Timestamp   time.Time                        `json:"timestamp"`
	Devices     []device.Device                  `json:"devices"`
	Telemetry   map[string]device.TelemetryPoint `json:"telemetry"`
	Unreachable []string                         `json:"unreachable,omitempty"`
	Price       *agile.Slot                      `json:"price,omitempty"`
	PriceStale  bool                             `json:"priceStale,omitempty"`
}

// Fleet is the slice of the adapter registry the poller uses.
type Fleet interface {
	Devices() []device.Device
	ReadTelemetry(ctx context.Context, id string) (device.TelemetryPoint, error)
	UpdateTelemetry(id string, tp device.TelemetryPoint)
}

// Store persists telemetry points.
type Store interface {
	SaveTelemetry(ctx context.Context, points []device.TelemetryPoint) error
}

// PriceSource answers the current-slot lookup for the published Update.
type PriceSource interface {
	CurrentSlot(now time.Time) (agile.Slot, error)
}

type Poller struct {
	*pubsub.Publisher[Update]
	fleet  Fleet
	store  Store // may be nil
	prices PriceSource
	clock  func() time.Time
	logger *slog.Logger
}

func New(fleet Fleet, store Store, prices PriceSource, logger *slog.Logger) *Poller {
	return &Poller{
		Publisher: pubsub.New[Update](logger.With(slog.String("component", "poller"))),
		fleet:     fleet,
		store:     store,
		prices:    prices,
		clock:     time.Now,
		logger:    logger,
	}
}

// Poll runs one telemetry collection tick. Devices are read concurrently and
// a stuck device does not block the others; an unreachable device is reported
// in the Update but never fails the tick.
func (p *Poller) Poll(ctx context.Context) error {
	start := p.clock()
	update := Update{
		Timestamp: start,
		Devices:   p.fleet.Devices(),
		Telemetry: make(map[string]device.TelemetryPoint),
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, dev := range update.Devices {
		if !dev.Enabled {
			continue
		}
		g.Go(func() error {
			tp, err := p.fleet.ReadTelemetry(ctx, dev.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("telemetry read failed", slog.String("device", dev.ID), slog.Any("err", err))
				update.Unreachable = append(update.Unreachable, dev.ID)
				return nil
			}
			if tp.Timestamp.IsZero() {
				tp.Timestamp = start
			}
			tp.DeviceID = dev.ID
			update.Telemetry[dev.ID] = tp
			return nil
		})
	}
	_ = g.Wait()

	points := make([]device.TelemetryPoint, 0, len(update.Telemetry))
	for id, tp := range update.Telemetry {
		p.fleet.UpdateTelemetry(id, tp)
		points = append(points, tp)
	}
	if p.store != nil && len(points) > 0 {
		if err := p.store.SaveTelemetry(ctx, points); err != nil {
			p.logger.Error("failed to store telemetry", slog.Any("err", err))
		}
	}

	if p.prices != nil {
		slot, err := p.prices.CurrentSlot(start)
		switch {
		case err == nil:
			update.Price = &slot
		case errors.Is(err, agile.ErrStale):
			update.Price, update.PriceStale = &slot, true
		}
	}

	p.Publisher.Publish(update)
	p.logger.Debug("poll completed",
		slog.Int("devices", len(update.Telemetry)),
		slog.Duration("duration", time.Since(start)))
	return nil
}
