// Package agile provides the electricity price feed: an Octopus Agile API
// client and a cached, normalized half-hourly slot timeline.
package agile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrStale is returned alongside cached data when the last refresh failed.
	// Callers treat it as a warning, never a hard failure.
	ErrStale = errors.New("price data is stale")

	// ErrNoSlot is returned when no slot covers the requested time.
	ErrNoSlot = errors.New("no price slot available")
)

// Fetcher retrieves unit rates from the tariff source.
type Fetcher interface {
	GetUnitRates(ctx context.Context, region Region, from, to time.Time) ([]Slot, error)
}

// Store persists price slots. Upserts are idempotent: re-storing a slot
// overwrites it with identical values.
type Store interface {
	UpsertSlots(ctx context.Context, slots []Slot) error
	PriceTimeline(ctx context.Context, region Region, from, to time.Time) ([]Slot, error)
	PruneSlots(ctx context.Context, region Region, before time.Time) error
}

// Feed caches the price timeline for one region and answers slot lookups.
// A failed refresh leaves the previous timeline in place and marks it stale.
type Feed struct {
	client    Fetcher
	store     Store // may be nil (eval command)
	region    Region
	retention time.Duration
	logger    *slog.Logger
	clock     func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	slots []Slot
	stale bool
}

const defaultRetention = 14 * 24 * time.Hour

func NewFeed(client Fetcher, store Store, region Region, logger *slog.Logger) *Feed {
	return &Feed{
		client:    client,
		store:     store,
		region:    region,
		retention: defaultRetention,
		logger:    logger,
		clock:     time.Now,
	}
}

// Refresh fetches the timeline around now and replaces the cache. Concurrent
// callers share a single in-flight fetch. On failure the cached timeline is
// kept and marked stale; the error is returned for logging but the feed
// remains usable.
func (f *Feed) Refresh(ctx context.Context) error {
	_, err, _ := f.group.Do("refresh", func() (any, error) {
		return nil, f.refresh(ctx)
	})
	return err
}

func (f *Feed) refresh(ctx context.Context) error {
	now := f.clock()
	slots, err := f.client.GetUnitRates(ctx, f.region, now.Add(-6*time.Hour), now.Add(48*time.Hour))
	if err != nil {
		f.mu.Lock()
		f.stale = true
		hasCache := len(f.slots) > 0
		f.mu.Unlock()

		if !hasCache {
			f.restoreFromStore(ctx)
		}
		f.logger.Warn("price refresh failed, serving cached timeline", slog.Any("err", err))
		return err
	}

	f.mu.Lock()
	f.slots = slots
	f.stale = false
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.UpsertSlots(ctx, slots); err != nil {
			f.logger.Error("failed to store price slots", slog.Any("err", err))
		}
		if err := f.store.PruneSlots(ctx, f.region, now.Add(-f.retention)); err != nil {
			f.logger.Error("failed to prune price slots", slog.Any("err", err))
		}
	}
	f.logger.Debug("price timeline refreshed", slog.Int("slots", len(slots)))
	return nil
}

// restoreFromStore loads the persisted timeline after a restart when the
// first fetch fails, so hysteresis can resume from the last known prices.
func (f *Feed) restoreFromStore(ctx context.Context) {
	if f.store == nil {
		return
	}
	now := f.clock()
	slots, err := f.store.PriceTimeline(ctx, f.region, now.Add(-6*time.Hour), now.Add(48*time.Hour))
	if err != nil {
		f.logger.Error("failed to restore price timeline", slog.Any("err", err))
		return
	}
	if len(slots) > 0 {
		f.mu.Lock()
		f.slots = normalize(slots)
		f.mu.Unlock()
	}
}

// CurrentSlot returns the slot covering now. When the cache is stale the slot
// is still returned, with ErrStale.
func (f *Feed) CurrentSlot(now time.Time) (Slot, error) {
	return f.slotAt(now)
}

// NextSlot returns the slot immediately after the one covering now.
func (f *Feed) NextSlot(now time.Time) (Slot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.slots {
		if s.From.After(now) {
			return s, f.staleErr()
		}
	}
	return Slot{}, ErrNoSlot
}

func (f *Feed) slotAt(t time.Time) (Slot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.slots {
		if s.Contains(t) {
			return s, f.staleErr()
		}
	}
	return Slot{}, ErrNoSlot
}

// Timeline returns a copy of the cached slots.
func (f *Feed) Timeline() []Slot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.slots)
}

func (f *Feed) staleErr() error {
	if f.stale {
		return ErrStale
	}
	return nil
}

// normalize sorts slots ascending by start time and drops duplicates and
// overlaps, keeping the first slot for any given start.
func normalize(slots []Slot) []Slot {
	slices.SortFunc(slots, func(a, b Slot) int { return a.From.Compare(b.From) })
	out := slots[:0]
	var lastEnd time.Time
	for _, s := range slots {
		if !s.From.Before(s.To) {
			continue
		}
		if s.From.Before(lastEnd) {
			continue
		}
		out = append(out, s)
		lastEnd = s.To
	}
	return out
}
