package agile_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/testutil"
)

type slotStore struct {
	mu       sync.Mutex
	slots    []agile.Slot
	upserted int
	pruned   int
}

func (s *slotStore) UpsertSlots(_ context.Context, slots []agile.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, slots...)
	s.upserted++
	return nil
}

func (s *slotStore) PriceTimeline(context.Context, agile.Region, time.Time, time.Time) ([]agile.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots, nil
}

func (s *slotStore) PruneSlots(context.Context, agile.Region, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned++
	return nil
}

func slotsFrom(start time.Time, prices ...float64) []agile.Slot {
	slots := make([]agile.Slot, len(prices))
	for i, p := range prices {
		slots[i] = agile.Slot{
			Region:     "H",
			From:       start.Add(time.Duration(i) * 30 * time.Minute),
			To:         start.Add(time.Duration(i+1) * 30 * time.Minute),
			PricePence: p,
		}
	}
	return slots
}

func TestFeed_Refresh(t *testing.T) {
	start := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	fetcher := &testutil.FakeFetcher{Slots: slotsFrom(start, 10, 12, 14)}
	store := &slotStore{}
	feed := agile.NewFeed(fetcher, store, "H", slog.Default())

	require.NoError(t, feed.Refresh(context.Background()))
	assert.Len(t, feed.Timeline(), 3)
	assert.Equal(t, 1, store.upserted)
	assert.Equal(t, 1, store.pruned)

	slot, err := feed.CurrentSlot(start.Add(45 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 12.0, slot.PricePence)

	next, err := feed.NextSlot(start.Add(45 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 14.0, next.PricePence)
}

func TestFeed_FailedRefreshKeepsCacheAndMarksStale(t *testing.T) {
	start := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	fetcher := &testutil.FakeFetcher{Slots: slotsFrom(start, 10, 12)}
	feed := agile.NewFeed(fetcher, nil, "H", slog.Default())

	require.NoError(t, feed.Refresh(context.Background()))

	fetcher.Set(nil, testutil.ErrScripted)
	assert.Error(t, feed.Refresh(context.Background()))

	// cached slot still answers, flagged stale
	slot, err := feed.CurrentSlot(start.Add(10 * time.Minute))
	assert.ErrorIs(t, err, agile.ErrStale)
	assert.Equal(t, 10.0, slot.PricePence)

	_, err = feed.NextSlot(start.Add(10 * time.Minute))
	assert.ErrorIs(t, err, agile.ErrStale)

	// a successful refresh clears the flag
	fetcher.Set(slotsFrom(start, 10, 12), nil)
	require.NoError(t, feed.Refresh(context.Background()))
	_, err = feed.CurrentSlot(start.Add(10 * time.Minute))
	assert.NoError(t, err)
}

func TestFeed_RestoresFromStoreWhenFirstFetchFails(t *testing.T) {
	start := time.Now().Add(-time.Hour).Truncate(30 * time.Minute)
	fetcher := &testutil.FakeFetcher{Err: testutil.ErrScripted}
	store := &slotStore{slots: slotsFrom(start, 18, 20, 22, 24)}
	feed := agile.NewFeed(fetcher, store, "H", slog.Default())

	assert.Error(t, feed.Refresh(context.Background()))

	slot, err := feed.CurrentSlot(start.Add(35 * time.Minute))
	assert.ErrorIs(t, err, agile.ErrStale)
	assert.Equal(t, 20.0, slot.PricePence)
}

func TestFeed_NoSlot(t *testing.T) {
	start := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	fetcher := &testutil.FakeFetcher{Slots: slotsFrom(start, 10)}
	feed := agile.NewFeed(fetcher, nil, "H", slog.Default())
	require.NoError(t, feed.Refresh(context.Background()))

	_, err := feed.CurrentSlot(start.Add(2 * time.Hour))
	assert.ErrorIs(t, err, agile.ErrNoSlot)
	_, err = feed.NextSlot(start.Add(2 * time.Hour))
	assert.ErrorIs(t, err, agile.ErrNoSlot)
}

func TestSlotContains(t *testing.T) {
	from := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	slot := agile.Slot{From: from, To: from.Add(30 * time.Minute)}

	assert.True(t, slot.Contains(from), "interval is closed at the start")
	assert.True(t, slot.Contains(from.Add(29*time.Minute)))
	assert.False(t, slot.Contains(from.Add(30*time.Minute)), "interval is open at the end")
	assert.False(t, slot.Contains(from.Add(-time.Second)))
}
