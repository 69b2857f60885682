package rules

import (
	"time"

	"github.com/clambin/go-common/set"

	"github.com/minerhive/minerhive/internal/agile"
	"github.com/minerhive/minerhive/internal/device"
)

// DefaultStaleness is how old a telemetry reading may be before the device is
// considered offline.
const DefaultStaleness = 5 * time.Minute

// Snapshot is the read-only view of the world a rule trigger is evaluated
// against. Triggers are pure predicates over a Snapshot; only actions mutate.
type Snapshot struct {
	Now        time.Time
	Price      *agile.Slot // nil: no price available
	PriceStale bool
	Devices    map[string]device.Device
	Telemetry  map[string]device.TelemetryPoint
	Staleness  time.Duration
	Enrolled   set.Set[string] // devices owned by an active strategy
}

// TelemetryAsOf returns the latest reading for a device, or false when the
// reading is missing or older than the staleness threshold.
func (s Snapshot) TelemetryAsOf(id string) (device.TelemetryPoint, bool) {
	tp, ok := s.Telemetry[id]
	if !ok {
		return device.TelemetryPoint{}, false
	}
	staleness := s.Staleness
	if staleness == 0 {
		staleness = DefaultStaleness
	}
	if s.Now.Sub(tp.Timestamp) > staleness {
		return device.TelemetryPoint{}, false
	}
	return tp, true
}

// Matches evaluates the trigger against the snapshot.
func (t Trigger) Matches(s Snapshot) bool {
	switch t.Kind {
	case TriggerPriceThreshold:
		if s.Price == nil {
			return false
		}
		c := t.PriceThreshold
		if c.AbovePence != nil && s.Price.PricePence > *c.AbovePence {
			return true
		}
		if c.BelowPence != nil && s.Price.PricePence < *c.BelowPence {
			return true
		}
		return false

	case TriggerTimeWindow:
		return t.TimeWindow.contains(s.Now)

	case TriggerDeviceOffline:
		c := t.DeviceOffline
		tp, ok := s.Telemetry[c.DeviceID]
		if !ok {
			return true
		}
		offlineFor := time.Duration(c.OfflineFor) * time.Second
		if offlineFor == 0 {
			offlineFor = DefaultStaleness
		}
		return s.Now.Sub(tp.Timestamp) > offlineFor

	case TriggerDeviceOverheat:
		c := t.DeviceOverheat
		tp, ok := s.TelemetryAsOf(c.DeviceID)
		return ok && tp.TemperatureC > c.MaxTempC

	case TriggerPoolFailure:
		c := t.PoolFailure
		tp, ok := s.TelemetryAsOf(c.DeviceID)
		return ok && tp.RejectRate > c.MaxRejectRate

	default:
		return false
	}
}

func (w TimeWindowTrigger) contains(now time.Time) bool {
	if len(w.Days) > 0 {
		found := false
		for _, d := range w.Days {
			if now.Weekday() == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	start, err := parseClock(w.Start, now)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End, now)
	if err != nil {
		return false
	}
	if !end.After(start) {
		// window crosses midnight
		return !now.Before(start) || now.Before(end)
	}
	return !now.Before(start) && now.Before(end)
}

func parseClock(value string, day time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
