package strategy

import "time"

// State is the strategy's persisted evaluation state. It is mutated only by
// the Engine, exactly once per tick, and survives restarts so hysteresis and
// dwell time carry across process restarts.
type State struct {
	Enabled           bool      `json:"enabled"`
	CurrentBand       int       `json:"currentBand"` // sortOrder of the active band
	HasBand           bool      `json:"hasBand"`     // false until the first transition commits
	HysteresisCounter int       `json:"hysteresisCounter"`
	LastActionTime    time.Time `json:"lastActionTime"`
	LastPriceChecked  float64   `json:"lastPriceChecked"`
	LastCheckedAt     time.Time `json:"lastCheckedAt"`
}
