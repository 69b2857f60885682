package rules

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/minerhive/minerhive/internal/device"
)

// ErrUnknownKind marks a trigger or action kind this version does not know.
// It is a configuration gap surfaced at load time, never a runtime crash.
var ErrUnknownKind = errors.New("unknown kind")

type TriggerKind string

const (
	TriggerPriceThreshold TriggerKind = "price-threshold"
	TriggerTimeWindow     TriggerKind = "time-window"
	TriggerDeviceOffline  TriggerKind = "device-offline"
	TriggerDeviceOverheat TriggerKind = "device-overheat"
	TriggerPoolFailure    TriggerKind = "pool-failure"
)

type ActionKind string

const (
	ActionApplyMode  ActionKind = "apply-mode"
	ActionSwitchPool ActionKind = "switch-pool"
	ActionSendAlert  ActionKind = "send-alert"
)

// Trigger is a closed tagged union: exactly the variant matching Kind is set.
type Trigger struct {
	Kind           TriggerKind
	PriceThreshold *PriceThresholdTrigger
	TimeWindow     *TimeWindowTrigger
	DeviceOffline  *DeviceOfflineTrigger
	DeviceOverheat *DeviceOverheatTrigger
	PoolFailure    *PoolFailureTrigger
}

type PriceThresholdTrigger struct {
	AbovePence *float64 `json:"abovePence,omitempty"`
	BelowPence *float64 `json:"belowPence,omitempty"`
}

type TimeWindowTrigger struct {
	Start string         `json:"start"` // "15:04"
	End   string         `json:"end"`
	Days  []time.Weekday `json:"days,omitempty"` // empty: every day
}

type DeviceOfflineTrigger struct {
	DeviceID   string `json:"deviceId"`
	OfflineFor int    `json:"offlineForSeconds"`
}

type DeviceOverheatTrigger struct {
	DeviceID string  `json:"deviceId"`
	MaxTempC float64 `json:"maxTempC"`
}

type PoolFailureTrigger struct {
	DeviceID      string  `json:"deviceId"`
	MaxRejectRate float64 `json:"maxRejectRate"`
}

// DeviceID returns the device a trigger references, if any.
func (t Trigger) DeviceID() string {
	switch t.Kind {
	case TriggerDeviceOffline:
		return t.DeviceOffline.DeviceID
	case TriggerDeviceOverheat:
		return t.DeviceOverheat.DeviceID
	case TriggerPoolFailure:
		return t.PoolFailure.DeviceID
	default:
		return ""
	}
}

// DecodeTrigger parses a trigger config payload for the given kind.
func DecodeTrigger(kind TriggerKind, raw []byte) (Trigger, error) {
	t := Trigger{Kind: kind}
	var err error
	switch kind {
	case TriggerPriceThreshold:
		t.PriceThreshold, err = decode[PriceThresholdTrigger](raw)
	case TriggerTimeWindow:
		t.TimeWindow, err = decode[TimeWindowTrigger](raw)
	case TriggerDeviceOffline:
		t.DeviceOffline, err = decode[DeviceOfflineTrigger](raw)
	case TriggerDeviceOverheat:
		t.DeviceOverheat, err = decode[DeviceOverheatTrigger](raw)
	case TriggerPoolFailure:
		t.PoolFailure, err = decode[PoolFailureTrigger](raw)
	default:
		return Trigger{}, fmt.Errorf("trigger %w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return Trigger{}, fmt.Errorf("trigger %q: %w", kind, err)
	}
	return t, nil
}

// Action is a closed tagged union: exactly the variant matching Kind is set.
type Action struct {
	Kind       ActionKind
	ApplyMode  *ApplyModeAction
	SwitchPool *SwitchPoolAction
	SendAlert  *SendAlertAction
}

type ApplyModeAction struct {
	DeviceID string      `json:"deviceId"`
	Mode     device.Mode `json:"mode"`
}

type SwitchPoolAction struct {
	DeviceID string            `json:"deviceId"`
	Pool     device.PoolConfig `json:"pool"`
}

type SendAlertAction struct {
	Message string `json:"message"`
}

// DeviceID returns the device an action targets, if any.
func (a Action) DeviceID() string {
	switch a.Kind {
	case ActionApplyMode:
		return a.ApplyMode.DeviceID
	case ActionSwitchPool:
		return a.SwitchPool.DeviceID
	default:
		return ""
	}
}

// DecodeAction parses an action config payload for the given kind.
func DecodeAction(kind ActionKind, raw []byte) (Action, error) {
	a := Action{Kind: kind}
	var err error
	switch kind {
	case ActionApplyMode:
		a.ApplyMode, err = decode[ApplyModeAction](raw)
	case ActionSwitchPool:
		a.SwitchPool, err = decode[SwitchPoolAction](raw)
	case ActionSendAlert:
		a.SendAlert, err = decode[SendAlertAction](raw)
	default:
		return Action{}, fmt.Errorf("action %w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return Action{}, fmt.Errorf("action %q: %w", kind, err)
	}
	return a, nil
}

func decode[T any](raw []byte) (*T, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// Rule is one automation rule. LastExecutedAt and LastExecutionContext are
// written only by the evaluator.
type Rule struct {
	ID                   int64
	Name                 string
	Enabled              bool
	Priority             int
	Trigger              Trigger
	Action               Action
	LastExecutedAt       *time.Time
	LastExecutionContext string
}
