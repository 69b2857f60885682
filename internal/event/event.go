// Package event defines the structured events emitted by the strategy engine,
// the rule evaluator and the adapter registry. Events are appended to the
// store and fanned out to notifiers.
package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/minerhive/minerhive/pkg/pubsub"
)

type Kind string

const (
	KindBandTransition   Kind = "band_transition"
	KindActionSkipped    Kind = "action_skipped"
	KindAdapterFailure   Kind = "adapter_failure"
	KindStalePrice       Kind = "stale_price"
	KindConfigGap        Kind = "config_gap"
	KindRuleExecuted     Kind = "rule_executed"
	KindRuleDisabled     Kind = "rule_disabled"
	KindStrategyConflict Kind = "skipped_strategy_conflict"
	KindAlert            Kind = "alert"
)

// Event is one entry on the timeline.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	SourceID  string         `json:"sourceId"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an Event with a fresh id and the current time.
func New(kind Kind, sourceID, message string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		SourceID:  sourceID,
		Message:   message,
		Data:      data,
	}
}

// A Sink receives events. Emit must never fail the caller: persistence or
// delivery problems are logged and swallowed.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Store persists events.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
}

var _ Sink = (*Recorder)(nil)

// Recorder is the production Sink: it appends each event to the Store (when
// one is configured) and publishes it for the notifier task.
type Recorder struct {
	*pubsub.Publisher[Event]
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		Publisher: pubsub.New[Event](logger.With(slog.String("component", "events"))),
		store:     store,
		logger:    logger,
	}
}

func (r *Recorder) Emit(ctx context.Context, ev Event) {
	r.logger.Info(ev.Message,
		slog.String("kind", string(ev.Kind)),
		slog.String("source", ev.SourceID),
	)
	if r.store != nil {
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			r.logger.Error("failed to store event", slog.Any("err", err))
		}
	}
	r.Publisher.Publish(ev)
}
