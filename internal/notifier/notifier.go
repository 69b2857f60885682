// Package notifier forwards timeline events to the configured channels. The
// slog notifier is always active; Slack is added when a token is configured.
package notifier

import (
	"context"
	"log/slog"

	"github.com/minerhive/minerhive/internal/event"
	"github.com/minerhive/minerhive/pkg/pubsub"
)

type Notifier interface {
	Notify(event.Event)
}

type Notifiers []Notifier

func (n Notifiers) Notify(ev event.Event) {
	for _, notifier := range n {
		notifier.Notify(ev)
	}
}

// Task subscribes to the event recorder and forwards every event.
type Task struct {
	Events    *pubsub.Publisher[event.Event]
	Notifiers Notifiers
	Logger    *slog.Logger
}

func (t *Task) Run(ctx context.Context) error {
	t.Logger.Debug("started")
	defer t.Logger.Debug("stopped")

	ch := t.Events.Subscribe()
	defer t.Events.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			t.Notifiers.Notify(ev)
		}
	}
}

var _ Notifier = SLogNotifier{}

type SLogNotifier struct {
	Logger *slog.Logger
}

func (s SLogNotifier) Notify(ev event.Event) {
	s.Logger.Info(ev.Message,
		slog.String("kind", string(ev.Kind)),
		slog.String("source", ev.SourceID),
	)
}
