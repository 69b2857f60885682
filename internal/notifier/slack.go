package notifier

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"

	"github.com/minerhive/minerhive/internal/event"
)

type SlackNotifier struct {
	Logger *slog.Logger
	SlackSender
	lock sync.Mutex
}

type SlackSender interface {
	PostMessage(string, ...slack.MsgOption) (string, string, error)
	GetConversations(*slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

var _ Notifier = &SlackNotifier{}

func (s *SlackNotifier) Notify(ev event.Event) {
	channels, err := s.getChannels()
	if err != nil {
		s.Logger.Error("notifier failed to retrieve channels", "err", err)
		return
	}
	for _, channel := range channels {
		s.Logger.Debug("notifying on slack", "channel", channel.Name)
		_, _, err = s.SlackSender.PostMessage(channel.ID, slack.MsgOptionAttachments(slack.Attachment{
			Color: colorFor(ev.Kind),
			Title: fmt.Sprintf("[%s] %s", ev.Kind, ev.SourceID),
			Text:  ev.Message,
		}))
		if err != nil {
			s.Logger.Error("notifier failed to post message", "err", err)
		}
	}
}

func colorFor(kind event.Kind) string {
	switch kind {
	case event.KindAdapterFailure, event.KindRuleDisabled, event.KindConfigGap:
		return "danger"
	case event.KindStalePrice, event.KindActionSkipped, event.KindStrategyConflict, event.KindAlert:
		return "warning"
	default:
		return "good"
	}
}

func (s *SlackNotifier) getChannels() ([]slack.Channel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var joinedChannels []slack.Channel
	var cursor string
	for {
		channels, nextCursor, err := s.SlackSender.GetConversations(&slack.GetConversationsParameters{Cursor: cursor, Limit: 100})
		if err != nil {
			return nil, err
		}
		for _, channel := range channels {
			if channel.IsMember && !channel.IsArchived {
				joinedChannels = append(joinedChannels, channel)
			}
		}
		if cursor = nextCursor; cursor == "" {
			break
		}
	}
	return joinedChannels, nil
}
