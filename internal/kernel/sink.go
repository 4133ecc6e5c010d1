package kernel

import (
	"context"
	"fmt"
	"log/slog"

	"smeargle/pkg/smeargle"
)

// driverEventSink is the smeargle.EventSink handed to drivers.
//
// It writes one channel log line per inbound message before publishing.
type driverEventSink struct {
	bus    smeargle.EventSink
	logger *slog.Logger
}

func (k *Kernel) newDriverEventSink() smeargle.EventSink {
	return &driverEventSink{bus: k.bus, logger: k.cfg.logger}
}

// Publish logs and forwards one driver event to the bus.
func (s *driverEventSink) Publish(ctx context.Context, event *smeargle.Event) error {
	if event == nil {
		return fmt.Errorf("publish driver event: %w: nil event", smeargle.ErrInvalidEvent)
	}
	if event.Message != nil && s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.DebugContext(ctx, channelLogLine(event),
			"source", event.Source.ID,
			"conversation_id", event.Conversation.ID,
			"actor_id", event.Actor.ID,
			"self", event.Actor.IsSelf,
		)
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish driver event %s: %w", event.ID, err)
	}

	return nil
}

// channelLogLine renders "#channel: [author] text".
func channelLogLine(event *smeargle.Event) string {
	channel := event.Conversation.Title
	if channel == "" {
		channel = event.Conversation.ID
	}

	return fmt.Sprintf("#%s: [%s] %s", channel, event.Actor.Name(), event.Message.Text)
}
