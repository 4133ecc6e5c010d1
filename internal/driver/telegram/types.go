package telegram

import (
	"fmt"
	"time"

	"smeargle/pkg/smeargle"
)

// Update is the Telegram adapter's internal DTO for one new message.
type Update struct {
	ID         string
	OccurredAt time.Time
	Chat       ChatRef
	Actor      ActorRef
	Message    MessagePayload
}

// ChatRef identifies Telegram chat context.
type ChatRef struct {
	ID    string
	Title string
	Type  smeargle.ConversationType
}

// ActorRef identifies Telegram actor context.
type ActorRef struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
	IsSelf      bool
}

// MessagePayload represents a Telegram message projection.
type MessagePayload struct {
	ID        string
	ReplyToID string
	Text      string
}

// toEvent converts one adapter update into a neutral message.created event.
func (u Update) toEvent(source smeargle.EventSource) (*smeargle.Event, error) {
	occurredAt := u.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &smeargle.Event{
		ID:         u.ID,
		Kind:       smeargle.EventKindMessageCreated,
		OccurredAt: occurredAt,
		Source:     source,
		Conversation: smeargle.Conversation{
			ID:    u.Chat.ID,
			Type:  u.Chat.Type,
			Title: u.Chat.Title,
		},
		Actor: smeargle.Actor{
			ID:          u.Actor.ID,
			Username:    u.Actor.Username,
			DisplayName: u.Actor.DisplayName,
			IsBot:       u.Actor.IsBot,
			IsSelf:      u.Actor.IsSelf,
		},
		Message: &smeargle.Message{
			ID:        u.Message.ID,
			ReplyToID: u.Message.ReplyToID,
			Text:      u.Message.Text,
		},
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("convert telegram update %s: %w", u.ID, err)
	}

	return event, nil
}
