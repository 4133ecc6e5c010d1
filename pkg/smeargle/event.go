package smeargle

import (
	"fmt"
	"time"
)

// EventKind names what happened. Only message creation is produced today.
type EventKind string

// EventKindMessageCreated is a newly posted chat message.
const EventKindMessageCreated EventKind = "message.created"

// Platform names a chat network.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
)

// ConversationType distinguishes direct messages from shared rooms. Drivers
// need it to address replies; modules mostly ignore it.
type ConversationType string

const (
	ConversationTypePrivate ConversationType = "private"
	ConversationTypeGroup   ConversationType = "group"
	ConversationTypeChannel ConversationType = "channel"
)

// EventSource is the driver instance an event came from. ID equals the
// configured driver name and doubles as the reply sink id.
type EventSource struct {
	Platform Platform
	ID       string
}

// Event is what drivers publish on the bus.
type Event struct {
	// ID is unique per source, for example "discord:<message id>".
	ID           string
	Kind         EventKind
	OccurredAt   time.Time
	Source       EventSource
	Conversation Conversation
	Actor        Actor
	// Message is set for EventKindMessageCreated.
	Message *Message
}

// Conversation is the room a message was posted in. On Discord this is the
// channel; on Telegram the chat.
type Conversation struct {
	ID    string
	Type  ConversationType
	Title string
}

// Actor is the author of an event.
type Actor struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
	// IsSelf marks messages written by the bot account itself.
	IsSelf bool
}

// Name picks the friendliest label: display name, then username, then id.
func (a Actor) Name() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.Username != "":
		return a.Username
	default:
		return a.ID
	}
}

// Message is the text payload of a posted message.
type Message struct {
	ID        string
	ReplyToID string
	Text      string
}

// Validate rejects events the bus must not deliver.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	missing := ""
	switch {
	case e.ID == "":
		missing = "id"
	case e.Kind == "":
		missing = "kind"
	case e.OccurredAt.IsZero():
		missing = "occurred_at"
	case e.Conversation.ID == "":
		missing = "conversation id"
	}
	if missing != "" {
		return fmt.Errorf("%w: event %q has no %s", ErrInvalidEvent, e.ID, missing)
	}

	if e.Kind != EventKindMessageCreated {
		return fmt.Errorf("%w: event %s has unsupported kind %q", ErrInvalidEvent, e.ID, e.Kind)
	}
	if e.Message == nil {
		return fmt.Errorf("%w: event %s has no message payload", ErrInvalidEvent, e.ID)
	}

	return nil
}
