package discord

import (
	"strings"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/bwmarrin/discordgo"
)

// messageToEvent projects one gateway message. Messages without text or
// author are not accepted.
func messageToEvent(
	message *discordgo.Message,
	selfID string,
	channelTitle string,
	source smeargle.EventSource,
) (*smeargle.Event, bool) {
	if message == nil || message.Author == nil || strings.TrimSpace(message.Content) == "" {
		return nil, false
	}

	conversationType := smeargle.ConversationTypeGroup
	if message.GuildID == "" {
		conversationType = smeargle.ConversationTypePrivate
	}
	occurredAt := message.Timestamp.UTC()
	if message.Timestamp.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &smeargle.Event{
		ID:         "discord:" + message.ID,
		Kind:       smeargle.EventKindMessageCreated,
		OccurredAt: occurredAt,
		Source:     source,
		Conversation: smeargle.Conversation{
			ID:    message.ChannelID,
			Type:  conversationType,
			Title: channelTitle,
		},
		Actor: smeargle.Actor{
			ID:          message.Author.ID,
			Username:    message.Author.Username,
			DisplayName: message.Author.GlobalName,
			IsBot:       message.Author.Bot,
			IsSelf:      selfID != "" && message.Author.ID == selfID,
		},
		Message: &smeargle.Message{
			ID:   message.ID,
			Text: message.Content,
		},
	}
	if message.MessageReference != nil {
		event.Message.ReplyToID = message.MessageReference.MessageID
	}
	if event.Validate() != nil {
		return nil, false
	}

	return event, true
}
