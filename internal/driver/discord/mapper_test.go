package discord

import (
	"testing"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/bwmarrin/discordgo"
)

func TestMessageToEvent(t *testing.T) {
	t.Parallel()

	source := smeargle.EventSource{Platform: DriverPlatform, ID: "discord-main"}
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		message  *discordgo.Message
		selfID   string
		wantOK   bool
		wantType smeargle.ConversationType
		wantSelf bool
		wantBot  bool
		wantRef  string
	}{
		{
			name: "guild message",
			message: &discordgo.Message{
				ID:        "m1",
				ChannelID: "c1",
				GuildID:   "g1",
				Content:   "!pikachu",
				Timestamp: sentAt,
				Author:    &discordgo.User{ID: "u1", Username: "ash", GlobalName: "Ash Ketchum"},
			},
			selfID:   "bot",
			wantOK:   true,
			wantType: smeargle.ConversationTypeGroup,
		},
		{
			name: "direct message with reply",
			message: &discordgo.Message{
				ID:               "m2",
				ChannelID:        "dm1",
				Content:          "!random",
				Author:           &discordgo.User{ID: "u1", Username: "ash"},
				MessageReference: &discordgo.MessageReference{MessageID: "m1"},
			},
			wantOK:   true,
			wantType: smeargle.ConversationTypePrivate,
			wantRef:  "m1",
		},
		{
			name: "own message",
			message: &discordgo.Message{
				ID:        "m3",
				ChannelID: "c1",
				GuildID:   "g1",
				Content:   "Pong!",
				Author:    &discordgo.User{ID: "bot", Username: "smeargle", Bot: true},
			},
			selfID:   "bot",
			wantOK:   true,
			wantType: smeargle.ConversationTypeGroup,
			wantSelf: true,
			wantBot:  true,
		},
		{
			name: "blank content",
			message: &discordgo.Message{
				ID:        "m4",
				ChannelID: "c1",
				Content:   "  ",
				Author:    &discordgo.User{ID: "u1"},
			},
		},
		{
			name: "missing author",
			message: &discordgo.Message{
				ID:        "m5",
				ChannelID: "c1",
				Content:   "!ping",
			},
		},
		{
			name: "nil message",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			event, ok := messageToEvent(testCase.message, testCase.selfID, "pokemon", source)
			if ok != testCase.wantOK {
				t.Fatalf("ok = %v, want %v", ok, testCase.wantOK)
			}
			if !ok {
				return
			}
			if event.ID != "discord:"+testCase.message.ID {
				t.Fatalf("event id = %s, want discord:%s", event.ID, testCase.message.ID)
			}
			if event.Kind != smeargle.EventKindMessageCreated {
				t.Fatalf("kind = %s, want %s", event.Kind, smeargle.EventKindMessageCreated)
			}
			if event.Conversation.ID != testCase.message.ChannelID || event.Conversation.Title != "pokemon" {
				t.Fatalf("conversation = %+v, want channel %s titled pokemon", event.Conversation, testCase.message.ChannelID)
			}
			if event.Conversation.Type != testCase.wantType {
				t.Fatalf("conversation type = %s, want %s", event.Conversation.Type, testCase.wantType)
			}
			if event.Actor.IsSelf != testCase.wantSelf {
				t.Fatalf("actor self = %v, want %v", event.Actor.IsSelf, testCase.wantSelf)
			}
			if event.Actor.IsBot != testCase.wantBot {
				t.Fatalf("actor bot = %v, want %v", event.Actor.IsBot, testCase.wantBot)
			}
			if event.Message.ReplyToID != testCase.wantRef {
				t.Fatalf("reply to = %q, want %q", event.Message.ReplyToID, testCase.wantRef)
			}
			if event.Source != source {
				t.Fatalf("source = %+v, want %+v", event.Source, source)
			}
			if event.OccurredAt.IsZero() {
				t.Fatal("occurred at is zero")
			}
		})
	}
}

func TestMessageToEventDisplayName(t *testing.T) {
	t.Parallel()

	event, ok := messageToEvent(&discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "!pikachu",
		Author:    &discordgo.User{ID: "u1", Username: "ash", GlobalName: "Ash Ketchum"},
	}, "", "", smeargle.EventSource{Platform: DriverPlatform, ID: "discord-main"})
	if !ok {
		t.Fatal("messageToEvent ok = false, want true")
	}
	if event.Actor.Username != "ash" || event.Actor.DisplayName != "Ash Ketchum" {
		t.Fatalf("actor = %+v, want ash / Ash Ketchum", event.Actor)
	}
	if event.Actor.IsSelf {
		t.Fatal("actor self = true with unknown self id, want false")
	}
}
