package telegram

import (
	"context"
	"testing"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/gotd/td/tg"
)

func TestGotdUpdateChannelFlattensMessages(t *testing.T) {
	t.Parallel()

	channelMessage := &tg.Message{
		ID:      11,
		PeerID:  &tg.PeerChannel{ChannelID: 500},
		Date:    1_700_000_000,
		Message: "!pikachu",
	}
	channelMessage.SetFromID(&tg.PeerUser{UserID: 7})

	tests := []struct {
		name    string
		updates tg.UpdatesClass
		want    int
		wantErr bool
	}{
		{
			name: "batch keeps only new messages",
			updates: &tg.Updates{
				Updates: []tg.UpdateClass{
					&tg.UpdateNewChannelMessage{Message: channelMessage},
					&tg.UpdateDeleteMessages{Messages: []int{1}},
					&tg.UpdateNewMessage{Message: &tg.MessageEmpty{ID: 3}},
				},
				Users: []tg.UserClass{&tg.User{ID: 7, FirstName: "Ash", AccessHash: 9}},
				Chats: []tg.ChatClass{&tg.Channel{ID: 500, Title: "pokemon", Megagroup: true, AccessHash: 5}},
				Date:  1_700_000_000,
			},
			want: 1,
		},
		{
			name: "short private message",
			updates: &tg.UpdateShortMessage{
				ID:      4,
				UserID:  7,
				Message: "!ping",
				Date:    1_700_000_000,
			},
			want: 1,
		},
		{
			name:    "too long is ignored",
			updates: &tg.UpdatesTooLong{},
		},
		{
			name:    "nil container",
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			stream := NewGotdUpdateChannel(4)
			err := stream.Handle(context.Background(), testCase.updates)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected handle error")
				}
				return
			}
			if err != nil {
				t.Fatalf("handle failed: %v", err)
			}
			if got := len(stream.Updates()); got != testCase.want {
				t.Fatalf("queued = %d, want %d", got, testCase.want)
			}
		})
	}
}

func TestGotdMessageMapperMap(t *testing.T) {
	t.Parallel()

	users := map[int64]*tg.User{
		7:  {ID: 7, FirstName: "Ash", LastName: "Ketchum", Username: "ash", AccessHash: 9},
		99: {ID: 99, FirstName: "Smeargle", Username: "smeargle_bot", Bot: true, AccessHash: 1},
	}
	chats := map[int64]gotdChatInfo{
		500: {title: "pokemon", kind: smeargle.ConversationTypeGroup, inputPeer: &tg.InputPeerChannel{ChannelID: 500, AccessHash: 5}},
	}
	occurredAt := time.Unix(1_700_000_000, 0).UTC()

	newMessage := func(from int64, out bool, text string) *tg.Message {
		message := &tg.Message{
			ID:      11,
			Out:     out,
			PeerID:  &tg.PeerChannel{ChannelID: 500},
			Message: text,
		}
		message.SetFromID(&tg.PeerUser{UserID: from})
		return message
	}

	tests := []struct {
		name         string
		message      *tg.Message
		wantAccepted bool
		wantSelf     bool
		wantActor    string
	}{
		{
			name:         "user message in megagroup",
			message:      newMessage(7, false, "!pikachu"),
			wantAccepted: true,
			wantActor:    "Ash Ketchum",
		},
		{
			name:         "outgoing message is self",
			message:      newMessage(99, true, "Pong!"),
			wantAccepted: true,
			wantSelf:     true,
			wantActor:    "Smeargle",
		},
		{
			name:         "bot id match is self",
			message:      newMessage(99, false, "Dong!"),
			wantAccepted: true,
			wantSelf:     true,
			wantActor:    "Smeargle",
		},
		{
			name:    "message without text",
			message: newMessage(7, false, "  "),
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			peers := NewPeerCache()
			mapper := newGotdMessageMapper(peers)
			mapper.setSelfID(99)

			update, accepted := mapper.Map(gotdUpdateEnvelope{
				message:    testCase.message,
				occurredAt: occurredAt,
				usersByID:  users,
				chatsByID:  chats,
			})
			if accepted != testCase.wantAccepted {
				t.Fatalf("accepted = %v, want %v", accepted, testCase.wantAccepted)
			}
			if !accepted {
				return
			}
			if update.ID != "tg:500:11" {
				t.Fatalf("id = %q, want tg:500:11", update.ID)
			}
			if update.Chat.Type != smeargle.ConversationTypeGroup || update.Chat.Title != "pokemon" {
				t.Fatalf("chat = %+v, want pokemon group", update.Chat)
			}
			if update.Actor.IsSelf != testCase.wantSelf {
				t.Fatalf("self = %v, want %v", update.Actor.IsSelf, testCase.wantSelf)
			}
			if update.Actor.DisplayName != testCase.wantActor {
				t.Fatalf("actor = %q, want %q", update.Actor.DisplayName, testCase.wantActor)
			}
			if !update.OccurredAt.Equal(occurredAt) {
				t.Fatalf("occurred at = %v, want %v", update.OccurredAt, occurredAt)
			}

			peer, err := peers.Resolve(smeargle.Conversation{ID: "500", Type: smeargle.ConversationTypeGroup})
			if err != nil {
				t.Fatalf("resolve peer failed: %v", err)
			}
			if channel, ok := peer.(*tg.InputPeerChannel); !ok || channel.AccessHash != 5 {
				t.Fatalf("peer = %#v, want channel peer with access hash", peer)
			}
		})
	}
}

func TestGotdMessageMapperPrivateChat(t *testing.T) {
	t.Parallel()

	peers := NewPeerCache()
	mapper := newGotdMessageMapper(peers)
	update, accepted := mapper.Map(gotdUpdateEnvelope{
		message: &tg.Message{
			ID:      3,
			PeerID:  &tg.PeerUser{UserID: 7},
			Message: "!ding",
		},
		usersByID: map[int64]*tg.User{7: {ID: 7, Username: "ash", AccessHash: 9}},
	})
	if !accepted {
		t.Fatal("private message not accepted")
	}
	if update.Chat.Type != smeargle.ConversationTypePrivate || update.Chat.ID != "7" {
		t.Fatalf("chat = %+v, want private 7", update.Chat)
	}
	if update.Actor.ID != "7" || update.Actor.Username != "ash" {
		t.Fatalf("actor = %+v, want ash", update.Actor)
	}
	if _, err := peers.Resolve(smeargle.Conversation{ID: "7", Type: smeargle.ConversationTypePrivate}); err != nil {
		t.Fatalf("resolve private peer failed: %v", err)
	}
}

func TestResolveInputPeerFromPeerCopiesChannelPeer(t *testing.T) {
	t.Parallel()

	cached := &tg.InputPeerChannel{ChannelID: 500, AccessHash: 5}
	envelope := gotdUpdateEnvelope{
		chatsByID: map[int64]gotdChatInfo{
			500: {title: "pokemon", kind: smeargle.ConversationTypeGroup, inputPeer: cached},
		},
	}

	peer := resolveInputPeerFromPeer(&tg.PeerChannel{ChannelID: 500}, envelope)
	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		t.Fatalf("peer = %#v, want *tg.InputPeerChannel", peer)
	}
	if channel == cached {
		t.Fatal("peer aliases the envelope chat entry")
	}
	if channel.ChannelID != 500 || channel.AccessHash != 5 {
		t.Fatalf("peer = %+v, want channel 500 with access hash 5", channel)
	}

	if got := resolveInputPeerFromPeer(&tg.PeerChannel{ChannelID: 501}, envelope); got != nil {
		t.Fatalf("unknown channel peer = %#v, want nil", got)
	}
}
