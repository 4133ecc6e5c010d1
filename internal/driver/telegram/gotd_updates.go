package telegram

import (
	"context"
	"fmt"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/gotd/td/tg"
)

const defaultGotdUpdateBuffer = 1024

// gotdUpdateEnvelope carries one new message with the entities sent alongside it.
type gotdUpdateEnvelope struct {
	message    *tg.Message
	occurredAt time.Time
	usersByID  map[int64]*tg.User
	chatsByID  map[int64]gotdChatInfo
}

type gotdChatInfo struct {
	title     string
	kind      smeargle.ConversationType
	inputPeer tg.InputPeerClass
}

// GotdUpdateChannel is the gotd update handler feeding GotdBotSource.
//
// Only new-message updates are kept; every other update class is dropped here.
type GotdUpdateChannel struct {
	updates chan gotdUpdateEnvelope
}

// NewGotdUpdateChannel creates a stream bridge between gotd updates and the bot source.
func NewGotdUpdateChannel(buffer int) *GotdUpdateChannel {
	if buffer <= 0 {
		buffer = defaultGotdUpdateBuffer
	}

	return &GotdUpdateChannel{
		updates: make(chan gotdUpdateEnvelope, buffer),
	}
}

// Updates returns the receive side of the stream.
func (s *GotdUpdateChannel) Updates() <-chan gotdUpdateEnvelope {
	return s.updates
}

// Handle flattens gotd update containers and forwards each new message.
func (s *GotdUpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	batch, err := flattenGotdUpdates(updates)
	if err != nil {
		return fmt.Errorf("handle gotd updates: %w", err)
	}

	for _, item := range batch {
		select {
		case <-ctx.Done():
			return fmt.Errorf("handle gotd updates publish: %w", ctx.Err())
		case s.updates <- item:
		}
	}

	return nil
}

func flattenGotdUpdates(updates tg.UpdatesClass) ([]gotdUpdateEnvelope, error) {
	if updates == nil {
		return nil, fmt.Errorf("flatten gotd updates: nil updates")
	}

	switch typed := updates.(type) {
	case *tg.Updates:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Users, typed.Chats), nil
	case *tg.UpdatesCombined:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Users, typed.Chats), nil
	case *tg.UpdateShort:
		return flattenGotdBatch([]tg.UpdateClass{typed.Update}, typed.Date, nil, nil), nil
	case *tg.UpdateShortMessage:
		message := &tg.Message{
			ID:      typed.ID,
			Out:     typed.Out,
			PeerID:  &tg.PeerUser{UserID: typed.UserID},
			Date:    typed.Date,
			Message: typed.Message,
		}
		if !typed.Out {
			message.SetFromID(&tg.PeerUser{UserID: typed.UserID})
		}
		if replyTo, ok := typed.GetReplyTo(); ok {
			message.SetReplyTo(replyTo)
		}
		return []gotdUpdateEnvelope{{message: message, occurredAt: intToTimeUTC(typed.Date)}}, nil
	case *tg.UpdateShortChatMessage:
		message := &tg.Message{
			ID:      typed.ID,
			Out:     typed.Out,
			PeerID:  &tg.PeerChat{ChatID: typed.ChatID},
			Date:    typed.Date,
			Message: typed.Message,
		}
		message.SetFromID(&tg.PeerUser{UserID: typed.FromID})
		if replyTo, ok := typed.GetReplyTo(); ok {
			message.SetReplyTo(replyTo)
		}
		return []gotdUpdateEnvelope{{message: message, occurredAt: intToTimeUTC(typed.Date)}}, nil
	case *tg.UpdatesTooLong, *tg.UpdateShortSentMessage:
		return nil, nil
	default:
		return nil, fmt.Errorf("flatten gotd updates %s: unsupported container", updates.TypeName())
	}
}

func flattenGotdBatch(
	updates []tg.UpdateClass,
	date int,
	users []tg.UserClass,
	chats []tg.ChatClass,
) []gotdUpdateEnvelope {
	occurredAt := intToTimeUTC(date)
	usersByID := indexGotdUsers(users)
	chatsByID := indexGotdChats(chats)

	batch := make([]gotdUpdateEnvelope, 0, len(updates))
	for _, update := range updates {
		var messageClass tg.MessageClass
		switch typed := update.(type) {
		case *tg.UpdateNewMessage:
			messageClass = typed.Message
		case *tg.UpdateNewChannelMessage:
			messageClass = typed.Message
		default:
			continue
		}

		message, ok := messageClass.(*tg.Message)
		if !ok {
			continue
		}
		messageTime := intToTimeUTC(message.Date)
		if messageTime.IsZero() {
			messageTime = occurredAt
		}
		batch = append(batch, gotdUpdateEnvelope{
			message:    message,
			occurredAt: messageTime,
			usersByID:  usersByID,
			chatsByID:  chatsByID,
		})
	}

	return batch
}

func indexGotdUsers(users []tg.UserClass) map[int64]*tg.User {
	if len(users) == 0 {
		return nil
	}

	out := make(map[int64]*tg.User, len(users))
	for _, user := range users {
		if user == nil {
			continue
		}
		notEmpty, ok := user.AsNotEmpty()
		if !ok || notEmpty == nil {
			continue
		}
		out[notEmpty.ID] = notEmpty
	}

	return out
}

func indexGotdChats(chats []tg.ChatClass) map[int64]gotdChatInfo {
	if len(chats) == 0 {
		return nil
	}

	out := make(map[int64]gotdChatInfo, len(chats))
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Chat:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      smeargle.ConversationTypeGroup,
				inputPeer: &tg.InputPeerChat{ChatID: typed.ID},
			}
		case *tg.Channel:
			kind := smeargle.ConversationTypeChannel
			if typed.Megagroup {
				kind = smeargle.ConversationTypeGroup
			}
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      kind,
				inputPeer: typed.AsInputPeer(),
			}
		}
	}

	return out
}

func intToTimeUTC(value int) time.Time {
	if value <= 0 {
		return time.Time{}
	}

	return time.Unix(int64(value), 0).UTC()
}
