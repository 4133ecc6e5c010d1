package telegram

import (
	"strconv"
	"strings"
	"sync/atomic"

	"smeargle/pkg/smeargle"

	"github.com/gotd/td/tg"
)

const gotdUnknownActorID = "unknown"

// gotdMessageMapper projects gotd messages into adapter updates and feeds the
// peer cache used by outbound dispatch.
type gotdMessageMapper struct {
	peers  *PeerCache
	selfID atomic.Int64
}

func newGotdMessageMapper(peers *PeerCache) *gotdMessageMapper {
	return &gotdMessageMapper{peers: peers}
}

// setSelfID records the bot user id once the session is authorized.
func (m *gotdMessageMapper) setSelfID(id int64) {
	m.selfID.Store(id)
}

// Map converts one envelope. Messages without text are not accepted.
func (m *gotdMessageMapper) Map(envelope gotdUpdateEnvelope) (Update, bool) {
	message := envelope.message
	if message == nil || strings.TrimSpace(message.Message) == "" {
		return Update{}, false
	}

	m.peers.RememberEnvelope(envelope)

	chat := resolveChatFromPeer(message.PeerID, envelope)
	if peer := resolveInputPeerFromPeer(message.PeerID, envelope); peer != nil {
		m.peers.RememberConversation(chat, peer)
	}

	actor := ActorRef{ID: gotdUnknownActorID}
	if fromID, ok := message.GetFromID(); ok {
		actor = resolveActorFromPeer(fromID, envelope)
	}
	if actor.ID == gotdUnknownActorID {
		actor = resolveActorFromPeer(message.PeerID, envelope)
	}
	selfID := m.selfID.Load()
	actor.IsSelf = message.Out || (selfID != 0 && actor.ID == strconv.FormatInt(selfID, 10))

	payload := MessagePayload{
		ID:   strconv.Itoa(message.ID),
		Text: message.Message,
	}
	if replyTo, ok := message.GetReplyTo(); ok {
		if header, ok := replyTo.(*tg.MessageReplyHeader); ok {
			if replyToMessageID, ok := header.GetReplyToMsgID(); ok {
				payload.ReplyToID = strconv.Itoa(replyToMessageID)
			}
		}
	}

	return Update{
		ID:         "tg:" + chat.ID + ":" + payload.ID,
		OccurredAt: envelope.occurredAt,
		Chat:       chat,
		Actor:      actor,
		Message:    payload,
	}, true
}

func resolveChatFromPeer(peer tg.PeerClass, envelope gotdUpdateEnvelope) ChatRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		actor := resolveActorByUserID(typed.UserID, envelope)
		return ChatRef{
			ID:    strconv.FormatInt(typed.UserID, 10),
			Type:  smeargle.ConversationTypePrivate,
			Title: actor.DisplayName,
		}
	case *tg.PeerChat:
		return resolveChatByID(typed.ChatID, smeargle.ConversationTypeGroup, envelope)
	case *tg.PeerChannel:
		return resolveChatByID(typed.ChannelID, smeargle.ConversationTypeChannel, envelope)
	default:
		return ChatRef{ID: gotdUnknownActorID, Type: smeargle.ConversationTypePrivate}
	}
}

func resolveChatByID(id int64, fallback smeargle.ConversationType, envelope gotdUpdateEnvelope) ChatRef {
	ref := ChatRef{
		ID:   strconv.FormatInt(id, 10),
		Type: fallback,
	}
	if info, ok := envelope.chatsByID[id]; ok {
		ref.Title = info.title
		ref.Type = info.kind
	}

	return ref
}

func resolveActorFromPeer(peer tg.PeerClass, envelope gotdUpdateEnvelope) ActorRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return resolveActorByUserID(typed.UserID, envelope)
	case *tg.PeerChat:
		return ActorRef{
			ID:          strconv.FormatInt(typed.ChatID, 10),
			DisplayName: envelope.chatsByID[typed.ChatID].title,
		}
	case *tg.PeerChannel:
		return ActorRef{
			ID:          strconv.FormatInt(typed.ChannelID, 10),
			DisplayName: envelope.chatsByID[typed.ChannelID].title,
		}
	default:
		return ActorRef{ID: gotdUnknownActorID}
	}
}

func resolveActorByUserID(userID int64, envelope gotdUpdateEnvelope) ActorRef {
	if userID == 0 {
		return ActorRef{ID: gotdUnknownActorID}
	}
	id := strconv.FormatInt(userID, 10)

	user, ok := envelope.usersByID[userID]
	if !ok || user == nil {
		return ActorRef{ID: id}
	}

	displayName := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if displayName == "" {
		displayName = user.Username
	}

	return ActorRef{
		ID:          id,
		Username:    user.Username,
		DisplayName: displayName,
		IsBot:       user.Bot,
	}
}

func resolveInputPeerFromPeer(peer tg.PeerClass, envelope gotdUpdateEnvelope) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		if user, ok := envelope.usersByID[typed.UserID]; ok && user != nil {
			return user.AsInputPeer()
		}
	case *tg.PeerChat:
		if typed.ChatID != 0 {
			return &tg.InputPeerChat{ChatID: typed.ChatID}
		}
	case *tg.PeerChannel:
		if info, ok := envelope.chatsByID[typed.ChannelID]; ok && info.inputPeer != nil {
			return copyInputPeer(info.inputPeer)
		}
	}

	return nil
}
