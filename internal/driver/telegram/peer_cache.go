package telegram

import (
	"fmt"
	"strconv"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/gotd/td/tg"
	gocache "github.com/patrickmn/go-cache"
)

// defaultPeerTTL drops peers of conversations quiet for a day. A command
// always refreshes the peer of its own conversation before the reply.
const defaultPeerTTL = 24 * time.Hour

// PeerCacheOption mutates peer cache configuration.
type PeerCacheOption func(*peerCacheConfig)

type peerCacheConfig struct {
	ttl time.Duration
}

// WithPeerTTL sets how long an unseen peer stays resolvable. Zero or negative
// keeps peers forever.
func WithPeerTTL(ttl time.Duration) PeerCacheOption {
	return func(cfg *peerCacheConfig) {
		cfg.ttl = ttl
	}
}

// PeerCache maps conversations seen in updates to the input peers needed to
// answer them. Bots cannot resolve arbitrary peers, so only conversations the
// bot has already seen are reachable.
type PeerCache struct {
	peers *gocache.Cache
}

// NewPeerCache creates an empty peer cache. Expired entries are skipped on
// lookup and purged on the next envelope.
func NewPeerCache(options ...PeerCacheOption) *PeerCache {
	cfg := peerCacheConfig{ttl: defaultPeerTTL}
	for _, option := range options {
		option(&cfg)
	}
	expiration := cfg.ttl
	if expiration <= 0 {
		expiration = gocache.NoExpiration
	}

	return &PeerCache{peers: gocache.New(expiration, 0)}
}

// RememberEnvelope stores the users and chats attached to one update.
func (c *PeerCache) RememberEnvelope(envelope gotdUpdateEnvelope) {
	if c == nil {
		return
	}
	c.peers.DeleteExpired()

	for userID, user := range envelope.usersByID {
		if user != nil {
			c.store(smeargle.ConversationTypePrivate, strconv.FormatInt(userID, 10), user.AsInputPeer())
		}
	}
	for chatID, chat := range envelope.chatsByID {
		if chat.inputPeer != nil {
			c.store(chat.kind, strconv.FormatInt(chatID, 10), chat.inputPeer)
		}
	}
}

// RememberConversation stores the peer of one mapped conversation.
func (c *PeerCache) RememberConversation(chat ChatRef, peer tg.InputPeerClass) {
	if c == nil || peer == nil || chat.ID == "" {
		return
	}
	c.store(chat.Type, chat.ID, peer)
}

// Resolve returns a copy of the peer for conversation.
//
// Megagroups are mapped as groups but addressed with channel peers, so group
// and channel lookups fall back to each other.
func (c *PeerCache) Resolve(conversation smeargle.Conversation) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}
	if conversation.ID == "" || conversation.Type == "" {
		return nil, fmt.Errorf("resolve peer: conversation needs id and type")
	}

	for _, conversationType := range peerLookupOrder(conversation.Type) {
		if cached, ok := c.peers.Get(peerKey(conversationType, conversation.ID)); ok {
			return copyInputPeer(cached.(tg.InputPeerClass)), nil
		}
	}

	return nil, fmt.Errorf("resolve peer: %s conversation %s not seen", conversation.Type, conversation.ID)
}

func (c *PeerCache) store(conversationType smeargle.ConversationType, id string, peer tg.InputPeerClass) {
	c.peers.SetDefault(peerKey(conversationType, id), copyInputPeer(peer))
}

func peerLookupOrder(conversationType smeargle.ConversationType) []smeargle.ConversationType {
	switch conversationType {
	case smeargle.ConversationTypeGroup:
		return []smeargle.ConversationType{smeargle.ConversationTypeGroup, smeargle.ConversationTypeChannel}
	case smeargle.ConversationTypeChannel:
		return []smeargle.ConversationType{smeargle.ConversationTypeChannel, smeargle.ConversationTypeGroup}
	default:
		return []smeargle.ConversationType{conversationType}
	}
}

func peerKey(conversationType smeargle.ConversationType, id string) string {
	return string(conversationType) + "/" + id
}

// copyInputPeer shields cached peers from callers mutating resolved values.
func copyInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		clone := *typed
		return &clone
	case *tg.InputPeerChat:
		clone := *typed
		return &clone
	case *tg.InputPeerChannel:
		clone := *typed
		return &clone
	default:
		return peer
	}
}
