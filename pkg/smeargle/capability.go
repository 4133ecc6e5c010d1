package smeargle

import "slices"

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	// Kinds restricts delivery to the listed event kinds.
	Kinds []EventKind
	// Sources restricts delivery to the listed driver sources.
	Sources []EventSource
	// ConversationIDs restricts delivery to the listed conversations.
	ConversationIDs []string
	// RequireMessage rejects events without a message payload.
	RequireMessage bool
	// SkipSelf rejects events authored by the driver's own account.
	SkipSelf bool
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !slices.Contains(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Sources) > 0 && !sourceMatches(i.Sources, event.Source) {
		return false
	}
	if len(i.ConversationIDs) > 0 && !slices.Contains(i.ConversationIDs, event.Conversation.ID) {
		return false
	}
	if i.RequireMessage && event.Message == nil {
		return false
	}
	if i.SkipSelf && event.Actor.IsSelf {
		return false
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 && !allIncluded(filter.Kinds, i.Kinds) {
		return false
	}
	if len(i.ConversationIDs) > 0 && !allIncluded(filter.ConversationIDs, i.ConversationIDs) {
		return false
	}
	if i.RequireMessage && !filter.RequireMessage {
		return false
	}
	if i.SkipSelf && !filter.SkipSelf {
		return false
	}

	return true
}

// sourceMatches treats empty fields of a configured source as wildcards.
func sourceMatches(sources []EventSource, actual EventSource) bool {
	for _, source := range sources {
		if source.Platform != "" && source.Platform != actual.Platform {
			continue
		}
		if source.ID != "" && source.ID != actual.ID {
			continue
		}
		return true
	}

	return false
}

// allIncluded reports whether a non-empty subset is fully contained in allowed.
// An empty subset means "everything" and is therefore not included.
func allIncluded[T comparable](subset, allowed []T) bool {
	if len(subset) == 0 {
		return false
	}
	for _, item := range subset {
		if !slices.Contains(allowed, item) {
			return false
		}
	}

	return true
}
