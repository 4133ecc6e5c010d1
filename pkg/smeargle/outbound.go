package smeargle

import (
	"context"
	"fmt"
	"strings"
)

// ServiceSinkDispatcher is the canonical service registry key for outbound messaging.
const ServiceSinkDispatcher = "smeargle.sink_dispatcher"

// SinkRef identifies one outbound sink, normally the driver an event came from.
type SinkRef struct {
	// Platform is the destination platform.
	Platform Platform
	// ID is the configured driver instance name.
	ID string
}

// SinkDispatcher sends neutral outbound operations to one sink adapter.
//
// Implementations enforce platform-specific constraints while preserving
// these protocol-level request semantics.
type SinkDispatcher interface {
	// SendMessage publishes a new outbound text message to a destination conversation.
	SendMessage(ctx context.Context, request SendMessageRequest) (*OutboundMessage, error)
	// SendFile uploads a local file as an attachment to a destination conversation.
	SendFile(ctx context.Context, request SendFileRequest) (*OutboundMessage, error)
}

// OutboundTarget identifies where an outbound operation should be delivered.
type OutboundTarget struct {
	// Conversation identifies the destination conversation.
	Conversation Conversation
	// Sink optionally pins the operation to one driver instance.
	Sink *SinkRef
}

// Validate checks target identity fields used for outbound routing.
func (t OutboundTarget) Validate() error {
	if t.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidOutboundRequest)
	}
	if t.Conversation.Type == "" {
		return fmt.Errorf("%w: missing conversation type", ErrInvalidOutboundRequest)
	}
	if t.Sink != nil && t.Sink.Platform == "" && t.Sink.ID == "" {
		return fmt.Errorf("%w: missing sink identity", ErrInvalidOutboundRequest)
	}

	return nil
}

// OutboundTargetFromEvent derives a reply target from an inbound event.
func OutboundTargetFromEvent(event *Event) (OutboundTarget, error) {
	if event == nil {
		return OutboundTarget{}, fmt.Errorf("%w: nil event", ErrInvalidOutboundRequest)
	}
	target := OutboundTarget{
		Conversation: event.Conversation,
	}
	if event.Source.Platform != "" || event.Source.ID != "" {
		target.Sink = &SinkRef{
			Platform: event.Source.Platform,
			ID:       event.Source.ID,
		}
	}
	if err := target.Validate(); err != nil {
		return OutboundTarget{}, fmt.Errorf("derive target from event %s: %w", event.Kind, err)
	}

	return target, nil
}

// OutboundMessage identifies a message successfully emitted by the dispatcher.
type OutboundMessage struct {
	// ID is the destination-platform message identifier.
	ID string
	// Target is the destination where this message was delivered.
	Target OutboundTarget
}

// SendMessageRequest describes a new outbound text message.
type SendMessageRequest struct {
	// Target identifies where the message should be sent.
	Target OutboundTarget
	// Text is the message body.
	Text string
	// ReplyToMessageID optionally links this message as a reply.
	ReplyToMessageID string
}

// Validate checks the request envelope before dispatch.
func (r SendMessageRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate send message target: %w", err)
	}
	if r.Text == "" {
		return fmt.Errorf("%w: missing message text", ErrInvalidOutboundRequest)
	}

	return nil
}

// SendFileRequest describes one local file sent as an attachment.
type SendFileRequest struct {
	// Target identifies where the file should be sent.
	Target OutboundTarget
	// Path is the local filesystem path of the file.
	Path string
	// FileName overrides the attachment name shown on the platform.
	FileName string
	// Caption is optional text attached to the file.
	Caption string
	// ReplyToMessageID optionally links this message as a reply.
	ReplyToMessageID string
}

// Validate checks the request envelope before dispatch.
func (r SendFileRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate send file target: %w", err)
	}
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("%w: missing file path", ErrInvalidOutboundRequest)
	}

	return nil
}
