package discord

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/afero"
)

const (
	defaultOutboundTimeout = 3 * time.Second
	defaultUploadTimeout   = 2 * time.Minute
)

// messageSender is the REST surface of *discordgo.Session used for replies.
type messageSender interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// OutboundOption mutates outbound dispatcher configuration.
type OutboundOption func(*outboundConfig)

type outboundConfig struct {
	rpcTimeout    time.Duration
	uploadTimeout time.Duration
	logger        *slog.Logger
	sink          smeargle.SinkRef
	fs            afero.Fs
}

// WithOutboundTimeout configures a timeout bound for each text request.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithUploadTimeout configures a timeout bound for each attachment upload.
func WithUploadTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.uploadTimeout = timeout
		}
	}
}

// WithOutboundLogger configures structured logging for outbound operations.
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.logger = logger
	}
}

// WithSinkRef configures the sink identity reported in outbound errors.
func WithSinkRef(ref smeargle.SinkRef) OutboundOption {
	return func(cfg *outboundConfig) {
		cfg.sink = ref
		if cfg.sink.Platform == "" {
			cfg.sink.Platform = DriverPlatform
		}
	}
}

// WithFileSystem configures where attachment paths are opened from.
func WithFileSystem(fs afero.Fs) OutboundOption {
	return func(cfg *outboundConfig) {
		if fs != nil {
			cfg.fs = fs
		}
	}
}

// SinkDispatcher adapts neutral outbound operations to Discord REST calls.
type SinkDispatcher struct {
	cfg    outboundConfig
	sender messageSender
}

// NewOutboundDispatcher creates a Discord outbound dispatcher.
func NewOutboundDispatcher(sender messageSender, options ...OutboundOption) (*SinkDispatcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("new discord outbound dispatcher: nil sender")
	}

	cfg := outboundConfig{
		rpcTimeout:    defaultOutboundTimeout,
		uploadTimeout: defaultUploadTimeout,
		sink:          smeargle.SinkRef{Platform: DriverPlatform},
		fs:            afero.NewOsFs(),
	}
	for _, option := range options {
		option(&cfg)
	}

	return &SinkDispatcher{cfg: cfg, sender: sender}, nil
}

// SendMessage posts a text message to a Discord channel.
func (d *SinkDispatcher) SendMessage(
	ctx context.Context,
	request smeargle.SendMessageRequest,
) (*smeargle.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send message validate: %w", err)
	}
	if err := d.checkPlatform(request.Target); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.cfg.rpcTimeout)
	defer cancel()

	channelID := request.Target.Conversation.ID
	sent, err := d.sender.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:   request.Text,
		Reference: replyReference(channelID, request.ReplyToMessageID),
	}, discordgo.WithContext(rpcCtx))
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", channelID,
			mapDiscordOutboundError(smeargle.OutboundOperationSendMessage, d.cfg.sink, err))
	}

	return d.sent(ctx, smeargle.OutboundOperationSendMessage, request.Target, sent)
}

// SendFile uploads a local file as a Discord message attachment.
func (d *SinkDispatcher) SendFile(
	ctx context.Context,
	request smeargle.SendFileRequest,
) (*smeargle.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send file validate: %w", err)
	}
	if err := d.checkPlatform(request.Target); err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}

	fileName := request.FileName
	if fileName == "" {
		fileName = filepath.Base(request.Path)
	}

	file, err := d.cfg.fs.Open(request.Path)
	if err != nil {
		return nil, fmt.Errorf("send file open %s: %w", request.Path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	uploadCtx, cancel := context.WithTimeout(ctx, d.cfg.uploadTimeout)
	defer cancel()

	channelID := request.Target.Conversation.ID
	sent, err := d.sender.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: request.Caption,
		Files: []*discordgo.File{{
			Name:        fileName,
			ContentType: contentTypeForName(fileName),
			Reader:      file,
		}},
		Reference: replyReference(channelID, request.ReplyToMessageID),
	}, discordgo.WithContext(uploadCtx))
	if err != nil {
		return nil, fmt.Errorf("send file %s to %s: %w", fileName, channelID,
			mapDiscordOutboundError(smeargle.OutboundOperationSendFile, d.cfg.sink, err))
	}

	return d.sent(ctx, smeargle.OutboundOperationSendFile, request.Target, sent)
}

func (d *SinkDispatcher) checkPlatform(target smeargle.OutboundTarget) error {
	if target.Sink != nil && target.Sink.Platform != "" && target.Sink.Platform != DriverPlatform {
		return fmt.Errorf("%w: platform %s", smeargle.ErrOutboundUnsupported, target.Sink.Platform)
	}

	return nil
}

func (d *SinkDispatcher) sent(
	ctx context.Context,
	operation smeargle.OutboundOperation,
	target smeargle.OutboundTarget,
	message *discordgo.Message,
) (*smeargle.OutboundMessage, error) {
	id := ""
	if message != nil {
		id = message.ID
	}
	if d.cfg.logger != nil {
		d.cfg.logger.DebugContext(ctx, "discord outbound operation",
			"operation", operation,
			"sink", d.cfg.sink.ID,
			"channel", target.Conversation.ID,
			"message_id", id,
		)
	}

	return &smeargle.OutboundMessage{ID: id, Target: target}, nil
}

func replyReference(channelID string, messageID string) *discordgo.MessageReference {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil
	}

	return &discordgo.MessageReference{
		MessageID: messageID,
		ChannelID: channelID,
	}
}

func contentTypeForName(name string) string {
	if contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); contentType != "" {
		return contentType
	}

	return "application/octet-stream"
}
