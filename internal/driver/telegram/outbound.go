package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"smeargle/pkg/smeargle"

	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/message/unpack"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

const (
	defaultOutboundTimeout = 3 * time.Second
	// Uploads are bounded separately because they carry the image bytes.
	defaultUploadTimeout = 2 * time.Minute
)

// OutboundOption mutates outbound dispatcher configuration.
type OutboundOption func(*outboundConfig)

// WithOutboundTimeout configures a timeout bound for each text RPC call.
func WithOutboundTimeout(timeout time.Duration) OutboundOption {
	return func(cfg *outboundConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithUploadTimeout configures a timeout bound for each file upload.
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

// SinkDispatcher adapts neutral outbound operations to Telegram RPC calls.
type SinkDispatcher struct {
	cfg      outboundConfig
	peers    *PeerCache
	telegram outboundRPC
}

type outboundConfig struct {
	rpcTimeout    time.Duration
	uploadTimeout time.Duration
	logger        *slog.Logger
	sink          smeargle.SinkRef
}

// NewOutboundDispatcher creates a Telegram outbound dispatcher using gotd client APIs.
func NewOutboundDispatcher(
	client *gotdtelegram.Client,
	peers *PeerCache,
	options ...OutboundOption,
) (*SinkDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil client")
	}

	return newOutboundDispatcherWithRPC(newGotdOutboundRPC(client.API()), peers, options...)
}

func newOutboundDispatcherWithRPC(
	rpc outboundRPC,
	peers *PeerCache,
	options ...OutboundOption,
) (*SinkDispatcher, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram outbound dispatcher: nil peer cache")
	}

	cfg := outboundConfig{
		rpcTimeout:    defaultOutboundTimeout,
		uploadTimeout: defaultUploadTimeout,
		sink:          smeargle.SinkRef{Platform: DriverPlatform},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &SinkDispatcher{
		cfg:      cfg,
		peers:    peers,
		telegram: rpc,
	}, nil
}

// SendMessage publishes a text message to a Telegram conversation.
func (d *SinkDispatcher) SendMessage(
	ctx context.Context,
	request smeargle.SendMessageRequest,
) (*smeargle.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send message validate: %w", err)
	}

	peer, replyTo, err := d.prepare(request.Target, request.ReplyToMessageID)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.cfg.rpcTimeout)
	defer cancel()

	id, err := d.telegram.SendText(rpcCtx, peer, request.Text, replyTo)
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", request.Target.Conversation.ID,
			mapTelegramOutboundError(smeargle.OutboundOperationSendMessage, d.cfg.sink, err))
	}

	d.logOutbound(ctx, smeargle.OutboundOperationSendMessage,
		"conversation", request.Target.Conversation.ID,
		"message_id", id,
	)

	return &smeargle.OutboundMessage{
		ID:     strconv.Itoa(id),
		Target: request.Target,
	}, nil
}

// SendFile uploads a local file and posts it to a Telegram conversation.
//
// Common image formats are sent as photos so clients render them inline.
func (d *SinkDispatcher) SendFile(
	ctx context.Context,
	request smeargle.SendFileRequest,
) (*smeargle.OutboundMessage, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("send file validate: %w", err)
	}

	peer, replyTo, err := d.prepare(request.Target, request.ReplyToMessageID)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}

	fileName := request.FileName
	if fileName == "" {
		fileName = filepath.Base(request.Path)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, d.cfg.uploadTimeout)
	defer cancel()

	id, err := d.telegram.SendFile(uploadCtx, peer, outboundFile{
		path:    request.Path,
		name:    fileName,
		caption: request.Caption,
		photo:   isPhotoFileName(fileName),
	}, replyTo)
	if err != nil {
		return nil, fmt.Errorf("send file %s to %s: %w", fileName, request.Target.Conversation.ID,
			mapTelegramOutboundError(smeargle.OutboundOperationSendFile, d.cfg.sink, err))
	}

	d.logOutbound(ctx, smeargle.OutboundOperationSendFile,
		"conversation", request.Target.Conversation.ID,
		"message_id", id,
		"file", fileName,
	)

	return &smeargle.OutboundMessage{
		ID:     strconv.Itoa(id),
		Target: request.Target,
	}, nil
}

func (d *SinkDispatcher) prepare(target smeargle.OutboundTarget, replyToMessageID string) (tg.InputPeerClass, int, error) {
	if target.Sink != nil && target.Sink.Platform != "" && target.Sink.Platform != DriverPlatform {
		return nil, 0, fmt.Errorf("%w: platform %s", smeargle.ErrOutboundUnsupported, target.Sink.Platform)
	}

	peer, err := d.peers.Resolve(target.Conversation)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", smeargle.ErrInvalidOutboundRequest, err)
	}

	replyTo := 0
	if replyToMessageID != "" {
		replyTo, err = parseMessageID(replyToMessageID)
		if err != nil {
			return nil, 0, err
		}
	}

	return peer, replyTo, nil
}

func (d *SinkDispatcher) logOutbound(ctx context.Context, operation smeargle.OutboundOperation, attrs ...any) {
	if d.cfg.logger == nil {
		return
	}

	values := make([]any, 0, 4+len(attrs))
	values = append(values, "operation", operation, "sink", d.cfg.sink.ID)
	values = append(values, attrs...)
	d.cfg.logger.DebugContext(ctx, "telegram outbound operation", values...)
}

func parseMessageID(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid message id: %w", smeargle.ErrInvalidOutboundRequest, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: invalid message id", smeargle.ErrInvalidOutboundRequest)
	}

	return value, nil
}

func isPhotoFileName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}

type outboundFile struct {
	path    string
	name    string
	caption string
	photo   bool
}

type outboundRPC interface {
	SendText(ctx context.Context, peer tg.InputPeerClass, text string, replyTo int) (int, error)
	SendFile(ctx context.Context, peer tg.InputPeerClass, file outboundFile, replyTo int) (int, error)
}

type gotdOutboundRPC struct {
	sender   *message.Sender
	uploader *uploader.Uploader
}

func newGotdOutboundRPC(raw *tg.Client) gotdOutboundRPC {
	return gotdOutboundRPC{
		sender:   message.NewSender(raw),
		uploader: uploader.NewUploader(raw),
	}
}

func (r gotdOutboundRPC) builder(peer tg.InputPeerClass, replyTo int) *message.Builder {
	builder := r.sender.To(peer)
	if replyTo > 0 {
		return builder.Reply(replyTo)
	}

	return &builder.Builder
}

func (r gotdOutboundRPC) SendText(ctx context.Context, peer tg.InputPeerClass, text string, replyTo int) (int, error) {
	updates, err := r.builder(peer, replyTo).Text(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("send text: %w", err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return 0, fmt.Errorf("extract sent message id: %w", err)
	}

	return messageID, nil
}

func (r gotdOutboundRPC) SendFile(ctx context.Context, peer tg.InputPeerClass, file outboundFile, replyTo int) (int, error) {
	upload, err := r.uploader.FromPath(ctx, file.path)
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", file.path, err)
	}

	var caption []message.StyledTextOption
	if file.caption != "" {
		caption = append(caption, styling.Plain(file.caption))
	}

	var media message.MediaOption
	if file.photo {
		media = message.UploadedPhoto(upload, caption...)
	} else {
		media = message.UploadedDocument(upload, caption...).Filename(file.name)
	}

	updates, err := r.builder(peer, replyTo).Media(ctx, media)
	if err != nil {
		return 0, fmt.Errorf("send media: %w", err)
	}

	messageID, err := unpack.MessageID(updates, nil)
	if err != nil {
		return 0, fmt.Errorf("extract sent message id: %w", err)
	}

	return messageID, nil
}
