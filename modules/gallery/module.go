// Package gallery serves random album images in reply to `!<name>` commands.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"smeargle/internal/observability/metrics"
	galleryapi "smeargle/pkg/gallery"
	"smeargle/pkg/smeargle"
)

const (
	commandLabelLookup = "lookup"
	commandLabelRandom = "random"
)

// lifecycle is implemented by catalogs that own a refresh loop.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Module resolves album names and replies with one random image.
type Module struct {
	cfg Config

	catalog    galleryapi.Catalog
	images     galleryapi.ImageStore
	dispatcher smeargle.SinkDispatcher
	logger     *slog.Logger
	metrics    *metrics.CommandMetrics
	intn       galleryapi.IntN
}

// Option mutates one gallery module construction input.
type Option func(*Module)

// WithMetrics configures command counters.
func WithMetrics(commandMetrics *metrics.CommandMetrics) Option {
	return func(m *Module) {
		m.metrics = commandMetrics
	}
}

// WithRandom overrides the image picker source.
func WithRandom(intn galleryapi.IntN) Option {
	return func(m *Module) {
		if intn != nil {
			m.intn = intn
		}
	}
}

// WithLogger overrides the logger resolved from the service registry.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Module) {
		m.logger = logger
	}
}

// New creates one gallery module instance.
func New(cfg Config, options ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new gallery module: %w", err)
	}

	module := &Module{
		cfg:  cfg,
		intn: galleryapi.DefaultIntN,
	}
	for _, option := range options {
		option(module)
	}

	return module, nil
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "gallery"
}

// Spec declares interest in chat messages from other users.
func (m *Module) Spec() smeargle.ModuleSpec {
	subscription := smeargle.NewDefaultSubscriptionSpec("gallery-commands")
	subscription.Workers = m.cfg.Workers

	return smeargle.ModuleSpec{
		Handlers: []smeargle.ModuleHandler{
			{
				Capability: smeargle.Capability{
					Name:        "gallery-command-handler",
					Description: "replies to !<name> and !random with a random album image",
					Interest: smeargle.InterestSet{
						Kinds:          []smeargle.EventKind{smeargle.EventKindMessageCreated},
						RequireMessage: true,
						SkipSelf:       true,
					},
					RequiredServices: []string{
						galleryapi.ServiceCatalog,
						galleryapi.ServiceImageStore,
						smeargle.ServiceSinkDispatcher,
					},
				},
				Subscription: subscription,
				Handler:      m.handleMessage,
			},
		},
	}
}

// OnRegister resolves module dependencies.
func (m *Module) OnRegister(_ context.Context, runtime smeargle.ModuleRuntime) error {
	catalog, err := smeargle.ResolveAs[galleryapi.Catalog](runtime.Services(), galleryapi.ServiceCatalog)
	if err != nil {
		return fmt.Errorf("gallery resolve catalog: %w", err)
	}
	images, err := smeargle.ResolveAs[galleryapi.ImageStore](runtime.Services(), galleryapi.ServiceImageStore)
	if err != nil {
		return fmt.Errorf("gallery resolve image store: %w", err)
	}
	dispatcher, err := smeargle.ResolveAs[smeargle.SinkDispatcher](runtime.Services(), smeargle.ServiceSinkDispatcher)
	if err != nil {
		return fmt.Errorf("gallery resolve sink dispatcher: %w", err)
	}
	if m.logger == nil {
		logger, err := smeargle.ResolveAs[*slog.Logger](runtime.Services(), smeargle.ServiceLogger)
		if err != nil {
			logger = slog.Default()
		}
		m.logger = logger
	}

	m.catalog = catalog
	m.images = images
	m.dispatcher = dispatcher

	return nil
}

// OnStart builds the album index and schedules its periodic refresh.
func (m *Module) OnStart(ctx context.Context) error {
	owned, ok := m.catalog.(lifecycle)
	if !ok {
		return nil
	}
	if err := owned.Start(ctx); err != nil {
		return fmt.Errorf("gallery start catalog: %w", err)
	}

	return nil
}

// OnShutdown stops the album index refresh.
func (m *Module) OnShutdown(ctx context.Context) error {
	owned, ok := m.catalog.(lifecycle)
	if !ok {
		return nil
	}
	if err := owned.Stop(ctx); err != nil {
		return fmt.Errorf("gallery stop catalog: %w", err)
	}

	return nil
}

func (m *Module) handleMessage(ctx context.Context, event *smeargle.Event) error {
	if event == nil || event.Message == nil || event.Actor.IsSelf {
		return nil
	}
	if m.catalog == nil || m.images == nil || m.dispatcher == nil {
		return fmt.Errorf("gallery handle message: module not registered")
	}

	command, ok := smeargle.ParseCommand(event.Message.Text)
	if !ok || command.IsBuiltin() {
		return nil
	}

	label := commandLabelLookup
	name := command.Name
	if command.HasPrefixFold(smeargle.CommandRandom) {
		label = commandLabelRandom
		picked, ok := m.catalog.RandomName()
		if !ok {
			m.metrics.Observe(label, metrics.OutcomeMiss)
			return nil
		}
		name = picked
	}

	albumID, ok := m.catalog.Lookup(name)
	if !ok {
		m.metrics.Observe(label, metrics.OutcomeMiss)
		m.logger.DebugContext(ctx, "gallery lookup miss", "name", name)
		return nil
	}

	outcome, err := m.serve(ctx, event, albumID)
	if err != nil {
		m.metrics.Observe(label, metrics.OutcomeError)
		m.replyError(ctx, event, name, err)
		return fmt.Errorf("gallery serve %s (album %d): %w", name, albumID, err)
	}
	m.metrics.Observe(label, outcome)

	return nil
}

// serve sends one random image of the album as a file, or as its URL when
// the file is too large to attach.
func (m *Module) serve(ctx context.Context, event *smeargle.Event, albumID int) (string, error) {
	urls, err := m.catalog.Images(ctx, albumID)
	if err != nil {
		return "", fmt.Errorf("load images: %w", err)
	}
	url, err := galleryapi.PickRandom(urls, m.intn)
	if err != nil {
		return "", fmt.Errorf("pick image: %w", err)
	}
	image, err := m.images.Ensure(ctx, url)
	if err != nil {
		return "", fmt.Errorf("cache image: %w", err)
	}

	target, err := smeargle.OutboundTargetFromEvent(event)
	if err != nil {
		return "", fmt.Errorf("derive outbound target: %w", err)
	}

	if image.Size < m.cfg.AttachmentLimitBytes {
		if _, err := m.dispatcher.SendFile(ctx, smeargle.SendFileRequest{
			Target: target,
			Path:   image.Path,
		}); err != nil {
			return "", fmt.Errorf("send image file: %w", err)
		}
		return metrics.OutcomeAttachment, nil
	}

	if _, err := m.dispatcher.SendMessage(ctx, smeargle.SendMessageRequest{
		Target: target,
		Text:   image.URL,
	}); err != nil {
		return "", fmt.Errorf("send image link: %w", err)
	}

	return metrics.OutcomeLink, nil
}

func (m *Module) replyError(ctx context.Context, event *smeargle.Event, name string, cause error) {
	if !m.cfg.ErrorReply {
		return
	}
	if outboundErr, isOutbound := smeargle.AsOutboundError(cause); isOutbound {
		retryAfter, _ := smeargle.AsOutboundRateLimit(outboundErr)
		m.logger.DebugContext(ctx, "gallery error reply skipped after sink failure",
			"name", name,
			"kind", outboundErr.Kind,
			"retryable", outboundErr.Retryable(),
			"retry_after", retryAfter,
		)
		return
	}

	target, err := smeargle.OutboundTargetFromEvent(event)
	if err != nil {
		return
	}
	if _, err := m.dispatcher.SendMessage(ctx, smeargle.SendMessageRequest{
		Target: target,
		Text:   errorReplyText(name, cause),
	}); err != nil {
		m.logger.WarnContext(ctx, "gallery error reply failed", "name", name, "error", err)
	}
}

func errorReplyText(name string, cause error) string {
	switch {
	case errors.Is(cause, galleryapi.ErrEmptyAlbum):
		return fmt.Sprintf("The %s album has no images yet.", name)
	case errors.Is(cause, galleryapi.ErrLocalIO):
		return fmt.Sprintf("Could not store an image of %s, try again later.", name)
	default:
		return fmt.Sprintf("Could not fetch an image of %s, try again later.", name)
	}
}
