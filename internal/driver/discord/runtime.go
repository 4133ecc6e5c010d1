package discord

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/bwmarrin/discordgo"
)

const gatewayIntents = discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

type runtimeConfig struct {
	Token           string `json:"token"`
	Reconnect       bool   `json:"reconnect"`
	PublishTimeout  string `json:"publish_timeout"`
	OutboundTimeout string `json:"outbound_timeout"`
	UploadTimeout   string `json:"upload_timeout"`
}

type parsedRuntimeConfig struct {
	token           string
	reconnect       bool
	publishTimeout  time.Duration
	outboundTimeout time.Duration
	uploadTimeout   time.Duration
}

// BuildRuntimeFromConfig builds one Discord bot runtime from its config payload.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (smeargle.EventSource, smeargle.Driver, smeargle.SinkDispatcher, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("parse discord runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver", name)

	session, err := newSession(cfg)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("new discord session: %w", err)
	}

	driver, err := NewDriver(
		session,
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithReconnect(cfg.reconnect),
		WithLogger(logger),
	)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("new discord driver: %w", err)
	}

	sink, err := NewOutboundDispatcher(
		session,
		WithOutboundTimeout(cfg.outboundTimeout),
		WithUploadTimeout(cfg.uploadTimeout),
		WithOutboundLogger(logger),
		WithSinkRef(smeargle.SinkRef{Platform: DriverPlatform, ID: name}),
	)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("new discord sink dispatcher: %w", err)
	}

	return smeargle.EventSource{
		Platform: DriverPlatform,
		ID:       name,
	}, driver, sink, nil
}

func newSession(cfg parsedRuntimeConfig) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + cfg.token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = gatewayIntents
	session.ShouldReconnectOnError = cfg.reconnect
	session.StateEnabled = true

	return session, nil
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	if len(raw) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("missing config")
	}

	var parsed runtimeConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := parsedRuntimeConfig{
		token:           strings.TrimPrefix(strings.TrimSpace(parsed.Token), "Bot "),
		reconnect:       parsed.Reconnect,
		publishTimeout:  defaultPublishTimeout,
		outboundTimeout: defaultOutboundTimeout,
		uploadTimeout:   defaultUploadTimeout,
	}

	durations := []struct {
		key    string
		raw    string
		target *time.Duration
	}{
		{key: "publish_timeout", raw: parsed.PublishTimeout, target: &cfg.publishTimeout},
		{key: "outbound_timeout", raw: parsed.OutboundTimeout, target: &cfg.outboundTimeout},
		{key: "upload_timeout", raw: parsed.UploadTimeout, target: &cfg.uploadTimeout},
	}
	for _, duration := range durations {
		value := strings.TrimSpace(duration.raw)
		if value == "" {
			continue
		}
		parsedDuration, err := time.ParseDuration(value)
		if err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse %s: %w", duration.key, err)
		}
		if parsedDuration <= 0 {
			return parsedRuntimeConfig{}, fmt.Errorf("parse %s: must be > 0", duration.key)
		}
		*duration.target = parsedDuration
	}

	if cfg.token == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("token is required")
	}

	return cfg, nil
}
