package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
)

const (
	defaultRuntimeSessionFile  = ".cache/telegram/session.json"
	defaultRuntimePublishDelay = 2 * time.Second
	defaultRuntimeAuthTimeout  = time.Minute
)

type runtimeConfig struct {
	AppID           int    `json:"app_id"`
	AppHash         string `json:"app_hash"`
	BotToken        string `json:"bot_token"`
	SessionFile     string `json:"session_file"`
	UpdateBuffer    int    `json:"update_buffer"`
	PublishTimeout  string `json:"publish_timeout"`
	OutboundTimeout string `json:"outbound_timeout"`
	UploadTimeout   string `json:"upload_timeout"`
	AuthTimeout     string `json:"auth_timeout"`
}

type parsedRuntimeConfig struct {
	appID           int
	appHash         string
	botToken        string
	sessionFile     string
	updateBuffer    int
	publishTimeout  time.Duration
	outboundTimeout time.Duration
	uploadTimeout   time.Duration
	authTimeout     time.Duration
}

// BuildRuntimeFromConfig builds one Telegram bot runtime from its config payload.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (smeargle.EventSource, smeargle.Driver, smeargle.SinkDispatcher, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("parse telegram runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver", name)

	sessionStorage, err := newGotdSessionStorage(cfg.sessionFile)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("new gotd session storage: %w", err)
	}

	updates := NewGotdUpdateChannel(cfg.updateBuffer)
	client := gotdtelegram.NewClient(cfg.appID, cfg.appHash, gotdtelegram.Options{
		UpdateHandler:  updates,
		SessionStorage: sessionStorage,
	})

	peers := NewPeerCache()
	source, err := NewGotdBotSource(gotdBotClient{
		client:      client,
		token:       cfg.botToken,
		authTimeout: cfg.authTimeout,
		logger:      logger,
	}, updates, peers)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("new gotd bot source: %w", err)
	}

	driver, err := NewDriver(
		source,
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "telegram driver update failed", "error", err)
		}),
	)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("new telegram driver: %w", err)
	}

	sink, err := NewOutboundDispatcher(
		client,
		peers,
		WithOutboundTimeout(cfg.outboundTimeout),
		WithUploadTimeout(cfg.uploadTimeout),
		WithOutboundLogger(logger),
		WithSinkRef(smeargle.SinkRef{Platform: DriverPlatform, ID: name}),
	)
	if err != nil {
		return smeargle.EventSource{}, nil, nil, fmt.Errorf("new telegram sink dispatcher: %w", err)
	}

	return smeargle.EventSource{
		Platform: DriverPlatform,
		ID:       name,
	}, driver, sink, nil
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
		appID:           parsed.AppID,
		appHash:         strings.TrimSpace(parsed.AppHash),
		botToken:        strings.TrimSpace(parsed.BotToken),
		sessionFile:     strings.TrimSpace(parsed.SessionFile),
		updateBuffer:    parsed.UpdateBuffer,
		publishTimeout:  defaultRuntimePublishDelay,
		outboundTimeout: defaultOutboundTimeout,
		uploadTimeout:   defaultUploadTimeout,
		authTimeout:     defaultRuntimeAuthTimeout,
	}
	if cfg.updateBuffer <= 0 {
		cfg.updateBuffer = defaultGotdUpdateBuffer
	}
	if cfg.sessionFile == "" {
		cfg.sessionFile = defaultRuntimeSessionFile
	}

	durations := []struct {
		key    string
		raw    string
		target *time.Duration
	}{
		{key: "publish_timeout", raw: parsed.PublishTimeout, target: &cfg.publishTimeout},
		{key: "outbound_timeout", raw: parsed.OutboundTimeout, target: &cfg.outboundTimeout},
		{key: "upload_timeout", raw: parsed.UploadTimeout, target: &cfg.uploadTimeout},
		{key: "auth_timeout", raw: parsed.AuthTimeout, target: &cfg.authTimeout},
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

	if cfg.appID <= 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("app_id must be > 0")
	}
	if cfg.appHash == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("app_hash is required")
	}
	if cfg.botToken == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("bot_token is required")
	}

	return cfg, nil
}

func newGotdSessionStorage(path string) (*session.FileStorage, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("empty session file path")
	}

	absPath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute session file path: %w", err)
	}
	sessionDir := filepath.Dir(absPath)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", sessionDir, err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

// gotdBotClient runs the gotd client and performs bot authorization first.
type gotdBotClient struct {
	client      *gotdtelegram.Client
	token       string
	authTimeout time.Duration
	logger      *slog.Logger
}

// Run connects, authorizes the bot, and hands the bot user id to fn.
func (c gotdBotClient) Run(ctx context.Context, fn func(runCtx context.Context, selfID int64) error) error {
	if fn == nil {
		return fmt.Errorf("run gotd bot client: nil callback")
	}

	if err := c.client.Run(ctx, func(runCtx context.Context) error {
		selfID, err := c.authorize(runCtx)
		if err != nil {
			return fmt.Errorf("authorize bot: %w", err)
		}
		return fn(runCtx, selfID)
	}); err != nil {
		return fmt.Errorf("run gotd bot client: %w", err)
	}

	return nil
}

func (c gotdBotClient) authorize(ctx context.Context) (int64, error) {
	authCtx, cancel := context.WithTimeout(ctx, c.authTimeout)
	defer cancel()

	status, err := c.client.Auth().Status(authCtx)
	if err != nil {
		return 0, fmt.Errorf("check auth status: %w", err)
	}
	if !status.Authorized {
		if _, err := c.client.Auth().Bot(authCtx, c.token); err != nil {
			return 0, fmt.Errorf("bot sign in: %w", err)
		}
	}

	self, err := c.client.Self(authCtx)
	if err != nil {
		return 0, fmt.Errorf("resolve bot user: %w", err)
	}
	c.logger.InfoContext(ctx, "telegram bot connected", "bot_id", self.ID, "username", self.Username)

	return self.ID, nil
}
