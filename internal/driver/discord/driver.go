// Package discord adapts a discordgo bot session into the smeargle kernel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"smeargle/pkg/smeargle"

	"github.com/bwmarrin/discordgo"
)

const defaultPublishTimeout = 2 * time.Second

// gatewaySession is the part of *discordgo.Session the driver drives.
type gatewaySession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
}

type driverConfig struct {
	name           string
	publishTimeout time.Duration
	reconnect      bool
	logger         *slog.Logger
}

// DriverOption mutates Discord driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPublishTimeout configures sink publish timeout per event.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithReconnect keeps the driver running across gateway disconnects and
// leaves reconnection to discordgo.
func WithReconnect(enabled bool) DriverOption {
	return func(cfg *driverConfig) {
		cfg.reconnect = enabled
	}
}

// WithLogger configures driver logging.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(cfg *driverConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Driver adapts Discord gateway messages into neutral smeargle events.
type Driver struct {
	cfg       driverConfig
	session   gatewaySession
	selfID    atomic.Value
	closeOnce sync.Once
	closeErr  error
}

// NewDriver creates a Discord driver over one gateway session.
func NewDriver(session gatewaySession, options ...DriverOption) (*Driver, error) {
	if session == nil {
		return nil, fmt.Errorf("new discord driver: nil session")
	}

	cfg := driverConfig{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		logger:         slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	driver := &Driver{cfg: cfg, session: session}
	driver.selfID.Store("")

	return driver, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start opens the gateway and publishes inbound messages until ctx ends.
//
// Without reconnect, a gateway disconnect ends Start with
// smeargle.ErrConnectionLost.
func (d *Driver) Start(ctx context.Context, sink smeargle.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start discord driver: nil sink")
	}

	lost := make(chan struct{}, 1)
	removers := []func(){
		d.session.AddHandler(func(_ *discordgo.Session, ready *discordgo.Ready) {
			d.onReady(ctx, ready)
		}),
		d.session.AddHandler(func(session *discordgo.Session, created *discordgo.MessageCreate) {
			if created == nil || created.Message == nil {
				return
			}
			d.onMessage(ctx, sink, created.Message, channelTitle(session, created.ChannelID))
		}),
		d.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			d.cfg.logger.WarnContext(ctx, "discord gateway disconnected", "reconnect", d.cfg.reconnect)
			if d.cfg.reconnect {
				return
			}
			select {
			case lost <- struct{}{}:
			default:
			}
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("start discord driver %s: %w: open gateway: %w", d.cfg.name, smeargle.ErrConnectionLost, err)
	}
	defer func() {
		_ = d.close()
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-lost:
		return fmt.Errorf("start discord driver %s: %w", d.cfg.name, smeargle.ErrConnectionLost)
	}
}

func (d *Driver) onReady(ctx context.Context, ready *discordgo.Ready) {
	if ready == nil || ready.User == nil {
		return
	}
	d.selfID.Store(ready.User.ID)
	d.cfg.logger.InfoContext(ctx, "discord bot connected",
		"bot_id", ready.User.ID,
		"username", ready.User.Username,
		"guilds", len(ready.Guilds),
	)
}

func (d *Driver) onMessage(ctx context.Context, sink smeargle.EventSink, message *discordgo.Message, title string) {
	event, ok := messageToEvent(message, d.selfID.Load().(string), title, smeargle.EventSource{
		Platform: DriverPlatform,
		ID:       d.cfg.name,
	})
	if !ok {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
	defer cancel()

	if err := sink.Publish(publishCtx, event); err != nil {
		d.cfg.logger.ErrorContext(ctx, "discord driver publish failed", "event_id", event.ID, "error", err)
	}
}

// Shutdown closes the gateway session.
func (d *Driver) Shutdown(_ context.Context) error {
	if err := d.close(); err != nil {
		return fmt.Errorf("shutdown discord driver %s: %w", d.cfg.name, err)
	}

	return nil
}

func (d *Driver) close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.session.Close()
	})

	return d.closeErr
}

func channelTitle(session *discordgo.Session, channelID string) string {
	if session == nil || session.State == nil {
		return ""
	}
	channel, err := session.State.Channel(channelID)
	if err != nil || channel == nil {
		return ""
	}

	return channel.Name
}
