package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smeargle/pkg/smeargle"
)

const defaultPublishTimeout = 2 * time.Second

// UpdateHandler consumes one mapped Telegram update.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource produces mapped Telegram updates until ctx ends or the
// connection fails.
type UpdateSource interface {
	Consume(ctx context.Context, handler UpdateHandler) error
}

// DriverOption mutates Telegram driver configuration.
type DriverOption func(*Driver)

// WithName sets the driver instance name. It doubles as the event source id.
func WithName(name string) DriverOption {
	return func(d *Driver) {
		if name != "" {
			d.source.ID = name
		}
	}
}

// WithPublishTimeout bounds how long one update may wait on the event bus.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(d *Driver) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// WithErrorHandler receives updates that could not be mapped or published.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(d *Driver) {
		if handler != nil {
			d.onUpdateError = handler
		}
	}
}

// Driver publishes Telegram bot updates as smeargle events.
type Driver struct {
	updates        UpdateSource
	source         smeargle.EventSource
	publishTimeout time.Duration
	onUpdateError  func(context.Context, error)
}

// NewDriver creates a Telegram driver reading from updates.
func NewDriver(updates UpdateSource, options ...DriverOption) (*Driver, error) {
	if updates == nil {
		return nil, fmt.Errorf("new telegram driver: nil update source")
	}

	driver := &Driver{
		updates:        updates,
		source:         smeargle.EventSource{Platform: DriverPlatform, ID: DriverType},
		publishTimeout: defaultPublishTimeout,
		onUpdateError:  func(context.Context, error) {},
	}
	for _, option := range options {
		option(driver)
	}

	return driver, nil
}

// Name returns the driver instance name.
func (d *Driver) Name() string {
	return d.source.ID
}

// Start blocks until ctx ends or the update source fails. Per-update failures
// go to the error handler and never stop the loop. A source failure is
// reported as smeargle.ErrConnectionLost.
func (d *Driver) Start(ctx context.Context, sink smeargle.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver %s: nil sink", d.source.ID)
	}

	err := d.updates.Consume(ctx, func(updateCtx context.Context, update Update) error {
		if err := d.publish(updateCtx, sink, update); err != nil {
			d.onUpdateError(updateCtx, err)
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("start telegram driver %s: %w: %w", d.source.ID, smeargle.ErrConnectionLost, err)
	}
}

func (d *Driver) publish(ctx context.Context, sink smeargle.EventSink, update Update) error {
	event, err := update.toEvent(d.source)
	if err != nil {
		return fmt.Errorf("telegram update %s: %w", update.ID, err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	if err := sink.Publish(publishCtx, event); err != nil {
		return fmt.Errorf("telegram update %s: publish: %w", update.ID, err)
	}

	return nil
}

// Shutdown is a no-op; the gotd client stops with the Start context.
func (d *Driver) Shutdown(context.Context) error {
	return nil
}
