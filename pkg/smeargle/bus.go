package smeargle

import (
	"context"
	"time"
)

// BackpressurePolicy decides what Publish does when a subscription queue is full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest rejects the new event with ErrEventDropped.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest discards the oldest queued event to make room.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock waits for room until the publish context ends.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec sizes one subscription. Zero fields take the kernel
// defaults.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// NewDefaultSubscriptionSpec names a subscription that drops new events under
// load. Chat commands are cheap to repeat, so losing one beats stalling a driver.
func NewDefaultSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{
		Name:         name,
		Backpressure: BackpressureDropNewest,
	}
}

// Subscription is a handle on one registered handler.
type Subscription interface {
	Name() string
	// Close stops delivery and waits for in-flight handlers.
	Close(ctx context.Context) error
}

// EventBus delivers published events to matching subscriptions on worker
// goroutines.
type EventBus interface {
	EventSink
	Subscribe(
		ctx context.Context,
		interest InterestSet,
		spec SubscriptionSpec,
		handler EventHandler,
	) (Subscription, error)
	Close(ctx context.Context) error
}
