package kernel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"smeargle/pkg/smeargle"
)

// EventBus is the kernel asynchronous pub/sub implementation.
//
// Every subscription owns a bounded queue drained by its own workers, so a
// slow handler only backs up its own queue.
type EventBus struct {
	mu                    sync.RWMutex
	nextID                atomic.Int64
	closed                bool
	subscriptions         map[int64]*busSubscription
	defaultBuffer         int
	defaultWorkers        int
	defaultHandlerTimeout time.Duration
	onAsyncError          func(context.Context, string, error)
}

// SubscriptionStats is a point-in-time view of one subscription's counters.
type SubscriptionStats struct {
	Name     string
	Queued   int
	Capacity int
	Workers  int
	Handled  int64
	Failed   int64
	Dropped  int64
}

// NewEventBus creates an asynchronous event bus with bounded queues.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
) *EventBus {
	return &EventBus{
		subscriptions:         make(map[int64]*busSubscription),
		defaultBuffer:         defaultBuffer,
		defaultWorkers:        defaultWorkers,
		defaultHandlerTimeout: defaultHandlerTimeout,
		onAsyncError:          onAsyncError,
	}
}

// Publish validates event and enqueues it on every matching subscription.
//
// Backpressure drops and closed subscriptions are reported asynchronously;
// only blocking enqueue failures are returned.
func (b *EventBus) Publish(ctx context.Context, event *smeargle.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	subs, err := b.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, err)
	}

	var publishErr error
	for _, sub := range subs {
		if !sub.interest.Matches(event) {
			continue
		}
		err := sub.enqueue(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, smeargle.ErrEventDropped), errors.Is(err, smeargle.ErrSubscriptionClosed):
			b.reportAsyncError(ctx, sub.spec.Name, err)
		default:
			publishErr = errors.Join(publishErr, err)
		}
	}
	if publishErr != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, publishErr)
	}

	return nil
}

// Subscribe registers a bounded asynchronous consumer.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest smeargle.InterestSet,
	spec smeargle.SubscriptionSpec,
	handler smeargle.EventHandler,
) (smeargle.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: %w: nil handler", spec.Name, smeargle.ErrInvalidSubscription)
	}

	subID := b.nextID.Add(1)
	spec, err := b.normalizeSpec(spec, subID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	sub := newBusSubscription(subID, interest, spec, handler, b)
	b.subscriptions[subID] = sub

	return sub, nil
}

// Stats returns counters of every active subscription ordered by name.
func (b *EventBus) Stats() []SubscriptionStats {
	b.mu.RLock()
	stats := make([]SubscriptionStats, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		stats = append(stats, sub.stats())
	}
	b.mu.RUnlock()

	slices.SortFunc(stats, func(a, b SubscriptionStats) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return stats
}

// Close stops all active subscriptions and rejects further publishes/subscribes.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	clear(b.subscriptions)
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		closeErr = errors.Join(closeErr, sub.shutdown(ctx))
	}
	if closeErr != nil {
		return fmt.Errorf("close event bus: %w", closeErr)
	}

	return nil
}

func (b *EventBus) snapshotSubscriptions() ([]*busSubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	subs := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}

	return subs, nil
}

// normalizeSpec applies bus defaults and rejects unknown backpressure policies.
func (b *EventBus) normalizeSpec(spec smeargle.SubscriptionSpec, subID int64) (smeargle.SubscriptionSpec, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", subID)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaultBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaultWorkers
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaultHandlerTimeout
	}
	switch spec.Backpressure {
	case "":
		spec.Backpressure = smeargle.BackpressureDropNewest
	case smeargle.BackpressureDropNewest, smeargle.BackpressureDropOldest, smeargle.BackpressureBlock:
	default:
		return spec, fmt.Errorf("subscribe %s: %w: unknown backpressure %q",
			spec.Name, smeargle.ErrInvalidSubscription, spec.Backpressure)
	}

	return spec, nil
}

func (b *EventBus) unsubscribe(ctx context.Context, subID int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[subID]
	delete(b.subscriptions, subID)
	b.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

// busSubscription owns queueing and worker lifecycle for a single subscriber.
// Workers stop on context cancellation; the queue channel is never closed.
type busSubscription struct {
	id       int64
	interest smeargle.InterestSet
	spec     smeargle.SubscriptionSpec
	handler  smeargle.EventHandler
	queue    chan *smeargle.Event
	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	done     chan struct{}
	closed   atomic.Bool
	once     sync.Once
	bus      *EventBus

	handled atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func newBusSubscription(
	subID int64,
	interest smeargle.InterestSet,
	spec smeargle.SubscriptionSpec,
	handler smeargle.EventHandler,
	bus *EventBus,
) *busSubscription {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &busSubscription{
		id:       subID,
		interest: cloneInterestSet(interest),
		spec:     spec,
		handler:  handler,
		queue:    make(chan *smeargle.Event, spec.Buffer),
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      bus,
	}

	for workerID := range spec.Workers {
		sub.workers.Go(func() {
			sub.runWorker(workerID)
		})
	}
	go func() {
		sub.workers.Wait()
		close(sub.done)
	}()

	return sub
}

// cloneInterestSet copies owned slices so caller mutation does not affect matching.
func cloneInterestSet(interest smeargle.InterestSet) smeargle.InterestSet {
	cloned := interest
	cloned.Kinds = slices.Clone(interest.Kinds)
	cloned.Sources = slices.Clone(interest.Sources)
	cloned.ConversationIDs = slices.Clone(interest.ConversationIDs)

	return cloned
}

// Name returns the stable subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Close unregisters this subscription from its parent bus.
func (s *busSubscription) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

func (s *busSubscription) stats() SubscriptionStats {
	return SubscriptionStats{
		Name:     s.spec.Name,
		Queued:   len(s.queue),
		Capacity: cap(s.queue),
		Workers:  s.spec.Workers,
		Handled:  s.handled.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
	}
}

// enqueue applies the configured backpressure policy for the subscriber queue.
func (s *busSubscription) enqueue(ctx context.Context, event *smeargle.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, smeargle.ErrSubscriptionClosed)
	}

	select {
	case s.queue <- event:
		return nil
	default:
	}

	switch s.spec.Backpressure {
	case smeargle.BackpressureDropOldest:
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.queue <- event:
			return nil
		default:
		}
	case smeargle.BackpressureBlock:
		select {
		case s.queue <- event:
			return nil
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, smeargle.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		}
	}

	s.dropped.Add(1)
	return fmt.Errorf("enqueue %s: %w", s.spec.Name, smeargle.ErrEventDropped)
}

// runWorker drains the queue until the subscription is closed.
func (s *busSubscription) runWorker(workerID int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.handleEvent(workerID, event); err != nil {
				s.failed.Add(1)
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
				continue
			}
			s.handled.Add(1)
		}
	}
}

// handleEvent executes one handler call with timeout and panic recovery.
func (s *busSubscription) handleEvent(workerID int, event *smeargle.Event) error {
	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.spec.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	scope := fmt.Sprintf("subscription %s worker %d", s.spec.Name, workerID)
	if err := runSafely(scope, func() error {
		return s.handler(ctx, event)
	}); err != nil {
		return fmt.Errorf("handle event %s: %w", event.ID, err)
	}

	return nil
}

func (s *busSubscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// shutdown waits for worker exit or returns when the supplied context expires.
func (s *busSubscription) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
