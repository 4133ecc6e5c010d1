package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"smeargle/pkg/smeargle"
)

// moduleRecord tracks one registered module and the subscriptions it opened.
type moduleRecord struct {
	name          string
	module        smeargle.Module
	capabilities  []smeargle.Capability
	subscriptions []smeargle.Subscription
	subMu         sync.Mutex
}

func (m *moduleRecord) addSubscription(subscription smeargle.Subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscriptions = append(m.subscriptions, subscription)
}

// closeSubscriptions detaches and closes every subscription. A second call is a no-op.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErr error
	for _, subscription := range subscriptions {
		if err := subscription.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return closeErr
}

// moduleRuntime is the view of the kernel handed to module hooks.
type moduleRuntime struct {
	moduleName string
	services   smeargle.ServiceRegistry
	bus        smeargle.EventBus
	record     *moduleRecord
}

func (r *moduleRuntime) Services() smeargle.ServiceRegistry {
	return r.services
}

// Subscribe opens a subscription owned by the module. The interest must fit one
// of the module's declared capabilities.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest smeargle.InterestSet,
	spec smeargle.SubscriptionSpec,
	handler smeargle.EventHandler,
) (smeargle.Subscription, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("%s-subscription", r.moduleName)
	}
	if err := assertSubscriptionAllowed(r.record.capabilities, spec.Name, interest); err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}
	r.record.addSubscription(subscription)

	return subscription, nil
}

func assertSubscriptionAllowed(capabilities []smeargle.Capability, subscriptionName string, interest smeargle.InterestSet) error {
	if len(capabilities) == 0 {
		return fmt.Errorf("subscription %s: %w: no declared capability", subscriptionName, smeargle.ErrInvalidSubscription)
	}

	for _, capability := range capabilities {
		if capability.Interest.Allows(interest) {
			return nil
		}
	}

	return fmt.Errorf("subscription %s: %w: interest not covered by declared capabilities", subscriptionName, smeargle.ErrInvalidSubscription)
}
