// Package kernel runs chat drivers and command modules around one event bus.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"smeargle/pkg/smeargle"

	"golang.org/x/sync/errgroup"
)

// Kernel owns the event bus and the service registry. It starts modules before
// drivers and stops them in reverse order.
type Kernel struct {
	cfg config

	bus      *EventBus
	services *ServiceRegistry

	mu      sync.RWMutex
	modules []*moduleRecord
	drivers []smeargle.Driver

	running atomic.Bool
}

// New creates a kernel and publishes its logger as smeargle.ServiceLogger.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	kernelRuntime := &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(cfg.subscriptionBuffer, cfg.subscriptionWorker, cfg.handlerTimeout, cfg.onAsyncError),
		services: NewServiceRegistry(),
	}
	if err := kernelRuntime.services.Register(smeargle.ServiceLogger, cfg.logger); err != nil {
		cfg.onAsyncError(context.Background(), "register logger service", err)
	}

	return kernelRuntime
}

func (k *Kernel) EventBus() smeargle.EventBus {
	return k.bus
}

func (k *Kernel) Services() smeargle.ServiceRegistry {
	return k.services
}

// RegisterService publishes a singleton for modules to resolve.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule registers a module, runs its optional OnRegister hook, and
// subscribes its declared handlers with the module route applied.
func (k *Kernel) RegisterModule(ctx context.Context, module smeargle.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}
	moduleSpec := module.Spec()
	if err := validateModuleSpec(moduleSpec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	record := &moduleRecord{
		name:         name,
		module:       module,
		capabilities: moduleSpec.Capabilities(),
	}
	if err := k.validateCapabilityDependencies(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if slices.ContainsFunc(k.modules, func(existing *moduleRecord) bool { return existing.name == name }) {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, smeargle.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	runtime := &moduleRuntime{
		moduleName: name,
		services:   k.services,
		bus:        k.bus,
		record:     record,
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	if registrar, ok := module.(smeargle.ModuleRegistrar); ok {
		if err := runSafely("module "+name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			k.rollbackModuleRegistration(ctx, name, record)
			return fmt.Errorf("register module %s: %w", name, err)
		}
	}

	if err := k.registerDeclaredHandlers(hookCtx, name, runtime, moduleSpec.Handlers); err != nil {
		k.rollbackModuleRegistration(ctx, name, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.cfg.logger.DebugContext(ctx, "module registered",
		"module", name,
		"handlers", len(moduleSpec.Handlers),
	)

	return nil
}

// RegisterDriver adds a driver. Names must be unique.
func (k *Kernel) RegisterDriver(driver smeargle.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if slices.ContainsFunc(k.drivers, func(existing smeargle.Driver) bool { return existing.Name() == name }) {
		return fmt.Errorf("register driver %s: %w", name, smeargle.ErrDriverAlreadyRegistered)
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// Run starts modules, then drivers, and blocks until ctx ends or a driver
// fails. Drivers, modules and the bus are shut down on every exit path.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return fmt.Errorf("kernel run: already running")
	}
	defer k.running.Store(false)

	k.cfg.logger.InfoContext(ctx, "kernel starting",
		"modules", k.moduleNames(),
		"drivers", k.driverNames(),
		"services", k.services.Names(),
	)

	if err := k.startModules(ctx); err != nil {
		return errors.Join(err, k.shutdownAll(ctx))
	}

	runCtx, stopDrivers := context.WithCancel(ctx)
	defer stopDrivers()
	driversDone := k.runDrivers(runCtx)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
		stopDrivers()
		k.awaitDrivers(ctx, driversDone)
	case runErr = <-driversDone:
		if runErr == nil {
			// No drivers registered: serve until canceled.
			<-ctx.Done()
			runErr = ctx.Err()
		}
	}

	shutdownErr := k.shutdownAll(ctx)
	if isContextCancellation(runErr) {
		runErr = nil
	}

	return errors.Join(runErr, shutdownErr)
}

// startModules calls OnStart in registration order.
func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.moduleRecords() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// runDrivers starts every driver in one errgroup. The returned channel yields
// the first driver failure once all drivers have returned, or nil when they
// all stopped because ctx ended.
//
// A driver returning nil while ctx is live has lost its connection for good
// and fails the group with smeargle.ErrConnectionLost.
func (k *Kernel) runDrivers(ctx context.Context) <-chan error {
	group, groupCtx := errgroup.WithContext(ctx)
	sink := k.newDriverEventSink()

	for _, driver := range k.driverList() {
		group.Go(func() error {
			name := driver.Name()
			err := runSafely("driver "+name+" Start", func() error {
				return driver.Start(groupCtx, sink)
			})
			if groupCtx.Err() != nil && (err == nil || isContextCancellation(err)) {
				return nil
			}
			if err == nil {
				err = smeargle.ErrConnectionLost
			}
			return fmt.Errorf("run driver %s: %w", name, err)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	return done
}

// awaitDrivers waits up to the shutdown timeout for canceled drivers to return.
func (k *Kernel) awaitDrivers(ctx context.Context, done <-chan error) {
	timer := time.NewTimer(k.cfg.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		k.cfg.onAsyncError(ctx, "wait drivers", fmt.Errorf("drivers still running after %s", k.cfg.shutdownTimeout))
	}
}

// shutdownAll stops drivers, then modules, then the bus within the shutdown
// timeout. It detaches from ctx so it also runs after cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	shutdownErr := errors.Join(
		k.shutdownDrivers(shutdownCtx),
		k.shutdownModules(shutdownCtx),
		k.bus.Close(shutdownCtx),
	)
	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}
	k.cfg.logger.InfoContext(shutdownCtx, "kernel stopped")

	return nil
}

func (k *Kernel) shutdownDrivers(ctx context.Context) error {
	drivers := k.driverList()
	slices.Reverse(drivers)

	var shutdownErr error
	for _, driver := range drivers {
		name := driver.Name()
		if err := runSafely("driver "+name+" Shutdown", func() error {
			return driver.Shutdown(ctx)
		}); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown driver %s: %w", name, err))
		}
	}

	return shutdownErr
}

// shutdownModules closes subscriptions before OnShutdown so no handler runs
// against a stopped module.
func (k *Kernel) shutdownModules(ctx context.Context) error {
	records := k.moduleRecords()
	slices.Reverse(records)

	var shutdownErr error
	for _, record := range records {
		if err := record.closeSubscriptions(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		cancel()
		if err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}

	return shutdownErr
}

// rollbackModuleRegistration undoes a RegisterModule that failed midway.
func (k *Kernel) rollbackModuleRegistration(ctx context.Context, name string, record *moduleRecord) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(rollbackCtx); err != nil {
		k.cfg.onAsyncError(rollbackCtx, "rollback_module_registration", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.modules = slices.DeleteFunc(k.modules, func(existing *moduleRecord) bool { return existing.name == name })
}

func (k *Kernel) validateCapabilityDependencies(capabilities []smeargle.Capability) error {
	for _, capability := range capabilities {
		for _, serviceName := range capability.RequiredServices {
			if _, err := k.services.Resolve(serviceName); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, serviceName, err)
			}
		}
	}

	return nil
}

// registerDeclaredHandlers subscribes each ModuleSpec handler with the
// module route applied.
func (k *Kernel) registerDeclaredHandlers(
	ctx context.Context,
	moduleName string,
	runtime *moduleRuntime,
	handlers []smeargle.ModuleHandler,
) error {
	route := k.moduleRouteFor(moduleName)
	for idx, declared := range handlers {
		spec := declared.Subscription
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("%s-handler-%d", moduleName, idx+1)
		}
		interest := applyRoute(declared.Capability.Interest, route)
		if _, err := runtime.Subscribe(ctx, interest, spec, declared.Handler); err != nil {
			return fmt.Errorf("register handler %s for capability %s: %w", spec.Name, declared.Capability.Name, err)
		}
	}

	return nil
}

func (k *Kernel) moduleRouteFor(moduleName string) ModuleRoute {
	if route, exists := k.cfg.routing.moduleRoutes[moduleName]; exists {
		return route
	}
	if k.cfg.routing.defaultRoute != nil {
		return *k.cfg.routing.defaultRoute
	}

	return ModuleRoute{}
}

// applyRoute narrows a declared interest with route filters.
func applyRoute(interest smeargle.InterestSet, route ModuleRoute) smeargle.InterestSet {
	if len(route.Sources) > 0 {
		interest.Sources = append([]smeargle.EventSource(nil), route.Sources...)
	}
	if len(route.ConversationIDs) > 0 {
		interest.ConversationIDs = append([]string(nil), route.ConversationIDs...)
	}

	return interest
}

func (k *Kernel) moduleRecords() []*moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.modules)
}

func (k *Kernel) moduleNames() []string {
	records := k.moduleRecords()
	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.name)
	}

	return names
}

func (k *Kernel) driverList() []smeargle.Driver {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.drivers)
}

func (k *Kernel) driverNames() []string {
	drivers := k.driverList()
	names := make([]string, 0, len(drivers))
	for _, driver := range drivers {
		names = append(names, driver.Name())
	}

	return names
}

// validateModuleSpec rejects specs with unnamed or duplicate capabilities and
// duplicate subscription names.
func validateModuleSpec(spec smeargle.ModuleSpec) error {
	seenCapabilities := make(map[string]struct{}, len(spec.Handlers)+len(spec.AdditionalCapabilities))
	seenSubscriptions := make(map[string]struct{}, len(spec.Handlers))

	for idx, handler := range spec.Handlers {
		if handler.Capability.Name == "" {
			return fmt.Errorf("module handler %d: empty capability name", idx)
		}
		if _, exists := seenCapabilities[handler.Capability.Name]; exists {
			return fmt.Errorf("module handler %d: duplicate capability name %s", idx, handler.Capability.Name)
		}
		seenCapabilities[handler.Capability.Name] = struct{}{}

		if handler.Handler == nil {
			return fmt.Errorf("module handler %s: nil handler", handler.Capability.Name)
		}
		if handler.Subscription.Name != "" {
			if _, exists := seenSubscriptions[handler.Subscription.Name]; exists {
				return fmt.Errorf("module handler %s: duplicate subscription name %s", handler.Capability.Name, handler.Subscription.Name)
			}
			seenSubscriptions[handler.Subscription.Name] = struct{}{}
		}
	}

	for idx, capability := range spec.AdditionalCapabilities {
		if capability.Name == "" {
			return fmt.Errorf("additional capability %d: empty capability name", idx)
		}
		if _, exists := seenCapabilities[capability.Name]; exists {
			return fmt.Errorf("additional capability %d: duplicate capability name %s", idx, capability.Name)
		}
		seenCapabilities[capability.Name] = struct{}{}
	}

	return nil
}

// isContextCancellation reports whether err is a context-driven termination signal.
func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
