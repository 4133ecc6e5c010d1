package kernel

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"smeargle/pkg/smeargle"
)

const (
	defaultModuleHookTimeout  = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 60 * time.Second
)

type config struct {
	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	subscriptionWorker int
	handlerTimeout     time.Duration
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
	routing            routingConfig
}

// ModuleRoute narrows the events one module sees. Empty fields match everything.
type ModuleRoute struct {
	// Sources match on platform, on driver id, or on both.
	Sources []smeargle.EventSource
	ConversationIDs []string
}

type routingConfig struct {
	defaultRoute *ModuleRoute
	moduleRoutes map[string]ModuleRoute
}

// Option configures a Kernel.
type Option func(*config)

func defaultConfig() config {
	logger := slog.Default()

	return config{
		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		handlerTimeout:     defaultHandlerTimeout,
		logger:             logger,
		onAsyncError:       asyncErrorLogger(logger),
		routing: routingConfig{
			moduleRoutes: make(map[string]ModuleRoute),
		},
	}
}

func asyncErrorLogger(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.ErrorContext(ctx, "smeargle async error", "scope", scope, "error", err)
	}
}

// WithModuleHookTimeout bounds each OnRegister, OnStart and OnShutdown call.
//
// OnStart of the gallery module runs the first album refresh, so the bound must
// cover one full paginated listing.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds the whole shutdown sequence after Run's context ends.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithDefaultSubscriptionBuffer sets the queue depth of subscriptions that leave it zero.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.subscriptionBuffer = size
		}
	}
}

// WithDefaultSubscriptionWorkers sets the worker count of subscriptions that leave it zero.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) {
		if workers > 0 {
			cfg.subscriptionWorker = workers
		}
	}
}

// WithDefaultHandlerTimeout bounds one handler call. A gallery command may
// download an image, so the default is generous.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithLogger replaces slog.Default for the kernel and its async error log.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.onAsyncError = asyncErrorLogger(logger)
	}
}

// WithAsyncErrorHandler receives handler and driver failures instead of the log.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithModuleRouting sets per-module routes. Modules without an entry use
// defaultRoute, which may be nil.
func WithModuleRouting(defaultRoute *ModuleRoute, routes map[string]ModuleRoute) Option {
	return func(cfg *config) {
		cfg.routing.defaultRoute = cloneRoute(defaultRoute)
		cfg.routing.moduleRoutes = make(map[string]ModuleRoute, len(routes))
		for moduleName, route := range routes {
			cfg.routing.moduleRoutes[moduleName] = *cloneRoute(&route)
		}
	}
}

// WithConversationFilter restricts every module to the listed conversations.
//
// Empty ids are ignored; with no ids left the option is a no-op.
func WithConversationFilter(conversationIDs ...string) Option {
	return func(cfg *config) {
		ids := slices.DeleteFunc(slices.Clone(conversationIDs), func(id string) bool { return id == "" })
		if len(ids) == 0 {
			return
		}
		route := ModuleRoute{}
		if cfg.routing.defaultRoute != nil {
			route = *cloneRoute(cfg.routing.defaultRoute)
		}
		route.ConversationIDs = ids
		cfg.routing.defaultRoute = &route
		for name, moduleRoute := range cfg.routing.moduleRoutes {
			if len(moduleRoute.ConversationIDs) == 0 {
				moduleRoute.ConversationIDs = slices.Clone(ids)
				cfg.routing.moduleRoutes[name] = moduleRoute
			}
		}
	}
}

func cloneRoute(route *ModuleRoute) *ModuleRoute {
	if route == nil {
		return nil
	}

	return &ModuleRoute{
		Sources:         slices.Clone(route.Sources),
		ConversationIDs: slices.Clone(route.ConversationIDs),
	}
}
