package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"smeargle/internal/driver"
	"smeargle/internal/kernel"
	"smeargle/internal/observability/metrics"
	"smeargle/internal/observability/server"
	gallerymodule "smeargle/modules/gallery"
	"smeargle/modules/pingpong"
	"smeargle/pkg/gallery"
	"smeargle/pkg/smeargle"
	gallerysvc "smeargle/services/gallery"
	"smeargle/services/gallery/invision"
	"smeargle/services/imagecache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// appDeps carries process-level collaborators that tests replace.
type appDeps struct {
	httpClient *http.Client
	registry   *driver.Registry
}

// galleryStack is the shared gallery state served to chat modules.
type galleryStack struct {
	catalog   *gallerysvc.Catalog
	store     *imagecache.Store
	snapshots *gallerysvc.BoltSnapshotStore
}

func (s *galleryStack) Close() error {
	if s.snapshots == nil {
		return nil
	}
	if err := s.snapshots.Close(); err != nil {
		return fmt.Errorf("close album snapshot store: %w", err)
	}

	return nil
}

type appMetrics struct {
	registry *prometheus.Registry
	gallery  *metrics.GalleryMetrics
	images   *metrics.ImageCacheMetrics
	commands *metrics.CommandMetrics
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newAppMetrics() (*appMetrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	galleryMetrics, err := metrics.NewGalleryMetrics(registry)
	if err != nil {
		return nil, err
	}
	imageMetrics, err := metrics.NewImageCacheMetrics(registry)
	if err != nil {
		return nil, err
	}
	commandMetrics, err := metrics.NewCommandMetrics(registry)
	if err != nil {
		return nil, err
	}

	return &appMetrics{
		registry: registry,
		gallery:  galleryMetrics,
		images:   imageMetrics,
		commands: commandMetrics,
	}, nil
}

func buildGalleryStack(
	cfg appConfig,
	logger *slog.Logger,
	deps appDeps,
	appMetrics *appMetrics,
) (*galleryStack, error) {
	source, err := invision.New(
		cfg.gallery.baseURL,
		cfg.gallery.apiKey,
		invision.WithTimeout(cfg.gallery.requestTimeout),
		invision.WithHTTPClient(deps.httpClient),
		invision.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("build gallery source: %w", err)
	}

	stack := &galleryStack{}
	catalogOptions := []gallerysvc.Option{
		gallerysvc.WithRefreshInterval(cfg.gallery.refreshInterval),
		gallerysvc.WithRefreshTimeout(cfg.gallery.refreshTimeout),
		gallerysvc.WithImagesTTL(cfg.gallery.imagesTTL),
		gallerysvc.WithPruneMissing(cfg.gallery.pruneMissing),
		gallerysvc.WithLogger(logger),
	}
	storeOptions := []imagecache.Option{
		imagecache.WithDirectory(cfg.imageCache.directory),
		imagecache.WithDownloadTimeout(cfg.imageCache.downloadTimeout),
		imagecache.WithHTTPClient(deps.httpClient),
		imagecache.WithLogger(logger),
	}
	if appMetrics != nil {
		catalogOptions = append(catalogOptions, gallerysvc.WithMetrics(appMetrics.gallery))
		storeOptions = append(storeOptions, imagecache.WithMetrics(appMetrics.images))
	}
	if cfg.gallery.snapshotFile != "" {
		snapshots, err := gallerysvc.OpenBoltSnapshotStore(cfg.gallery.snapshotFile)
		if err != nil {
			return nil, fmt.Errorf("open album snapshot store: %w", err)
		}
		stack.snapshots = snapshots
		catalogOptions = append(catalogOptions, gallerysvc.WithSnapshotStore(snapshots))
	}

	catalog, err := gallerysvc.NewCatalog(source, cfg.gallery.categoryID, catalogOptions...)
	if err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("build album catalog: %w", err)
	}
	stack.catalog = catalog
	stack.store = imagecache.New(storeOptions...)

	return stack, nil
}

func runBot(ctx context.Context, configFile string, deps appDeps) error {
	cfg, err := loadConfig(configFile, deps.registry, true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(os.Stdout, cfg.logLevel)
	appMetrics, err := newAppMetrics()
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}

	stack, err := buildGalleryStack(cfg, logger, deps, appMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("gallery stack close failed", "error", err)
		}
	}()

	kernelRuntime := buildKernelRuntime(logger, cfg)
	drivers, sinkDispatcher, err := buildDriverRuntime(ctx, logger, cfg, deps.registry)
	if err != nil {
		return err
	}
	if err := registerRuntimeDrivers(kernelRuntime, drivers); err != nil {
		return err
	}
	if err := registerRuntimeServices(kernelRuntime, sinkDispatcher, stack); err != nil {
		return err
	}
	if err := registerRuntimeModules(ctx, kernelRuntime, cfg, appMetrics); err != nil {
		return err
	}

	var metricsServer *server.Server
	if cfg.metricsAddress != "" {
		metricsServer, err = server.New(
			cfg.metricsAddress,
			appMetrics.registry,
			stack.catalog.Healthy,
			server.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("build observability server: %w", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := kernelRuntime.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run kernel: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		group.Go(func() error {
			return metricsServer.Run(groupCtx)
		})
	}

	return group.Wait()
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithDefaultHandlerTimeout(cfg.handlerTimeout),
		kernel.WithModuleRouting(nil, cfg.moduleRoutes),
		kernel.WithConversationFilter(cfg.commands.channelID),
	)
}

func buildDriverRuntime(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	registry *driver.Registry,
) ([]smeargle.Driver, smeargle.SinkDispatcher, error) {
	if registry == nil {
		return nil, nil, fmt.Errorf("build drivers: nil driver registry")
	}

	runtimes, err := registry.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build drivers: %w", err)
	}

	drivers := make([]smeargle.Driver, 0, len(runtimes))
	for _, runtime := range runtimes {
		drivers = append(drivers, runtime.Driver)
	}

	dispatcher, err := driver.NewCompositeSinkDispatcher(runtimes)
	if err != nil {
		return nil, nil, fmt.Errorf("build sink dispatcher: %w", err)
	}

	return drivers, dispatcher, nil
}

func registerRuntimeServices(
	kernelRuntime *kernel.Kernel,
	sinkDispatcher smeargle.SinkDispatcher,
	stack *galleryStack,
) error {
	if sinkDispatcher == nil {
		return fmt.Errorf("register sink dispatcher service: nil dispatcher")
	}
	services := []struct {
		name    string
		service any
	}{
		{name: smeargle.ServiceSinkDispatcher, service: sinkDispatcher},
		{name: gallery.ServiceCatalog, service: stack.catalog},
		{name: gallery.ServiceImageStore, service: stack.store},
	}
	for _, entry := range services {
		if err := kernelRuntime.RegisterService(entry.name, entry.service); err != nil {
			return fmt.Errorf("register %s service: %w", entry.name, err)
		}
	}

	return nil
}

func registerRuntimeModules(
	ctx context.Context,
	kernelRuntime *kernel.Kernel,
	cfg appConfig,
	appMetrics *appMetrics,
) error {
	pingPongModule := pingpong.New(pingpong.WithMetrics(appMetrics.commands))
	if err := kernelRuntime.RegisterModule(ctx, pingPongModule); err != nil {
		return fmt.Errorf("register pingpong module: %w", err)
	}

	galleryModule, err := gallerymodule.New(cfg.commands.module, gallerymodule.WithMetrics(appMetrics.commands))
	if err != nil {
		return fmt.Errorf("build gallery module: %w", err)
	}
	if err := kernelRuntime.RegisterModule(ctx, galleryModule); err != nil {
		return fmt.Errorf("register gallery module: %w", err)
	}

	return nil
}

func registerRuntimeDrivers(kernelRuntime *kernel.Kernel, drivers []smeargle.Driver) error {
	for _, runtimeDriver := range drivers {
		if err := kernelRuntime.RegisterDriver(runtimeDriver); err != nil {
			return fmt.Errorf("register driver %s: %w", runtimeDriver.Name(), err)
		}
	}

	return nil
}
