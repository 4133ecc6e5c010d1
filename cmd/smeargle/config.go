package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"smeargle/internal/driver"
	"smeargle/internal/kernel"
	gallerymodule "smeargle/modules/gallery"
	"smeargle/pkg/smeargle"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SMEARGLE"
	envConfigFile           = "SMEARGLE_CONFIG_FILE"
	defaultConfigFilePath   = "config/smeargle.json"
	alternateConfigFilePath = "smeargle.json"
)

var runtimeModuleNames = []string{"pingpong", "gallery"}

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int
	handlerTimeout      time.Duration

	drivers      []driver.Definition
	moduleRoutes map[string]kernel.ModuleRoute

	gallery    galleryConfig
	imageCache imageCacheConfig
	commands   commandsConfig

	metricsAddress string
}

type galleryConfig struct {
	baseURL         string
	apiKey          string
	categoryID      int
	refreshInterval time.Duration
	refreshTimeout  time.Duration
	requestTimeout  time.Duration
	imagesTTL       time.Duration
	pruneMissing    bool
	snapshotFile    string
}

type imageCacheConfig struct {
	directory       string
	downloadTimeout time.Duration
}

type commandsConfig struct {
	channelID string
	module    gallerymodule.Config
}

type fileDriverEntry struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Enabled *bool           `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

type fileModuleRoute struct {
	Sources         []fileSourceRef `json:"sources"`
	ConversationIDs []string        `json:"conversation_ids"`
}

type fileSourceRef struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
}

// newViper returns a viper instance carrying every default and the
// SMEARGLE_ environment binding.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")

	v.SetDefault("kernel.module_hook_timeout", "6m")
	v.SetDefault("kernel.shutdown_timeout", "10s")
	v.SetDefault("kernel.subscription_buffer", 256)
	v.SetDefault("kernel.subscription_workers", 2)
	v.SetDefault("kernel.handler_timeout", "60s")

	v.SetDefault("gallery.base_url", "")
	v.SetDefault("gallery.api_key", "")
	v.SetDefault("gallery.category_id", 0)
	v.SetDefault("gallery.refresh_interval", "1h")
	v.SetDefault("gallery.refresh_timeout", "5m")
	v.SetDefault("gallery.request_timeout", "30s")
	v.SetDefault("gallery.images_ttl", "")
	v.SetDefault("gallery.prune_missing", false)
	v.SetDefault("gallery.snapshot_file", "")

	v.SetDefault("image_cache.directory", "cache")
	v.SetDefault("image_cache.download_timeout", "2m")

	v.SetDefault("commands.channel_id", "")
	v.SetDefault("commands.attachment_limit_bytes", gallerymodule.DefaultAttachmentLimit)
	v.SetDefault("commands.error_reply", true)
	v.SetDefault("commands.workers", 4)

	v.SetDefault("metrics.listen_address", "")

	return v
}

// loadConfig reads the config file and environment overrides. Driver
// definitions are validated only when requireDrivers is set.
func loadConfig(configFile string, registry *driver.Registry, requireDrivers bool) (appConfig, error) {
	path, err := resolveConfigFilePath(configFile)
	if err != nil {
		return appConfig{}, err
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return appConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return appConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := validateGalleryConfig(cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", path, err)
	}
	if requireDrivers {
		if err := validateDrivers(&cfg, registry); err != nil {
			return appConfig{}, fmt.Errorf("validate config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

func resolveConfigFilePath(flagValue string) (string, error) {
	if configFile := strings.TrimSpace(flagValue); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, pass --config, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func decodeConfig(v *viper.Viper) (appConfig, error) {
	level, err := parseLogLevel(v.GetString("log_level"))
	if err != nil {
		return appConfig{}, fmt.Errorf("parse log_level: %w", err)
	}

	cfg := appConfig{
		logLevel:            level,
		subscriptionBuffer:  v.GetInt("kernel.subscription_buffer"),
		subscriptionWorkers: v.GetInt("kernel.subscription_workers"),
		gallery: galleryConfig{
			baseURL:      strings.TrimSpace(v.GetString("gallery.base_url")),
			apiKey:       strings.TrimSpace(v.GetString("gallery.api_key")),
			categoryID:   v.GetInt("gallery.category_id"),
			pruneMissing: v.GetBool("gallery.prune_missing"),
			snapshotFile: strings.TrimSpace(v.GetString("gallery.snapshot_file")),
		},
		imageCache: imageCacheConfig{
			directory: strings.TrimSpace(v.GetString("image_cache.directory")),
		},
		commands: commandsConfig{
			channelID: strings.TrimSpace(v.GetString("commands.channel_id")),
			module: gallerymodule.Config{
				AttachmentLimitBytes: v.GetInt64("commands.attachment_limit_bytes"),
				ErrorReply:           v.GetBool("commands.error_reply"),
				Workers:              v.GetInt("commands.workers"),
			},
		},
		metricsAddress: strings.TrimSpace(v.GetString("metrics.listen_address")),
	}
	if cfg.subscriptionBuffer <= 0 {
		return appConfig{}, fmt.Errorf("parse kernel.subscription_buffer: must be > 0")
	}
	if cfg.subscriptionWorkers <= 0 {
		return appConfig{}, fmt.Errorf("parse kernel.subscription_workers: must be > 0")
	}
	if err := cfg.commands.module.Validate(); err != nil {
		return appConfig{}, fmt.Errorf("parse commands: %w", err)
	}

	durations := []struct {
		key      string
		target   *time.Duration
		optional bool
	}{
		{key: "kernel.module_hook_timeout", target: &cfg.moduleHookTimeout},
		{key: "kernel.shutdown_timeout", target: &cfg.shutdownTimeout},
		{key: "kernel.handler_timeout", target: &cfg.handlerTimeout},
		{key: "gallery.refresh_interval", target: &cfg.gallery.refreshInterval},
		{key: "gallery.refresh_timeout", target: &cfg.gallery.refreshTimeout},
		{key: "gallery.request_timeout", target: &cfg.gallery.requestTimeout},
		{key: "gallery.images_ttl", target: &cfg.gallery.imagesTTL, optional: true},
		{key: "image_cache.download_timeout", target: &cfg.imageCache.downloadTimeout},
	}
	for _, duration := range durations {
		raw := strings.TrimSpace(v.GetString(duration.key))
		if raw == "" && duration.optional {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return appConfig{}, fmt.Errorf("parse %s: %w", duration.key, err)
		}
		if parsed <= 0 {
			return appConfig{}, fmt.Errorf("parse %s: must be > 0", duration.key)
		}
		*duration.target = parsed
	}

	cfg.drivers, err = decodeDrivers(v.Get("drivers"))
	if err != nil {
		return appConfig{}, err
	}
	cfg.moduleRoutes, err = decodeModuleRoutes(v.Get("routing.modules"))
	if err != nil {
		return appConfig{}, err
	}

	return cfg, nil
}

// decodeDrivers re-encodes viper's generic value so each driver config keeps
// its JSON form for the driver builder.
func decodeDrivers(raw any) ([]driver.Definition, error) {
	if raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse drivers: %w", err)
	}
	var entries []fileDriverEntry
	if err := json.Unmarshal(encoded, &entries); err != nil {
		return nil, fmt.Errorf("parse drivers: %w", err)
	}

	definitions := make([]driver.Definition, 0, len(entries))
	for index, entry := range entries {
		if len(entry.Config) == 0 || string(entry.Config) == "null" {
			return nil, fmt.Errorf("parse drivers[%d].config: required", index)
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		definitions = append(definitions, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: enabled,
			Config:  append([]byte(nil), entry.Config...),
		})
	}

	return definitions, nil
}

func decodeModuleRoutes(raw any) (map[string]kernel.ModuleRoute, error) {
	routes := make(map[string]kernel.ModuleRoute)
	if raw == nil {
		return routes, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse routing.modules: %w", err)
	}
	var parsed map[string]fileModuleRoute
	if err := json.Unmarshal(encoded, &parsed); err != nil {
		return nil, fmt.Errorf("parse routing.modules: %w", err)
	}

	for moduleName, rawRoute := range parsed {
		scope := "routing.modules." + moduleName
		route := kernel.ModuleRoute{ConversationIDs: rawRoute.ConversationIDs}
		for index, sourceRef := range rawRoute.Sources {
			source := smeargle.EventSource{
				Platform: smeargle.Platform(strings.TrimSpace(sourceRef.Platform)),
				ID:       strings.TrimSpace(sourceRef.ID),
			}
			if source.Platform == "" && source.ID == "" {
				return nil, fmt.Errorf("%s.sources[%d]: empty source reference", scope, index)
			}
			route.Sources = append(route.Sources, source)
		}
		routes[moduleName] = route
	}

	return routes, nil
}

func validateGalleryConfig(cfg appConfig) error {
	if cfg.gallery.baseURL == "" {
		return fmt.Errorf("gallery.base_url is required")
	}
	if cfg.gallery.apiKey == "" {
		return fmt.Errorf("gallery.api_key is required")
	}
	if cfg.gallery.categoryID <= 0 {
		return fmt.Errorf("gallery.category_id must be > 0")
	}
	if cfg.imageCache.directory == "" {
		return fmt.Errorf("image_cache.directory is required")
	}
	// The first refresh runs inside the gallery module start hook.
	if cfg.moduleHookTimeout <= cfg.gallery.refreshTimeout {
		return fmt.Errorf(
			"kernel.module_hook_timeout %s must exceed gallery.refresh_timeout %s",
			cfg.moduleHookTimeout,
			cfg.gallery.refreshTimeout,
		)
	}

	return nil
}

func validateDrivers(cfg *appConfig, registry *driver.Registry) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if registry == nil {
		return fmt.Errorf("nil driver registry")
	}

	seen := make(map[string]struct{}, len(cfg.drivers))
	enabled := make(map[string]struct{}, len(cfg.drivers))
	for _, definition := range cfg.drivers {
		if definition.Name == "" {
			return fmt.Errorf("drivers[].name is required")
		}
		if definition.Type == "" {
			return fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, exists := seen[definition.Name]; exists {
			return fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := registry.PlatformForType(definition.Type); err != nil {
			return fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabled[definition.Name] = struct{}{}
	}
	if len(enabled) == 0 {
		return fmt.Errorf("at least one enabled driver is required")
	}

	for moduleName, route := range cfg.moduleRoutes {
		if !slices.Contains(runtimeModuleNames, moduleName) {
			return fmt.Errorf("routing.modules.%s: unknown module", moduleName)
		}
		for index, source := range route.Sources {
			if source.ID == "" {
				continue
			}
			if _, exists := enabled[source.ID]; !exists {
				return fmt.Errorf("routing.modules.%s.sources[%d]: unknown driver id %s", moduleName, index, source.ID)
			}
		}
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
