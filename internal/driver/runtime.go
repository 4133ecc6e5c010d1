package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"smeargle/pkg/smeargle"
)

// Definition is one configured driver entry.
type Definition struct {
	// Name identifies the driver instance and becomes its source and sink id.
	Name string
	// Type selects the builder ("telegram" or "discord").
	Type string
	// Enabled excludes the entry from BuildEnabled when false.
	Enabled bool
	// Config is the raw JSON object handed to the builder.
	Config []byte
}

// Runtime is one built driver together with its outbound sink.
type Runtime struct {
	Source         smeargle.EventSource
	Driver         smeargle.Driver
	SinkDispatcher smeargle.SinkDispatcher
}

// BuilderFunc builds one runtime from one definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor registers one driver type.
type Descriptor struct {
	Type     string
	Platform smeargle.Platform
	Builder  BuilderFunc
}

func (d Descriptor) validate() error {
	switch {
	case d.Type == "":
		return errors.New("empty descriptor type")
	case d.Platform == "":
		return fmt.Errorf("type %s: empty platform", d.Type)
	case d.Builder == nil:
		return fmt.Errorf("type %s: nil builder", d.Type)
	}

	return nil
}

// Registry resolves driver types to builders. It is immutable once built.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry validates descriptors and indexes them by type.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	indexed := make(map[string]Descriptor, len(descriptors))
	for _, descriptor := range descriptors {
		if err := descriptor.validate(); err != nil {
			return nil, fmt.Errorf("new driver registry: %w", err)
		}
		if _, exists := indexed[descriptor.Type]; exists {
			return nil, fmt.Errorf("new driver registry: type %s registered twice", descriptor.Type)
		}
		indexed[descriptor.Type] = descriptor
	}

	return &Registry{descriptors: indexed}, nil
}

// Types lists registered driver types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, 0, len(r.descriptors))
	for driverType := range r.descriptors {
		types = append(types, driverType)
	}
	slices.Sort(types)

	return types
}

// PlatformForType returns the platform served by one driver type.
func (r *Registry) PlatformForType(driverType string) (smeargle.Platform, error) {
	descriptor, err := r.lookup(driverType)
	if err != nil {
		return "", err
	}

	return descriptor.Platform, nil
}

func (r *Registry) lookup(driverType string) (Descriptor, error) {
	if r == nil {
		return Descriptor{}, errors.New("nil driver registry")
	}
	descriptor, exists := r.descriptors[driverType]
	if !exists {
		return Descriptor{}, fmt.Errorf("unsupported type %s", driverType)
	}

	return descriptor, nil
}

// BuildEnabled builds every enabled definition in order. Disabled entries are
// skipped without validation.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	logger *slog.Logger,
) ([]Runtime, error) {
	if r == nil {
		return nil, errors.New("build drivers: nil driver registry")
	}

	runtimes := make([]Runtime, 0, len(definitions))
	names := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, errors.New("build driver: empty name")
		}
		if _, exists := names[definition.Name]; exists {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		names[definition.Name] = struct{}{}

		runtime, err := r.build(ctx, definition, logger)
		if err != nil {
			return nil, fmt.Errorf("build driver %s: %w", definition.Name, err)
		}
		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

func (r *Registry) build(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error) {
	if definition.Type == "" {
		return Runtime{}, errors.New("empty type")
	}
	descriptor, err := r.lookup(definition.Type)
	if err != nil {
		return Runtime{}, err
	}

	runtime, err := descriptor.Builder(ctx, definition, logger)
	if err != nil {
		return Runtime{}, fmt.Errorf("type %s: %w", definition.Type, err)
	}
	if runtime.Driver == nil {
		return Runtime{}, fmt.Errorf("type %s: builder returned nil driver", definition.Type)
	}
	if runtime.Source.Platform == "" {
		return Runtime{}, fmt.Errorf("type %s: builder returned no platform", definition.Type)
	}
	if runtime.Source.ID == "" {
		runtime.Source.ID = definition.Name
	}

	return runtime, nil
}
