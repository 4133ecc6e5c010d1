package driver

import (
	"context"
	"fmt"
	"log/slog"

	"smeargle/internal/driver/discord"
	"smeargle/internal/driver/telegram"
	"smeargle/pkg/smeargle"
)

type runtimeBuilderFunc func(
	name string,
	logger *slog.Logger,
	rawConfig []byte,
) (smeargle.EventSource, smeargle.Driver, smeargle.SinkDispatcher, error)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:     telegram.DriverType,
			Platform: telegram.DriverPlatform,
			Builder:  configBuilder(telegram.DriverType, telegram.BuildRuntimeFromConfig),
		},
		{
			Type:     discord.DriverType,
			Platform: discord.DriverPlatform,
			Builder:  configBuilder(discord.DriverType, discord.BuildRuntimeFromConfig),
		},
	})
}

func configBuilder(driverType string, build runtimeBuilderFunc) BuilderFunc {
	return func(
		_ context.Context,
		definition Definition,
		builderLogger *slog.Logger,
	) (Runtime, error) {
		source, runtimeDriver, sinkDispatcher, err := build(
			definition.Name,
			builderLogger,
			definition.Config,
		)
		if err != nil {
			return Runtime{}, fmt.Errorf("build %s runtime from config: %w", driverType, err)
		}

		return Runtime{
			Source:         source,
			Driver:         runtimeDriver,
			SinkDispatcher: sinkDispatcher,
		}, nil
	}
}
