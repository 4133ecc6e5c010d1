package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"smeargle/pkg/gallery"

	"github.com/spf13/cobra"
)

func newRootCommand(deps appDeps) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "smeargle",
		Short:         "Serve gallery album images to chat on !<name> commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), configFile, deps)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to the JSON config file (env "+envConfigFile+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect the chat drivers and answer commands until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBot(cmd.Context(), configFile, deps)
			},
		},
		&cobra.Command{
			Use:   "albums",
			Short: "Refresh the album index once and print every name",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withGalleryStack(cmd, configFile, deps, func(ctx context.Context, stack *galleryStack) error {
					if err := stack.catalog.Refresh(ctx); err != nil {
						return err
					}
					for _, entry := range stack.catalog.Index().Entries() {
						if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", entry.AlbumID, entry.Name); err != nil {
							return fmt.Errorf("print album: %w", err)
						}
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "fetch <name>",
			Short: "Resolve a name to one random image, download it, and print its path",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withGalleryStack(cmd, configFile, deps, func(ctx context.Context, stack *galleryStack) error {
					image, err := fetchImage(ctx, stack, args[0])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", image.Path, image.Size, image.URL)
					if err != nil {
						return fmt.Errorf("print image: %w", err)
					}
					return nil
				})
			},
		},
	)

	return root
}

// withGalleryStack loads the gallery part of the config and logs to stderr so
// command output stays clean.
func withGalleryStack(
	cmd *cobra.Command,
	configFile string,
	deps appDeps,
	fn func(ctx context.Context, stack *galleryStack) error,
) error {
	cfg, err := loadConfig(configFile, deps.registry, false)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), max(cfg.logLevel, slog.LevelWarn))
	stack, err := buildGalleryStack(cfg, logger, deps, nil)
	if err != nil {
		return err
	}

	return errors.Join(fn(cmd.Context(), stack), stack.Close())
}

func fetchImage(ctx context.Context, stack *galleryStack, name string) (gallery.Image, error) {
	if err := stack.catalog.Refresh(ctx); err != nil {
		return gallery.Image{}, err
	}
	albumID, ok := stack.catalog.Lookup(name)
	if !ok {
		return gallery.Image{}, fmt.Errorf("fetch %s: %w", name, gallery.ErrLookupMiss)
	}
	urls, err := stack.catalog.Images(ctx, albumID)
	if err != nil {
		return gallery.Image{}, fmt.Errorf("fetch %s: %w", name, err)
	}
	url, err := gallery.PickRandom(urls, gallery.DefaultIntN)
	if err != nil {
		return gallery.Image{}, fmt.Errorf("fetch %s: %w", name, err)
	}
	image, err := stack.store.Ensure(ctx, url)
	if err != nil {
		return gallery.Image{}, fmt.Errorf("fetch %s: %w", name, err)
	}

	return image, nil
}
