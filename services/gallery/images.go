package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"smeargle/internal/observability/metrics"
	"smeargle/pkg/gallery"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
)

// AlbumImageCache lazily maps album ids to their image URL lists.
//
// One component-wide lock serializes loads and invalidation. Reads of a
// populated entry take no lock.
type AlbumImageCache struct {
	source   gallery.Source
	items    *gocache.Cache
	loadLock *semaphore.Weighted
	logger   *slog.Logger
	metrics  *metrics.GalleryMetrics
}

// NewAlbumImageCache creates an empty cache over source.
//
// A positive ttl expires lists independently of index refreshes; zero keeps
// them until the next InvalidateAll.
func NewAlbumImageCache(
	source gallery.Source,
	ttl time.Duration,
	logger *slog.Logger,
	galleryMetrics *metrics.GalleryMetrics,
) *AlbumImageCache {
	if logger == nil {
		logger = slog.Default()
	}
	expiration := gocache.NoExpiration
	if ttl > 0 {
		expiration = ttl
	}

	return &AlbumImageCache{
		source: source,
		// No janitor goroutine: expired items read as misses and are dropped by
		// the next InvalidateAll.
		items:    gocache.New(expiration, 0),
		loadLock: semaphore.NewWeighted(1),
		logger:   logger,
		metrics:  galleryMetrics,
	}
}

// Images returns the image URLs of one album, loading them on first use.
func (c *AlbumImageCache) Images(ctx context.Context, albumID int) ([]string, error) {
	key := strconv.Itoa(albumID)
	if urls, ok := c.lookup(key); ok {
		c.metrics.IncrementAlbumCacheHits()
		return urls, nil
	}

	if err := c.loadLock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("album %d images: acquire load lock: %w", albumID, err)
	}
	defer c.loadLock.Release(1)

	if urls, ok := c.lookup(key); ok {
		c.metrics.IncrementAlbumCacheHits()
		return urls, nil
	}

	c.metrics.IncrementAlbumCacheMisses()
	urls, err := c.source.ListImageURLs(ctx, albumID)
	if err != nil {
		c.metrics.IncrementAlbumLoadErrors()
		return nil, fmt.Errorf("album %d images: %w", albumID, err)
	}
	urls = slices.Clone(urls)
	c.items.Set(key, urls, gocache.DefaultExpiration)
	c.logger.DebugContext(ctx, "album images loaded", "album_id", albumID, "count", len(urls))

	return slices.Clone(urls), nil
}

// InvalidateAll discards every loaded list.
func (c *AlbumImageCache) InvalidateAll(ctx context.Context) error {
	if err := c.loadLock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("invalidate album images: acquire load lock: %w", err)
	}
	defer c.loadLock.Release(1)

	c.items.Flush()
	c.metrics.IncrementInvalidations()

	return nil
}

// Len returns the number of loaded album lists, expired ones included.
func (c *AlbumImageCache) Len() int {
	return c.items.ItemCount()
}

func (c *AlbumImageCache) lookup(key string) ([]string, bool) {
	value, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	urls, ok := value.([]string)
	if !ok {
		return nil, false
	}

	return slices.Clone(urls), true
}
