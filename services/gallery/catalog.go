// Package gallery implements the two-tier album cache: a periodically refreshed
// name to album id index and a lazily populated album image list cache.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smeargle/internal/observability/metrics"
	"smeargle/pkg/gallery"
)

const defaultRefreshInterval = time.Hour

var (
	// ErrCatalogRunning indicates Start was called on a running catalog.
	ErrCatalogRunning = errors.New("catalog already running")
	// ErrIndexEmpty indicates the index holds no names yet.
	ErrIndexEmpty = errors.New("album index is empty")
)

// Catalog owns the album index, the album image cache, and the refresh loop.
type Catalog struct {
	source     gallery.Source
	categoryID int
	cfg        catalogConfig
	index      *AlbumIndex
	images     *AlbumImageCache

	refreshMu sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

type catalogConfig struct {
	refreshInterval time.Duration
	refreshTimeout  time.Duration
	imagesTTL       time.Duration
	pruneMissing    bool
	snapshots       SnapshotStore
	logger          *slog.Logger
	metrics         *metrics.GalleryMetrics
	intn            gallery.IntN
	clock           func() time.Time
}

// Option mutates catalog configuration.
type Option func(*catalogConfig)

// WithRefreshInterval sets the period of the background refresh.
func WithRefreshInterval(interval time.Duration) Option {
	return func(cfg *catalogConfig) {
		if interval > 0 {
			cfg.refreshInterval = interval
		}
	}
}

// WithRefreshTimeout bounds one refresh.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(cfg *catalogConfig) {
		if timeout > 0 {
			cfg.refreshTimeout = timeout
		}
	}
}

// WithImagesTTL expires album image lists after ttl in addition to refresh
// invalidation.
func WithImagesTTL(ttl time.Duration) Option {
	return func(cfg *catalogConfig) {
		if ttl > 0 {
			cfg.imagesTTL = ttl
		}
	}
}

// WithPruneMissing removes names that a successful refresh no longer lists.
func WithPruneMissing(enabled bool) Option {
	return func(cfg *catalogConfig) {
		cfg.pruneMissing = enabled
	}
}

// WithSnapshotStore persists the index after each refresh and restores it when
// the first refresh fails.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(cfg *catalogConfig) {
		cfg.snapshots = store
	}
}

// WithLogger sets the catalog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *catalogConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the gallery collectors.
func WithMetrics(galleryMetrics *metrics.GalleryMetrics) Option {
	return func(cfg *catalogConfig) {
		cfg.metrics = galleryMetrics
	}
}

// WithRandom replaces the random source used by RandomName.
func WithRandom(intn gallery.IntN) Option {
	return func(cfg *catalogConfig) {
		if intn != nil {
			cfg.intn = intn
		}
	}
}

// WithClock replaces the time source used for refresh durations.
func WithClock(clock func() time.Time) Option {
	return func(cfg *catalogConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// NewCatalog creates a catalog over one gallery category.
func NewCatalog(source gallery.Source, categoryID int, options ...Option) (*Catalog, error) {
	if source == nil {
		return nil, fmt.Errorf("new catalog: nil source")
	}

	cfg := catalogConfig{
		refreshInterval: defaultRefreshInterval,
		logger:          slog.Default(),
		intn:            gallery.DefaultIntN,
		clock:           time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Catalog{
		source:     source,
		categoryID: categoryID,
		cfg:        cfg,
		index:      NewAlbumIndex(),
		images:     NewAlbumImageCache(source, cfg.imagesTTL, cfg.logger, cfg.metrics),
	}, nil
}

// Lookup resolves a case-insensitive album name to its id.
func (c *Catalog) Lookup(name string) (int, bool) {
	return c.index.Lookup(name)
}

// RandomName returns a uniformly chosen name from the current index.
func (c *Catalog) RandomName() (string, bool) {
	return c.index.RandomName(c.cfg.intn)
}

// Images returns the image URLs of one album, loading them on first use.
func (c *Catalog) Images(ctx context.Context, albumID int) ([]string, error) {
	return c.images.Images(ctx, albumID)
}

// Index returns the owned album index.
func (c *Catalog) Index() *AlbumIndex {
	return c.index
}

// Healthy reports ErrIndexEmpty until the index holds at least one name.
func (c *Catalog) Healthy() error {
	if c.index.Len() == 0 {
		return ErrIndexEmpty
	}

	return nil
}

// Refresh lists the configured category and upserts every album name.
//
// On failure the index is left untouched. On success the snapshot is saved and
// every loaded album image list is invalidated.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.cfg.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.refreshTimeout)
		defer cancel()
	}

	started := c.cfg.clock()
	albums, err := c.source.ListAlbums(ctx, c.categoryID)
	if err != nil {
		c.cfg.metrics.ObserveRefresh(c.cfg.clock().Sub(started), c.index.Len(), err)
		c.cfg.logger.ErrorContext(ctx, "album index refresh failed",
			"category_id", c.categoryID,
			"size", c.index.Len(),
			"error", err,
		)
		return fmt.Errorf("refresh album index: %w", err)
	}

	changed := c.index.Upsert(albums)
	removed := 0
	if c.cfg.pruneMissing {
		if len(albums) == 0 {
			c.cfg.logger.WarnContext(ctx, "album listing empty, prune skipped", "category_id", c.categoryID)
		} else {
			removed = c.index.Prune(albums)
		}
	}

	if c.cfg.snapshots != nil {
		if err := c.cfg.snapshots.Save(ctx, c.index.Entries()); err != nil {
			c.cfg.logger.WarnContext(ctx, "album index snapshot save failed", "error", err)
		}
	}

	// The index is already live. Waiting out an in-flight image load must not
	// be cut short by the refresh deadline.
	if err := c.images.InvalidateAll(context.WithoutCancel(ctx)); err != nil {
		c.cfg.metrics.ObserveRefresh(c.cfg.clock().Sub(started), c.index.Len(), err)
		return fmt.Errorf("refresh album index: %w", err)
	}

	c.cfg.metrics.ObserveRefresh(c.cfg.clock().Sub(started), c.index.Len(), nil)
	c.cfg.logger.InfoContext(ctx, "album index refreshed",
		"category_id", c.categoryID,
		"albums", len(albums),
		"changed", changed,
		"removed", removed,
		"size", c.index.Len(),
	)

	return nil
}

// Start runs the first refresh synchronously and then schedules the periodic
// refresh loop.
//
// A failed first refresh is logged and, when a snapshot store is configured,
// the last saved index is restored. The loop outlives ctx and ends on Stop.
func (c *Catalog) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("start catalog: %w", ErrCatalogRunning)
	}

	if err := c.Refresh(ctx); err != nil {
		c.restoreSnapshot(ctx)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.runRefreshLoop(loopCtx, done)

	return nil
}

// Stop cancels the refresh loop and waits for it to exit.
func (c *Catalog) Stop(ctx context.Context) error {
	c.lifecycleMu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.lifecycleMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop catalog: %w", ctx.Err())
	}
}

func (c *Catalog) runRefreshLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if recovered := recover(); recovered != nil {
			c.cfg.logger.Error("album index refresh loop panic", "panic", recovered)
		}
	}()

	ticker := time.NewTicker(c.cfg.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged by Refresh and the index keeps serving.
			_ = c.Refresh(ctx)
		}
	}
}

func (c *Catalog) restoreSnapshot(ctx context.Context) {
	if c.cfg.snapshots == nil || c.index.Len() > 0 {
		return
	}

	entries, savedAt, err := c.cfg.snapshots.Load(ctx)
	if err != nil {
		c.cfg.logger.WarnContext(ctx, "album index snapshot load failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	c.index.Load(entries)
	c.cfg.metrics.SetIndexSize(c.index.Len())
	c.cfg.logger.WarnContext(ctx, "album index restored from snapshot",
		"size", c.index.Len(),
		"saved_at", savedAt,
	)
}

var _ gallery.Catalog = (*Catalog)(nil)
