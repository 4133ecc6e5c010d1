// Package imagecache keeps downloaded gallery images on local storage.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"smeargle/internal/observability/metrics"
	"smeargle/pkg/gallery"

	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDirectory       = "cache"
	defaultDownloadTimeout = 2 * time.Minute
	tempFilePattern        = ".download-*"
)

// ErrInvalidImageURL indicates a URL without a usable file name.
var ErrInvalidImageURL = errors.New("invalid image url")

// Store is a gallery.ImageStore backed by one directory.
//
// Files are named by the last path segment of their URL. One lock serializes
// every download; cached reads take no lock.
type Store struct {
	fs              afero.Fs
	directory       string
	httpClient      *http.Client
	downloadTimeout time.Duration
	downloadLock    *semaphore.Weighted
	logger          *slog.Logger
	metrics         *metrics.ImageCacheMetrics
	clock           func() time.Time
}

// Option mutates store configuration.
type Option func(*Store)

// WithFs replaces the filesystem. The OS filesystem is the default.
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// WithDirectory sets the cache directory.
func WithDirectory(directory string) Option {
	return func(s *Store) {
		if strings.TrimSpace(directory) != "" {
			s.directory = directory
		}
	}
}

// WithHTTPClient replaces the download HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithDownloadTimeout bounds one download including the body transfer.
func WithDownloadTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.downloadTimeout = timeout
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the image cache collectors.
func WithMetrics(imageMetrics *metrics.ImageCacheMetrics) Option {
	return func(s *Store) {
		s.metrics = imageMetrics
	}
}

// New creates a store.
func New(options ...Option) *Store {
	store := &Store{
		fs:              afero.NewOsFs(),
		directory:       defaultDirectory,
		httpClient:      &http.Client{},
		downloadTimeout: defaultDownloadTimeout,
		downloadLock:    semaphore.NewWeighted(1),
		logger:          slog.Default(),
		clock:           time.Now,
	}
	for _, option := range options {
		option(store)
	}

	return store
}

// Directory returns the cache directory.
func (s *Store) Directory() string {
	return s.directory
}

// Ensure makes sure the image at rawURL is cached and returns its metadata.
func (s *Store) Ensure(ctx context.Context, rawURL string) (gallery.Image, error) {
	name, err := FileName(rawURL)
	if err != nil {
		return gallery.Image{}, fmt.Errorf("ensure image: %w", err)
	}
	localPath := filepath.Join(s.directory, name)

	if image, found, err := s.stat(rawURL, localPath); err != nil || found {
		if found {
			s.metrics.IncrementCacheHits()
		}
		return image, err
	}

	if err := s.downloadLock.Acquire(ctx, 1); err != nil {
		return gallery.Image{}, fmt.Errorf("ensure image: acquire download lock: %w", err)
	}
	defer s.downloadLock.Release(1)

	if image, found, err := s.stat(rawURL, localPath); err != nil || found {
		if found {
			s.metrics.IncrementCacheHits()
		}
		return image, err
	}

	s.metrics.IncrementCacheMisses()
	started := s.clock()
	size, err := s.download(ctx, rawURL, localPath)
	s.metrics.ObserveDownload(s.clock().Sub(started), size, err)
	if err != nil {
		s.logger.WarnContext(ctx, "image download failed", "url", rawURL, "error", err)
		return gallery.Image{}, fmt.Errorf("ensure image: %w", err)
	}
	s.logger.DebugContext(ctx, "image cached", "url", rawURL, "path", localPath, "size", size)

	return gallery.Image{URL: rawURL, Path: localPath, Size: size}, nil
}

// Get returns the image bytes at rawURL, downloading them on a miss.
func (s *Store) Get(ctx context.Context, rawURL string) ([]byte, error) {
	image, err := s.Ensure(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, image.Path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w: %w", image.Path, gallery.ErrLocalIO, err)
	}

	return data, nil
}

func (s *Store) stat(rawURL string, localPath string) (gallery.Image, bool, error) {
	info, err := s.fs.Stat(localPath)
	if errors.Is(err, fs.ErrNotExist) {
		return gallery.Image{}, false, nil
	}
	if err != nil {
		return gallery.Image{}, false, fmt.Errorf("stat image %s: %w: %w", localPath, gallery.ErrLocalIO, err)
	}
	if info.IsDir() {
		return gallery.Image{}, false, fmt.Errorf("stat image %s: %w: is a directory", localPath, gallery.ErrLocalIO)
	}

	return gallery.Image{URL: rawURL, Path: localPath, Size: info.Size()}, true, nil
}

// download writes the full body to a temporary file and renames it into place
// so a failed transfer never leaves a file under the final name.
func (s *Store) download(ctx context.Context, rawURL string, localPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &gallery.RemoteError{Operation: "download_image", URL: rawURL, Cause: err}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, &gallery.RemoteError{Operation: "download_image", URL: rawURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, &gallery.RemoteError{
			Operation:  "download_image",
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := s.fs.MkdirAll(s.directory, 0o755); err != nil {
		return 0, fmt.Errorf("create cache directory %s: %w: %w", s.directory, gallery.ErrLocalIO, err)
	}
	temp, err := afero.TempFile(s.fs, s.directory, tempFilePattern)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w: %w", gallery.ErrLocalIO, err)
	}
	tempPath := temp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = s.fs.Remove(tempPath)
		}
	}()

	body := &bodyReader{reader: resp.Body}
	written, copyErr := io.Copy(temp, body)
	closeErr := temp.Close()
	if copyErr != nil {
		if body.err != nil {
			return 0, &gallery.RemoteError{
				Operation:  "download_image",
				URL:        rawURL,
				StatusCode: resp.StatusCode,
				Cause:      fmt.Errorf("read body: %w", copyErr),
			}
		}
		return 0, fmt.Errorf("write %s: %w: %w", tempPath, gallery.ErrLocalIO, copyErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close %s: %w: %w", tempPath, gallery.ErrLocalIO, closeErr)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return 0, &gallery.RemoteError{
			Operation:  "download_image",
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("short body: got %d bytes, want %d", written, resp.ContentLength),
		}
	}

	if err := s.fs.Rename(tempPath, localPath); err != nil {
		return 0, fmt.Errorf("rename %s: %w: %w", localPath, gallery.ErrLocalIO, err)
	}
	committed = true

	return written, nil
}

// bodyReader records read failures so they are told apart from write failures.
type bodyReader struct {
	reader io.Reader
	err    error
}

func (r *bodyReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}

	return n, err
}

// FileName returns the cache file name of rawURL: its last path segment.
func FileName(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidImageURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidImageURL, parsed.Scheme)
	}

	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: no file name in %q", ErrInvalidImageURL, rawURL)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: unsafe file name %q", ErrInvalidImageURL, name)
	}

	return name, nil
}

var _ gallery.ImageStore = (*Store)(nil)
