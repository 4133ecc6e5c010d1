// Package invision reads gallery albums and images from an Invision Community
// REST API.
package invision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"smeargle/pkg/gallery"
)

const (
	operationListAlbums = "list_albums"
	operationListImages = "list_images"

	defaultTimeout  = 30 * time.Second
	defaultMaxPages = 1000
	errorBodyLimit  = 4 << 10
)

// Client is a gallery.Source backed by the Invision Community REST API.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	perPage    int
	maxPages   int
	logger     *slog.Logger
}

// Option mutates client configuration.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// WithPerPage requests a page size from the API. Zero keeps the server default.
func WithPerPage(perPage int) Option {
	return func(c *Client) {
		if perPage > 0 {
			c.perPage = perPage
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the API rooted at baseURL, for example
// "https://community.example.com/api".
func New(baseURL string, apiKey string, options ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("new invision client: empty base url")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("new invision client: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("new invision client: unsupported scheme %q", parsed.Scheme)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("new invision client: empty api key")
	}

	client := &Client{
		baseURL:    parsed,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxPages:   defaultMaxPages,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(client)
	}

	return client, nil
}

// ListAlbums returns every album of one gallery category across all pages.
func (c *Client) ListAlbums(ctx context.Context, categoryID int) ([]gallery.Album, error) {
	query := url.Values{}
	query.Set("categories", strconv.Itoa(categoryID))

	albums, err := fetchAll[albumDTO](ctx, c, operationListAlbums, "gallery/albums", query)
	if err != nil {
		return nil, err
	}

	result := make([]gallery.Album, 0, len(albums))
	for _, album := range albums {
		result = append(result, gallery.Album{ID: album.ID, RawName: album.Name})
	}

	return result, nil
}

// ListImageURLs returns the original image URLs of one album in API order.
func (c *Client) ListImageURLs(ctx context.Context, albumID int) ([]string, error) {
	query := url.Values{}
	query.Set("albums", strconv.Itoa(albumID))

	images, err := fetchAll[imageDTO](ctx, c, operationListImages, "gallery/images", query)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(images))
	for _, image := range images {
		if image.Images.Original == "" {
			c.logger.DebugContext(ctx, "gallery image without original url skipped",
				"album_id", albumID,
				"image_id", image.ID,
			)
			continue
		}
		urls = append(urls, image.Images.Original)
	}

	return urls, nil
}

func fetchAll[T any](
	ctx context.Context,
	c *Client,
	operation string,
	path string,
	query url.Values,
) ([]T, error) {
	var results []T
	for page := 1; ; page++ {
		if page > c.maxPages {
			return nil, &gallery.RemoteError{
				Operation: operation,
				URL:       c.endpoint(path, query),
				Cause:     fmt.Errorf("pagination exceeded %d pages", c.maxPages),
			}
		}

		pageQuery := cloneValues(query)
		pageQuery.Set("page", strconv.Itoa(page))
		if c.perPage > 0 {
			pageQuery.Set("perPage", strconv.Itoa(c.perPage))
		}

		var envelope pageEnvelope[T]
		if err := c.getJSON(ctx, operation, c.endpoint(path, pageQuery), &envelope); err != nil {
			return nil, err
		}
		results = append(results, envelope.Results...)

		if envelope.TotalPages <= page || len(envelope.Results) == 0 {
			return results, nil
		}
	}
}

func (c *Client) getJSON(ctx context.Context, operation string, endpoint string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &gallery.RemoteError{Operation: operation, URL: endpoint, Cause: err}
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &gallery.RemoteError{Operation: operation, URL: endpoint, Cause: err}
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "gallery api request",
		"operation", operation,
		"url", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(started),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &gallery.RemoteError{
			Operation:  operation,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Cause:      decodeErrorBody(resp.Body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &gallery.RemoteError{
			Operation:  operation,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("decode response: %w", err),
		}
	}

	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := c.baseURL.JoinPath(path)
	endpoint.RawQuery = query.Encode()

	return endpoint.String()
}

func decodeErrorBody(body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, errorBodyLimit))
	if err != nil {
		return fmt.Errorf("read error body: %w", err)
	}

	var payload errorDTO
	if json.Unmarshal(raw, &payload) == nil && (payload.ErrorCode != "" || payload.ErrorMessage != "") {
		return fmt.Errorf("api error %s: %s", payload.ErrorCode, payload.ErrorMessage)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return errors.New("empty error body")
	}

	return errors.New(text)
}

func cloneValues(values url.Values) url.Values {
	cloned := make(url.Values, len(values))
	for key, value := range values {
		cloned[key] = append([]string(nil), value...)
	}

	return cloned
}

var _ gallery.Source = (*Client)(nil)
