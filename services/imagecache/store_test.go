package imagecache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"smeargle/internal/observability/metrics"
	"smeargle/pkg/gallery"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
)

const imageURL = "https://cdn.example.com/uploads/monthly_2024_01/pikachu.png"

func newTestStore(t *testing.T, options ...Option) (*Store, afero.Fs, *httpmock.MockTransport) {
	t.Helper()

	fs := afero.NewMemMapFs()
	transport := httpmock.NewMockTransport()
	base := []Option{
		WithFs(fs),
		WithDirectory("cache"),
		WithHTTPClient(&http.Client{Transport: transport}),
	}

	return New(append(base, options...)...), fs, transport
}

func assertNoFiles(t *testing.T, fs afero.Fs, directory string) {
	t.Helper()

	exists, err := afero.DirExists(fs, directory)
	if err != nil {
		t.Fatalf("DirExists failed: %v", err)
	}
	if !exists {
		return
	}
	entries, err := afero.ReadDir(fs, directory)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Fatalf("cache directory holds %v, want no files", names)
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rawURL  string
		want    string
		wantErr bool
	}{
		{name: "plain", rawURL: imageURL, want: "pikachu.png"},
		{name: "query ignored", rawURL: "https://cdn.example.com/a/b.jpg?v=2", want: "b.jpg"},
		{name: "escaped", rawURL: "https://cdn.example.com/a/mr%20mime.gif", want: "mr mime.gif"},
		{name: "no path", rawURL: "https://cdn.example.com", wantErr: true},
		{name: "trailing slash dir", rawURL: "https://cdn.example.com/a/", want: "a"},
		{name: "dot file", rawURL: "https://cdn.example.com/.env", wantErr: true},
		{name: "parent segment", rawURL: "https://cdn.example.com/a/..", wantErr: true},
		{name: "unsupported scheme", rawURL: "file:///etc/passwd", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := FileName(testCase.rawURL)
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidImageURL) {
					t.Fatalf("FileName(%q) error = %v, want ErrInvalidImageURL", testCase.rawURL, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FileName(%q) failed: %v", testCase.rawURL, err)
			}
			if got != testCase.want {
				t.Fatalf("FileName(%q) = %q, want %q", testCase.rawURL, got, testCase.want)
			}
		})
	}
}

func TestEnsureDownloadsOnceAndServesFromDisk(t *testing.T) {
	t.Parallel()

	imageMetrics, err := metrics.NewImageCacheMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewImageCacheMetrics failed: %v", err)
	}
	store, fs, transport := newTestStore(t, WithMetrics(imageMetrics))
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 256)
	transport.RegisterResponder(http.MethodGet, imageURL, httpmock.NewBytesResponder(http.StatusOK, payload))

	image, err := store.Ensure(context.Background(), imageURL)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if image.Path != filepath.Join("cache", "pikachu.png") {
		t.Fatalf("path = %q, want cache/pikachu.png", image.Path)
	}
	if image.Size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", image.Size, len(payload))
	}

	data, err := store.Get(context.Background(), imageURL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("cached bytes differ from downloaded payload")
	}
	stored, err := afero.ReadFile(fs, image.Path)
	if err != nil || !bytes.Equal(stored, payload) {
		t.Fatalf("stored file = (%d bytes, %v), want payload", len(stored), err)
	}

	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("downloads = %d, want 1", got)
	}
	if got := testutil.ToFloat64(imageMetrics.CacheHits); got != 1 {
		t.Fatalf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(imageMetrics.Downloads); got != 1 {
		t.Fatalf("download metric = %v, want 1", got)
	}
}

func TestEnsureUsesExistingFile(t *testing.T) {
	t.Parallel()

	store, fs, transport := newTestStore(t)
	if err := afero.WriteFile(fs, filepath.Join("cache", "pikachu.png"), []byte("cached"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	image, err := store.Ensure(context.Background(), imageURL)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if image.Size != int64(len("cached")) {
		t.Fatalf("size = %d, want %d", image.Size, len("cached"))
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("downloads = %d, want 0", got)
	}
}

func TestEnsureConcurrentSameURLDownloadsOnce(t *testing.T) {
	t.Parallel()

	store, fs, transport := newTestStore(t)
	payload := []byte("one image body")
	transport.RegisterResponder(http.MethodGet, imageURL, httpmock.NewBytesResponder(http.StatusOK, payload))

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.Ensure(context.Background(), imageURL)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("downloads = %d, want 1", got)
	}
	entries, err := afero.ReadDir(fs, "cache")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "pikachu.png" {
		t.Fatalf("cache entries = %d, want only pikachu.png", len(entries))
	}
}

func TestEnsureFailuresLeaveNoFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responder httpmock.Responder
		wantErr   error
	}{
		{
			name:      "not found",
			responder: httpmock.NewStringResponder(http.StatusNotFound, "gone"),
			wantErr:   gallery.ErrRemoteFetch,
		},
		{
			name:      "transport failure",
			responder: httpmock.NewErrorResponder(errors.New("connection refused")),
			wantErr:   gallery.ErrRemoteFetch,
		},
		{
			name: "short body",
			responder: func(*http.Request) (*http.Response, error) {
				resp := httpmock.NewBytesResponse(http.StatusOK, []byte("partial"))
				resp.ContentLength = 1024
				return resp, nil
			},
			wantErr: gallery.ErrRemoteFetch,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			store, fs, transport := newTestStore(t)
			transport.RegisterResponder(http.MethodGet, imageURL, testCase.responder)

			_, err := store.Ensure(context.Background(), imageURL)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("error = %v, want %v", err, testCase.wantErr)
			}
			assertNoFiles(t, fs, "cache")
		})
	}
}

func TestEnsureLocalIOFailure(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, imageURL, httpmock.NewBytesResponder(http.StatusOK, []byte("img")))
	store := New(
		WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())),
		WithHTTPClient(&http.Client{Transport: transport}),
	)

	_, err := store.Ensure(context.Background(), imageURL)
	if !errors.Is(err, gallery.ErrLocalIO) {
		t.Fatalf("error = %v, want ErrLocalIO", err)
	}
	if errors.Is(err, gallery.ErrRemoteFetch) {
		t.Fatalf("error = %v, must not match ErrRemoteFetch", err)
	}
}

func TestEnsureRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	store, _, transport := newTestStore(t)
	if _, err := store.Ensure(context.Background(), "https://cdn.example.com/"); !errors.Is(err, ErrInvalidImageURL) {
		t.Fatalf("error = %v, want ErrInvalidImageURL", err)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("downloads = %d, want 0", got)
	}
}
