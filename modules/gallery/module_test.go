package gallery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"smeargle/internal/observability/metrics"
	galleryapi "smeargle/pkg/gallery"
	"smeargle/pkg/smeargle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const mebibyte = 1024 * 1024

func TestModuleHandleMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		self       bool
		size       int64
		imagesErr  error
		ensureErr  error
		errorReply bool
		wantErr    bool
		wantFile   string
		wantText   string
		wantCalls  int
		wantResult string
	}{
		{
			name:       "small image is attached",
			text:       "!Pikachu",
			size:       mebibyte,
			wantFile:   "/cache/pikachu-1.png",
			wantCalls:  1,
			wantResult: metrics.OutcomeAttachment,
		},
		{
			name:       "large image falls back to url",
			text:       "!pikachu",
			size:       9 * mebibyte,
			wantText:   "https://gallery.example/uploads/pikachu-1.png",
			wantCalls:  1,
			wantResult: metrics.OutcomeLink,
		},
		{
			name:       "exact limit falls back to url",
			text:       "!pikachu",
			size:       DefaultAttachmentLimit,
			wantText:   "https://gallery.example/uploads/pikachu-1.png",
			wantCalls:  1,
			wantResult: metrics.OutcomeLink,
		},
		{
			name:       "repeated prefix is stripped",
			text:       "!!  PIKACHU ",
			size:       mebibyte,
			wantFile:   "/cache/pikachu-1.png",
			wantCalls:  1,
			wantResult: metrics.OutcomeAttachment,
		},
		{
			name:       "unknown name is silent",
			text:       "!unknownmon",
			wantResult: metrics.OutcomeMiss,
		},
		{
			name: "plain text is ignored",
			text: "pikachu",
		},
		{
			name: "ping is left to pingpong",
			text: "!ping",
		},
		{
			name: "own message is ignored",
			text: "!pikachu",
			self: true,
		},
		{
			name:       "random picks an indexed name",
			text:       "!RandomMon",
			size:       mebibyte,
			wantFile:   "/cache/pikachu-1.png",
			wantCalls:  1,
			wantResult: metrics.OutcomeAttachment,
		},
		{
			name:       "remote failure replies with error",
			text:       "!pikachu",
			imagesErr:  &galleryapi.RemoteError{Operation: "list_images", StatusCode: 502},
			errorReply: true,
			wantErr:    true,
			wantText:   "Could not fetch an image of pikachu, try again later.",
			wantCalls:  1,
			wantResult: metrics.OutcomeError,
		},
		{
			name:       "empty album replies with error",
			text:       "!pikachu",
			imagesErr:  galleryapi.ErrEmptyAlbum,
			errorReply: true,
			wantErr:    true,
			wantText:   "The pikachu album has no images yet.",
			wantCalls:  1,
			wantResult: metrics.OutcomeError,
		},
		{
			name:       "download failure without error reply",
			text:       "!pikachu",
			ensureErr:  fmt.Errorf("download: %w", galleryapi.ErrRemoteFetch),
			wantErr:    true,
			wantResult: metrics.OutcomeError,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			catalog := newStubCatalog()
			catalog.imagesErr = testCase.imagesErr
			store := &stubImageStore{size: testCase.size, err: testCase.ensureErr}
			dispatcher := &captureDispatcher{}
			commandMetrics, err := metrics.NewCommandMetrics(prometheus.NewRegistry())
			if err != nil {
				t.Fatalf("new command metrics failed: %v", err)
			}

			cfg := DefaultConfig()
			cfg.ErrorReply = testCase.errorReply
			module := newRegisteredModule(t, cfg, catalog, store, dispatcher,
				WithMetrics(commandMetrics),
				WithRandom(func(int) int { return 0 }),
			)

			event := newMessageEvent(testCase.text)
			event.Actor.IsSelf = testCase.self
			err = module.handleMessage(context.Background(), event)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("handle message failed: %v", err)
			}

			files, texts := dispatcher.snapshot()
			if got := len(files) + len(texts); got != testCase.wantCalls {
				t.Fatalf("outbound calls = %d, want %d (files=%v texts=%v)", got, testCase.wantCalls, files, texts)
			}
			if testCase.wantFile != "" && (len(files) != 1 || files[0].Path != testCase.wantFile) {
				t.Fatalf("files = %+v, want %s", files, testCase.wantFile)
			}
			if testCase.wantText != "" && (len(texts) != 1 || texts[0].Text != testCase.wantText) {
				t.Fatalf("texts = %+v, want %q", texts, testCase.wantText)
			}
			for _, request := range files {
				if request.Target.Conversation.ID != "c1" {
					t.Fatalf("file target = %+v, want c1", request.Target)
				}
			}

			if testCase.wantResult != "" {
				var total float64
				for _, label := range []string{commandLabelLookup, commandLabelRandom} {
					total += testutil.ToFloat64(commandMetrics.Handled.WithLabelValues(label, testCase.wantResult))
				}
				if total != 1 {
					t.Fatalf("commands{outcome=%s} = %v, want 1", testCase.wantResult, total)
				}
			}
		})
	}
}

func TestModuleSingleImageAlbumIsDeterministic(t *testing.T) {
	t.Parallel()

	catalog := newStubCatalog()
	catalog.images[25] = []string{"https://gallery.example/uploads/only.png"}
	store := &stubImageStore{size: mebibyte}
	dispatcher := &captureDispatcher{}
	module := newRegisteredModule(t, DefaultConfig(), catalog, store, dispatcher, WithRandom(func(int) int {
		t.Fatal("random source used for a single image album")
		return 0
	}))

	for range 5 {
		if err := module.handleMessage(context.Background(), newMessageEvent("!pikachu")); err != nil {
			t.Fatalf("handle message failed: %v", err)
		}
	}

	files, _ := dispatcher.snapshot()
	if len(files) != 5 {
		t.Fatalf("files = %d, want 5", len(files))
	}
	for _, request := range files {
		if request.Path != "/cache/only.png" {
			t.Fatalf("path = %s, want /cache/only.png", request.Path)
		}
	}
}

func TestModuleRandomOnEmptyIndexIsSilent(t *testing.T) {
	t.Parallel()

	catalog := newStubCatalog()
	catalog.names = map[string]int{}
	dispatcher := &captureDispatcher{}
	module := newRegisteredModule(t, DefaultConfig(), catalog, &stubImageStore{}, dispatcher)

	if err := module.handleMessage(context.Background(), newMessageEvent("!random")); err != nil {
		t.Fatalf("handle message failed: %v", err)
	}
	files, texts := dispatcher.snapshot()
	if len(files)+len(texts) != 0 {
		t.Fatalf("outbound calls = %d, want 0", len(files)+len(texts))
	}
}

func TestModuleLifecycleDrivesCatalog(t *testing.T) {
	t.Parallel()

	catalog := newStubCatalog()
	module := newRegisteredModule(t, DefaultConfig(), catalog, &stubImageStore{}, &captureDispatcher{})

	if err := module.OnStart(context.Background()); err != nil {
		t.Fatalf("on start failed: %v", err)
	}
	if err := module.OnShutdown(context.Background()); err != nil {
		t.Fatalf("on shutdown failed: %v", err)
	}
	if catalog.starts != 1 || catalog.stops != 1 {
		t.Fatalf("starts/stops = %d/%d, want 1/1", catalog.starts, catalog.stops)
	}

	catalog.startErr = errors.New("boom")
	if err := module.OnStart(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
}

func TestModuleSpec(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Workers = 4
	module, err := New(cfg)
	if err != nil {
		t.Fatalf("new module failed: %v", err)
	}

	spec := module.Spec()
	if len(spec.Handlers) != 1 {
		t.Fatalf("handlers len = %d, want 1", len(spec.Handlers))
	}
	handler := spec.Handlers[0]
	if !handler.Capability.Interest.SkipSelf || !handler.Capability.Interest.RequireMessage {
		t.Fatalf("interest = %+v, want SkipSelf and RequireMessage", handler.Capability.Interest)
	}
	if handler.Subscription.Workers != 4 {
		t.Fatalf("workers = %d, want 4", handler.Subscription.Workers)
	}
	required := strings.Join(handler.Capability.RequiredServices, ",")
	for _, service := range []string{galleryapi.ServiceCatalog, galleryapi.ServiceImageStore, smeargle.ServiceSinkDispatcher} {
		if !strings.Contains(required, service) {
			t.Fatalf("required services %q missing %s", required, service)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero limit", cfg: Config{}},
		{name: "negative workers", cfg: Config{AttachmentLimitBytes: 1, Workers: -1}},
	}
	for _, testCase := range tests {
		if _, err := New(testCase.cfg); err == nil {
			t.Fatalf("%s: expected error", testCase.name)
		}
	}
}

func TestOnRegisterRequiresServices(t *testing.T) {
	t.Parallel()

	module, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("new module failed: %v", err)
	}
	runtime := &stubRuntime{services: stubServices{
		galleryapi.ServiceCatalog: newStubCatalog(),
	}}
	if err := module.OnRegister(context.Background(), runtime); err == nil {
		t.Fatal("expected missing image store error")
	}
}

func newRegisteredModule(
	t *testing.T,
	cfg Config,
	catalog *stubCatalog,
	store *stubImageStore,
	dispatcher *captureDispatcher,
	options ...Option,
) *Module {
	t.Helper()

	module, err := New(cfg, options...)
	if err != nil {
		t.Fatalf("new module failed: %v", err)
	}
	runtime := &stubRuntime{services: stubServices{
		galleryapi.ServiceCatalog:      catalog,
		galleryapi.ServiceImageStore:   store,
		smeargle.ServiceSinkDispatcher: dispatcher,
	}}
	if err := module.OnRegister(context.Background(), runtime); err != nil {
		t.Fatalf("on register failed: %v", err)
	}

	return module
}

func newMessageEvent(text string) *smeargle.Event {
	return &smeargle.Event{
		ID:         "discord:m1",
		Kind:       smeargle.EventKindMessageCreated,
		OccurredAt: time.Unix(1, 0).UTC(),
		Source: smeargle.EventSource{
			Platform: smeargle.PlatformDiscord,
			ID:       "discord-main",
		},
		Conversation: smeargle.Conversation{
			ID:    "c1",
			Type:  smeargle.ConversationTypeGroup,
			Title: "pokemon",
		},
		Actor: smeargle.Actor{ID: "u1", Username: "ash"},
		Message: &smeargle.Message{
			ID:   "m1",
			Text: text,
		},
	}
}

type stubCatalog struct {
	mu        sync.Mutex
	names     map[string]int
	images    map[int][]string
	imagesErr error
	startErr  error
	starts    int
	stops     int
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		names: map[string]int{"pikachu": 25},
		images: map[int][]string{
			25: {
				"https://gallery.example/uploads/pikachu-1.png",
				"https://gallery.example/uploads/pikachu-2.png",
			},
		},
	}
}

func (c *stubCatalog) Lookup(name string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.names[strings.ToLower(name)]
	return id, ok
}

func (c *stubCatalog) RandomName() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name := range c.names {
		return name, true
	}
	return "", false
}

func (c *stubCatalog) Images(_ context.Context, albumID int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.imagesErr != nil {
		return nil, c.imagesErr
	}
	urls := c.images[albumID]
	if len(urls) == 0 {
		return nil, galleryapi.ErrEmptyAlbum
	}
	return urls, nil
}

func (c *stubCatalog) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	return nil
}

func (c *stubCatalog) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stops++
	return nil
}

type stubImageStore struct {
	size int64
	err  error
}

func (s *stubImageStore) Ensure(_ context.Context, url string) (galleryapi.Image, error) {
	if s.err != nil {
		return galleryapi.Image{}, s.err
	}

	return galleryapi.Image{
		URL:  url,
		Path: "/cache/" + url[strings.LastIndex(url, "/")+1:],
		Size: s.size,
	}, nil
}

func (s *stubImageStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type captureDispatcher struct {
	mu    sync.Mutex
	files []smeargle.SendFileRequest
	texts []smeargle.SendMessageRequest
}

func (d *captureDispatcher) SendMessage(
	_ context.Context,
	request smeargle.SendMessageRequest,
) (*smeargle.OutboundMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.texts = append(d.texts, request)
	return &smeargle.OutboundMessage{ID: "sent", Target: request.Target}, nil
}

func (d *captureDispatcher) SendFile(
	_ context.Context,
	request smeargle.SendFileRequest,
) (*smeargle.OutboundMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.files = append(d.files, request)
	return &smeargle.OutboundMessage{ID: "sent", Target: request.Target}, nil
}

func (d *captureDispatcher) snapshot() ([]smeargle.SendFileRequest, []smeargle.SendMessageRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]smeargle.SendFileRequest(nil), d.files...), append([]smeargle.SendMessageRequest(nil), d.texts...)
}

type stubServices map[string]any

func (s stubServices) Register(name string, service any) error {
	s[name] = service
	return nil
}

func (s stubServices) Resolve(name string) (any, error) {
	service, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", name, smeargle.ErrServiceNotFound)
	}
	return service, nil
}

type stubRuntime struct {
	services stubServices
}

func (r *stubRuntime) Services() smeargle.ServiceRegistry {
	return r.services
}

func (r *stubRuntime) Subscribe(
	context.Context,
	smeargle.InterestSet,
	smeargle.SubscriptionSpec,
	smeargle.EventHandler,
) (smeargle.Subscription, error) {
	return nil, errors.New("not supported")
}
