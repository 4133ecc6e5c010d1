package gallery

import (
	"context"
	"sync"
	"testing"

	"smeargle/pkg/gallery"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sourceStub struct {
	mu           sync.Mutex
	albums       []gallery.Album
	albumsErr    error
	images       map[int][]string
	imagesErr    error
	albumCalls   int
	imageCalls   map[int]int
	imageStarted chan int
	imageRelease chan struct{}
}

func newSourceStub() *sourceStub {
	return &sourceStub{
		images:     make(map[int][]string),
		imageCalls: make(map[int]int),
	}
}

func (s *sourceStub) ListAlbums(_ context.Context, _ int) ([]gallery.Album, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.albumCalls++
	if s.albumsErr != nil {
		return nil, s.albumsErr
	}

	return append([]gallery.Album(nil), s.albums...), nil
}

func (s *sourceStub) ListImageURLs(ctx context.Context, albumID int) ([]string, error) {
	s.mu.Lock()
	s.imageCalls[albumID]++
	started := s.imageStarted
	release := s.imageRelease
	urls := append([]string(nil), s.images[albumID]...)
	err := s.imagesErr
	s.mu.Unlock()

	if started != nil {
		started <- albumID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	return urls, nil
}

func (s *sourceStub) setAlbums(albums []gallery.Album, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.albums = albums
	s.albumsErr = err
}

func (s *sourceStub) setImages(albumID int, urls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.images[albumID] = urls
}

func (s *sourceStub) imageCallCount(albumID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.imageCalls[albumID]
}

func (s *sourceStub) albumCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.albumCalls
}

// holdImageLoads makes later image loads report their start and wait for
// release. The returned func stops holding new loads.
func (s *sourceStub) holdImageLoads() (<-chan int, chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.imageStarted = make(chan int, 1)
	s.imageRelease = make(chan struct{})

	return s.imageStarted, s.imageRelease, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.imageStarted = nil
		s.imageRelease = nil
	}
}
