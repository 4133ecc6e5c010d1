package gallery

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAlbumPokemonName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rawName string
		want    string
	}{
		{rawName: "001 Bulbasaur", want: "Bulbasaur"},
		{rawName: "122 Mr. Mime", want: "Mr. Mime"},
		{rawName: "Missingno", want: "Missingno"},
		{rawName: "025 ", want: ""},
		{rawName: "", want: ""},
	}

	for _, testCase := range tests {
		t.Run(testCase.rawName, func(t *testing.T) {
			t.Parallel()

			album := Album{ID: 1, RawName: testCase.rawName}
			if got := album.PokemonName(); got != testCase.want {
				t.Fatalf("PokemonName(%q) = %q, want %q", testCase.rawName, got, testCase.want)
			}
		})
	}
}

func TestPickRandom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		urls    []string
		intn    IntN
		want    string
		wantErr error
	}{
		{
			name:    "empty album",
			urls:    nil,
			wantErr: ErrEmptyAlbum,
		},
		{
			name: "single element never consults rng",
			urls: []string{"https://img/a.png"},
			intn: func(int) int { panic("rng must not be used") },
			want: "https://img/a.png",
		},
		{
			name: "last element is reachable",
			urls: []string{"a", "b", "c"},
			intn: func(n int) int { return n - 1 },
			want: "c",
		},
		{
			name: "first element is reachable",
			urls: []string{"a", "b", "c"},
			intn: func(int) int { return 0 },
			want: "a",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := PickRandom(testCase.urls, testCase.intn)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("PickRandom = %q, want %q", got, testCase.want)
			}
		})
	}
}

func TestPickRandomDefaultSourceCoversAllElements(t *testing.T) {
	t.Parallel()

	urls := []string{"a", "b"}
	seen := make(map[string]bool, len(urls))
	for range 500 {
		got, err := PickRandom(urls, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[got] = true
	}
	if len(seen) != len(urls) {
		t.Fatalf("seen = %v, want every element", seen)
	}
}

func TestRemoteErrorMatchesRemoteFetch(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fmt.Errorf("load images: %w", &RemoteError{
		Operation:  "list_images",
		URL:        "https://forum/api/gallery/images",
		StatusCode: 503,
		Cause:      cause,
	})

	if !errors.Is(err, ErrRemoteFetch) {
		t.Fatalf("errors.Is(err, ErrRemoteFetch) = false (err=%v)", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false (err=%v)", err)
	}
	if errors.Is(err, ErrLocalIO) {
		t.Fatal("errors.Is(err, ErrLocalIO) = true, want false")
	}
	for _, fragment := range []string{"operation=list_images", "status=503", "connection reset"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error %q missing %q", err.Error(), fragment)
		}
	}
}
