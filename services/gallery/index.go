package gallery

import (
	"slices"
	"strings"
	"sync"

	"smeargle/pkg/gallery"

	"golang.org/x/text/cases"
)

// Entry is one name to album id binding of the index.
type Entry struct {
	// Name is the display name derived from the album title.
	Name string `json:"name"`
	// AlbumID is the gallery album identifier.
	AlbumID int `json:"album_id"`
}

// AlbumIndex maps case-insensitive album names to album ids.
//
// Each key is replaced atomically under the write lock. Readers never observe a
// torn key but may observe a mix of pre- and post-refresh keys.
type AlbumIndex struct {
	mu      sync.RWMutex
	entries map[string]Entry
	keys    []string
}

// NewAlbumIndex creates an empty index.
func NewAlbumIndex() *AlbumIndex {
	return &AlbumIndex{entries: make(map[string]Entry)}
}

// Upsert binds every album name of the listing, replacing existing ids.
//
// Names absent from the listing are kept. On a name collision inside one
// listing the later album wins.
func (x *AlbumIndex) Upsert(albums []gallery.Album) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	changed := 0
	for _, album := range albums {
		name := strings.TrimSpace(album.PokemonName())
		if name == "" {
			continue
		}
		key := foldName(name)
		existing, exists := x.entries[key]
		if !exists {
			x.keys = append(x.keys, key)
		}
		if !exists || existing.AlbumID != album.ID || existing.Name != name {
			changed++
		}
		x.entries[key] = Entry{Name: name, AlbumID: album.ID}
	}

	return changed
}

// Prune removes every name that the listing does not contain and returns the
// number of removed names.
func (x *AlbumIndex) Prune(albums []gallery.Album) int {
	present := make(map[string]struct{}, len(albums))
	for _, album := range albums {
		present[foldName(strings.TrimSpace(album.PokemonName()))] = struct{}{}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	kept := x.keys[:0]
	removed := 0
	for _, key := range x.keys {
		if _, ok := present[key]; ok {
			kept = append(kept, key)
			continue
		}
		delete(x.entries, key)
		removed++
	}
	clear(x.keys[len(kept):])
	x.keys = kept

	return removed
}

// Load binds persisted entries, replacing existing ids of the same names.
func (x *AlbumIndex) Load(entries []Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			continue
		}
		key := foldName(name)
		if _, exists := x.entries[key]; !exists {
			x.keys = append(x.keys, key)
		}
		x.entries[key] = Entry{Name: name, AlbumID: entry.AlbumID}
	}
}

// Lookup resolves name to an album id by exact case-insensitive match.
func (x *AlbumIndex) Lookup(name string) (int, bool) {
	key := foldName(strings.TrimSpace(name))
	if key == "" {
		return 0, false
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	entry, ok := x.entries[key]
	return entry.AlbumID, ok
}

// RandomName returns a uniformly chosen display name.
func (x *AlbumIndex) RandomName(intn gallery.IntN) (string, bool) {
	if intn == nil {
		intn = gallery.DefaultIntN
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.keys) == 0 {
		return "", false
	}
	index := intn(len(x.keys))
	if index < 0 || index >= len(x.keys) {
		return "", false
	}

	return x.entries[x.keys[index]].Name, true
}

// Entries returns a copy of all bindings ordered by name.
func (x *AlbumIndex) Entries() []Entry {
	x.mu.RLock()
	entries := make([]Entry, 0, len(x.entries))
	for _, entry := range x.entries {
		entries = append(entries, entry)
	}
	x.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(foldName(a.Name), foldName(b.Name))
	})

	return entries
}

// Names returns all display names ordered case-insensitively.
func (x *AlbumIndex) Names() []string {
	entries := x.Entries()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}

	return names
}

// Len returns the number of bound names.
func (x *AlbumIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.entries)
}

// foldName returns the comparison key of one name. A cases.Caser keeps state
// and is not safe for concurrent use, so one is built per call.
func foldName(name string) string {
	return cases.Fold().String(name)
}
