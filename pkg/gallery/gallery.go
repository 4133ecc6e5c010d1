// Package gallery defines the contracts between gallery sources, the album
// catalog, the image byte cache, and the modules that serve images to chat.
package gallery

import (
	"context"
	"strings"
)

const (
	// ServiceCatalog is the service registry key of the shared Catalog.
	ServiceCatalog = "gallery.catalog"
	// ServiceImageStore is the service registry key of the shared ImageStore.
	ServiceImageStore = "gallery.image_store"
)

// Album is one named image collection of the remote gallery.
type Album struct {
	// ID is the gallery album identifier.
	ID int `json:"id"`
	// RawName is the album name as published, for example "025 Pikachu".
	RawName string `json:"name"`
}

// PokemonName returns the lookup name of the album.
//
// Album names carry a leading ordinal token ("001 Bulbasaur"); everything after
// the first space is the name. Names without a space are used unchanged.
func (a Album) PokemonName() string {
	if _, name, found := strings.Cut(a.RawName, " "); found {
		return name
	}

	return a.RawName
}

// Source is a read-only accessor over the remote gallery service.
type Source interface {
	// ListAlbums returns every album of one gallery category.
	ListAlbums(ctx context.Context, categoryID int) ([]Album, error)
	// ListImageURLs returns original image URLs of one album in gallery order.
	ListImageURLs(ctx context.Context, albumID int) ([]string, error)
}

// Catalog resolves album names to image URL lists.
type Catalog interface {
	// Lookup resolves a case-insensitive album name to its id.
	Lookup(name string) (int, bool)
	// RandomName returns a uniformly chosen name from the current index.
	RandomName() (string, bool)
	// Images returns the image URLs of one album, loading them on first use.
	Images(ctx context.Context, albumID int) ([]string, error)
}

// Image is one image file held by an ImageStore.
type Image struct {
	// URL is the remote location the file was downloaded from.
	URL string
	// Path is the local filesystem path of the cached file.
	Path string
	// Size is the file length in bytes.
	Size int64
}

// ImageStore caches remote images on local storage.
type ImageStore interface {
	// Ensure makes sure the image is cached and returns its local metadata.
	Ensure(ctx context.Context, url string) (Image, error)
	// Get returns the cached image bytes, downloading them on a miss.
	Get(ctx context.Context, url string) ([]byte, error)
}
