package gallery

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRemoteFetch indicates a network, status, or payload failure from a remote host.
	ErrRemoteFetch = errors.New("gallery: remote fetch failed")
	// ErrLookupMiss indicates that no album carries the requested name.
	ErrLookupMiss = errors.New("gallery: album not found")
	// ErrEmptyAlbum indicates that an album resolved with zero images.
	ErrEmptyAlbum = errors.New("gallery: album has no images")
	// ErrLocalIO indicates a local disk read or write failure.
	ErrLocalIO = errors.New("gallery: local io failed")
)

// RemoteError describes one failed remote call.
//
// It matches ErrRemoteFetch with errors.Is.
type RemoteError struct {
	// Operation names the remote call, for example "list_albums".
	Operation string
	// URL is the requested location without credentials.
	URL string
	// StatusCode is the HTTP status when a response was received.
	StatusCode int
	// Cause is the underlying transport or decoding error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *RemoteError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 3)
	if e.Operation != "" {
		fields = append(fields, "operation="+e.Operation)
	}
	if e.URL != "" {
		fields = append(fields, "url="+e.URL)
	}
	if e.StatusCode != 0 {
		fields = append(fields, fmt.Sprintf("status=%d", e.StatusCode))
	}

	message := ErrRemoteFetch.Error()
	if len(fields) > 0 {
		message += ": " + strings.Join(fields, " ")
	}
	if e.Cause != nil {
		message += ": " + e.Cause.Error()
	}

	return message
}

// Unwrap returns the wrapped root cause.
func (e *RemoteError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Is reports ErrRemoteFetch identity.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteFetch
}
