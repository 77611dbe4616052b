// Package storage defines the byte store contract used by the drive and a
// router that dispatches stored locations to the backend that owns them.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound means no bytes exist at the location.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidPath means a location resolved outside the storage root.
	ErrInvalidPath = errors.New("invalid storage path")
	// ErrUpstreamUnavailable means a remote byte store could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream storage unavailable")
	// ErrNotSupported means the backend cannot perform the operation.
	ErrNotSupported = errors.New("operation not supported by backend")
)

// Object describes stored bytes.
type Object struct {
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Backend stores and serves bytes. Put returns a location descriptor that
// is persisted on the entry: a relative key for local storage or an
// absolute URL for remote storage. All other methods take that descriptor.
type Backend interface {
	// Type returns the backend identifier ("local", "s3", "remote").
	Type() string

	// Owns reports whether location was produced by this backend.
	Owns(location string) bool

	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)

	// Open streams the object. The caller closes the reader.
	Open(ctx context.Context, location string) (io.ReadCloser, Object, error)

	// Stat returns ErrNotFound when nothing is stored at location.
	Stat(ctx context.Context, location string) (Object, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, location string) error

	// List returns every stored location, or ErrNotSupported.
	List(ctx context.Context) ([]string, error)

	Close() error
}

// IsURL reports whether location is an absolute http(s) URL.
func IsURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
