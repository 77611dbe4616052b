package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fruitsalade/clouddrive/internal/logging"
)

// Router sends uploads to the primary backend and resolves stored
// locations against every configured backend in order, so entries written
// before a backend change stay readable.
type Router struct {
	primary Backend
	readers []Backend
}

var _ Backend = (*Router)(nil)

// NewRouter creates a Router. The primary is consulted first for reads.
func NewRouter(primary Backend, readers ...Backend) *Router {
	all := []Backend{primary}
	for _, b := range readers {
		if b != nil && b != primary {
			all = append(all, b)
		}
	}
	return &Router{primary: primary, readers: all}
}

// Primary returns the backend that receives uploads.
func (r *Router) Primary() Backend { return r.primary }

// Type returns the primary backend type.
func (r *Router) Type() string { return r.primary.Type() }

// Owns reports whether any backend can serve location.
func (r *Router) Owns(location string) bool {
	_, err := r.backendFor(location)
	return err == nil
}

func (r *Router) backendFor(location string) (Backend, error) {
	for _, b := range r.readers {
		if b.Owns(location) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no backend for location %q: %w", location, ErrNotFound)
}

func (r *Router) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	return r.primary.Put(ctx, key, body, size, contentType)
}

func (r *Router) Open(ctx context.Context, location string) (io.ReadCloser, Object, error) {
	b, err := r.backendFor(location)
	if err != nil {
		return nil, Object{}, err
	}
	return b.Open(ctx, location)
}

func (r *Router) Stat(ctx context.Context, location string) (Object, error) {
	b, err := r.backendFor(location)
	if err != nil {
		return Object{}, err
	}
	return b.Stat(ctx, location)
}

func (r *Router) Delete(ctx context.Context, location string) error {
	b, err := r.backendFor(location)
	if err != nil {
		return err
	}
	return b.Delete(ctx, location)
}

// List merges the listings of every backend that supports it.
func (r *Router) List(ctx context.Context) ([]string, error) {
	var out []string
	supported := false
	for _, b := range r.readers {
		locs, err := b.List(ctx)
		if errors.Is(err, ErrNotSupported) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", b.Type(), err)
		}
		supported = true
		out = append(out, locs...)
	}
	if !supported {
		return nil, ErrNotSupported
	}
	return out, nil
}

// Close closes every backend, logging failures.
func (r *Router) Close() error {
	var first error
	for _, b := range r.readers {
		if err := b.Close(); err != nil {
			logging.Warn("close storage backend", logging.String("backend", b.Type()), logging.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
