// Package local stores bytes in a directory tree on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metrics"
	"github.com/fruitsalade/clouddrive/internal/storage"
)

const tempPattern = ".clouddrive-*.tmp"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements storage.Backend on a directory. Locations are
// slash-separated paths relative to the root.
type Backend struct {
	root string
}

var _ storage.Backend = (*Backend)(nil)

// New creates the backend, creating the root when cfg.CreateDirs is set.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err) && cfg.CreateDirs:
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", root, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", root, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &Backend{root: root}, nil
}

// Root returns the absolute storage root.
func (b *Backend) Root() string { return b.root }

// Resolve maps a location to an absolute path strictly below the root.
// Anything that escapes the root, or names the root itself, is rejected
// with storage.ErrInvalidPath.
func (b *Backend) Resolve(location string) (string, error) {
	if location == "" || storage.IsURL(location) || strings.ContainsRune(location, 0) {
		return "", fmt.Errorf("%q: %w", location, storage.ErrInvalidPath)
	}
	rel := strings.TrimLeft(filepath.FromSlash(location), string(filepath.Separator))
	full := filepath.Join(b.root, rel)

	r, err := filepath.Rel(b.root, full)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", location, storage.ErrInvalidPath)
	}
	return full, nil
}

func (b *Backend) Type() string { return "local" }

// Owns claims every non-URL location.
func (b *Backend) Owns(location string) bool {
	return location != "" && !storage.IsURL(location)
}

// Put writes body atomically via a temp file and rename.
func (b *Backend) Put(_ context.Context, key string, body io.Reader, size int64, _ string) (loc string, err error) {
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("local", "put", time.Since(start), err == nil) }()

	path, err := b.Resolve(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write %s: short body, got %d of %d bytes", key, n, size)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename temp to %s: %w", key, err)
	}

	logging.Debug("local put", logging.String("key", key), logging.Int64("size", n))
	return filepath.ToSlash(strings.TrimPrefix(path, b.root+string(filepath.Separator))), nil
}

func (b *Backend) Open(_ context.Context, location string) (io.ReadCloser, storage.Object, error) {
	path, err := b.Resolve(location)
	if err != nil {
		return nil, storage.Object{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, storage.Object{}, mapErr(location, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, storage.Object{}, fmt.Errorf("stat %s: %w", location, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, storage.Object{}, fmt.Errorf("%s is a directory: %w", location, storage.ErrNotFound)
	}
	return f, storage.Object{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (b *Backend) Stat(_ context.Context, location string) (storage.Object, error) {
	path, err := b.Resolve(location)
	if err != nil {
		return storage.Object{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return storage.Object{}, mapErr(location, err)
	}
	if info.IsDir() {
		return storage.Object{}, fmt.Errorf("%s is a directory: %w", location, storage.ErrNotFound)
	}
	return storage.Object{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (b *Backend) Delete(_ context.Context, location string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("local", "delete", time.Since(start), err == nil) }()

	path, err := b.Resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", location, err)
	}
	return nil
}

// List walks the root and returns every stored file, skipping temp files.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if matched, _ := filepath.Match(tempPattern, d.Name()); matched {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", b.root, err)
	}
	return out, nil
}

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

func mapErr(location string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", location, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", location, err)
}
