// Package remote talks to an HTTP blob service: uploads are POSTed as
// multipart forms and stored bytes are proxied back by URL.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metrics"
	"github.com/fruitsalade/clouddrive/internal/storage"
)

// Config holds remote blob service settings. UploadURL may be empty for a
// read-only proxy that only fetches absolute URLs.
type Config struct {
	UploadURL string
	Timeout   time.Duration
	Client    *http.Client
}

// Backend implements storage.Backend over HTTP. Requests are single
// attempts bounded by the configured timeout.
type Backend struct {
	uploadURL string
	client    *http.Client
}

var _ storage.Backend = (*Backend)(nil)

// New creates a remote backend.
func New(cfg Config) *Backend {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Backend{uploadURL: cfg.UploadURL, client: client}
}

// uploadResponse is the blob service reply to an upload.
type uploadResponse struct {
	URL string `json:"url"`
}

// Probe checks that the upload endpoint answers. Any status below 500
// counts as available.
func (b *Backend) Probe(ctx context.Context) error {
	if b.uploadURL == "" {
		return fmt.Errorf("no upload endpoint configured: %w", storage.ErrNotSupported)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.uploadURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w: %w", b.uploadURL, storage.ErrUpstreamUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d: %w", b.uploadURL, resp.StatusCode, storage.ErrUpstreamUnavailable)
	}
	return nil
}

func (b *Backend) Type() string { return "remote" }

// Owns claims every absolute http(s) URL.
func (b *Backend) Owns(location string) bool {
	return storage.IsURL(location)
}

// Put streams body as the "file" field of a multipart form.
func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (loc string, err error) {
	if b.uploadURL == "" {
		return "", fmt.Errorf("remote put: %w", storage.ErrNotSupported)
	}
	start := time.Now()
	defer func() { metrics.RecordStorageOperation("remote", "put", time.Since(start), err == nil) }()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("file", key)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.uploadURL, pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w: %w", key, storage.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("upload %s: status %d: %w", key, resp.StatusCode, storage.ErrUpstreamUnavailable)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upload %s: decode response: %w", key, err)
	}
	if !storage.IsURL(out.URL) {
		return "", fmt.Errorf("upload %s: response url %q: %w", key, out.URL, storage.ErrUpstreamUnavailable)
	}

	logging.Debug("remote put", logging.String("key", key), logging.String("url", out.URL), logging.Int64("size", size))
	return out.URL, nil
}

// Open fetches location. The response body is handed to the caller.
func (b *Backend) Open(ctx context.Context, location string) (io.ReadCloser, storage.Object, error) {
	start := time.Now()
	resp, err := b.do(ctx, http.MethodGet, location)
	metrics.RecordStorageOperation("remote", "get", time.Since(start), err == nil)
	if err != nil {
		return nil, storage.Object{}, err
	}
	return resp.Body, objectFrom(resp), nil
}

func (b *Backend) Stat(ctx context.Context, location string) (storage.Object, error) {
	resp, err := b.do(ctx, http.MethodHead, location)
	if err != nil {
		return storage.Object{}, err
	}
	resp.Body.Close()
	return objectFrom(resp), nil
}

// Delete asks the blob service to drop location. A 404 counts as deleted.
func (b *Backend) Delete(ctx context.Context, location string) error {
	start := time.Now()
	resp, err := b.do(ctx, http.MethodDelete, location)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
		metrics.RecordStorageOperation("remote", "delete", time.Since(start), err == nil)
		return err
	}
	resp.Body.Close()
	metrics.RecordStorageOperation("remote", "delete", time.Since(start), true)
	return nil
}

// List is not offered by blob services.
func (b *Backend) List(context.Context) ([]string, error) {
	return nil, storage.ErrNotSupported
}

func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) do(ctx context.Context, method, location string) (*http.Response, error) {
	if !storage.IsURL(location) {
		return nil, fmt.Errorf("%q: %w", location, storage.ErrInvalidPath)
	}
	req, err := http.NewRequestWithContext(ctx, method, location, nil)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", location, storage.ErrInvalidPath)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, location, storage.ErrUpstreamUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, location, storage.ErrNotFound)
	case resp.StatusCode/100 != 2:
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %w", method, location, resp.StatusCode, storage.ErrUpstreamUnavailable)
	}
	return resp, nil
}

func objectFrom(resp *http.Response) storage.Object {
	obj := storage.Object{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		obj.ModTime = lm
	}
	return obj
}
