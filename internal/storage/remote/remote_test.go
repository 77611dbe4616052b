package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/storage"
)

func blobServer(t *testing.T) *httptest.Server {
	t.Helper()
	blobs := map[string]string{}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/upload":
			w.WriteHeader(http.StatusMethodNotAllowed)
		case r.Method == http.MethodPost && r.URL.Path == "/upload":
			f, hdr, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			blobs["/blobs/"+hdr.Filename] = string(data)
			json.NewEncoder(w).Encode(uploadResponse{URL: srv.URL + "/blobs/" + hdr.Filename})
		case r.Method == http.MethodGet:
			data, ok := blobs[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, data)
		case r.Method == http.MethodDelete:
			delete(blobs, r.URL.Path)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPutAndOpen(t *testing.T) {
	logging.InitNop()
	srv := blobServer(t)
	b := New(Config{UploadURL: srv.URL + "/upload", Timeout: 5 * time.Second})
	ctx := context.Background()

	require.NoError(t, b.Probe(ctx))

	loc, err := b.Put(ctx, "1700-abcd.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/blobs/1700-abcd.txt", loc)
	assert.True(t, b.Owns(loc))

	rc, obj, err := b.Open(ctx, loc)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain", obj.ContentType)

	require.NoError(t, b.Delete(ctx, loc))
	_, _, err = b.Open(ctx, loc)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, b.Delete(ctx, loc))
}

func TestUpstreamFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	b := New(Config{UploadURL: srv.URL})
	ctx := context.Background()

	assert.ErrorIs(t, b.Probe(ctx), storage.ErrUpstreamUnavailable)
	_, _, err := b.Open(ctx, srv.URL+"/x")
	assert.ErrorIs(t, err, storage.ErrUpstreamUnavailable)
	_, err = b.Put(ctx, "k", strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, storage.ErrUpstreamUnavailable)
}

func TestPutKeepsBodyReadError(t *testing.T) {
	logging.InitNop()
	srv := blobServer(t)
	b := New(Config{UploadURL: srv.URL + "/upload", Timeout: 5 * time.Second})

	errBroken := errors.New("body broke")
	body := io.MultiReader(strings.NewReader("hel"), iotest.ErrReader(errBroken))
	_, err := b.Put(context.Background(), "k.txt", body, -1, "text/plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, errBroken)
}

func TestUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b := New(Config{Timeout: time.Second})
	_, _, err := b.Open(context.Background(), url+"/gone")
	assert.ErrorIs(t, err, storage.ErrUpstreamUnavailable)
}

func TestOpenRejectsRelativeLocation(t *testing.T) {
	b := New(Config{})
	_, _, err := b.Open(context.Background(), "uploads/a.txt")
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
	assert.False(t, b.Owns("uploads/a.txt"))
}

func TestPutWithoutEndpoint(t *testing.T) {
	b := New(Config{})
	_, err := b.Put(context.Background(), "k", strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, storage.ErrNotSupported)
	assert.ErrorIs(t, b.Probe(context.Background()), storage.ErrNotSupported)
}
