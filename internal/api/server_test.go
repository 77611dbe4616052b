package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/auth"
	"github.com/fruitsalade/clouddrive/internal/drive"
	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata/memory"
	"github.com/fruitsalade/clouddrive/internal/ratelimit"
	"github.com/fruitsalade/clouddrive/internal/storage"
	"github.com/fruitsalade/clouddrive/internal/storage/backends"
	"github.com/fruitsalade/clouddrive/internal/storage/local"
	"github.com/fruitsalade/clouddrive/pkg/protocol"
)

const testSecret = "test-secret-0123456789abcdef"

type testServer struct {
	handler http.Handler
	alice   string
	bob     string
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	logging.InitNop()

	backend, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)

	broadcaster := events.NewBroadcaster()
	svc := drive.New(drive.Options{
		Store:         memory.New(),
		Storage:       storage.NewRouter(backend),
		Events:        broadcaster,
		PublicURL:     "https://drive.example.com",
		MaxUploadSize: 1 << 20,
	})
	a := auth.New(testSecret)
	srv := NewServer(svc, a, limiter, broadcaster, backends.Capability{Upload: "local", Reason: "configured"}, 1<<20)

	alice, _, err := a.IssueToken("alice", "alice", time.Hour)
	require.NoError(t, err)
	bob, _, err := a.IssueToken("bob", "bob", time.Hour)
	require.NoError(t, err)
	return &testServer{handler: srv.Handler(), alice: alice, bob: bob}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, token, parentID string, files map[string]string) []protocol.FileEntry {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("parentId", parentID))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp protocol.UploadResponse[protocol.FileEntry]
	decode(t, rec, &resp)
	return resp.Files
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func fileNames(files []protocol.FileEntry) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp protocol.HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "local", resp.StorageBackend)
	assert.True(t, resp.Uploads)
	assert.NotEmpty(t, rec.Header().Get(logging.RequestIDHeader))
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/api/files", "/api/usage", "/api/files/sync-check", "/api/download/x"} {
		rec := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := ts.do(t, http.MethodGet, "/api/files", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFolderLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/files", ts.alice, protocol.CreateFolderRequest{Name: "Docs"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var docs protocol.FileEntry
	decode(t, rec, &docs)
	assert.Equal(t, "folder", docs.Type)
	assert.Equal(t, "/Docs", docs.Path)
	assert.Equal(t, "alice", docs.OwnerID)

	rec = ts.do(t, http.MethodPost, "/api/files", ts.alice, protocol.CreateFolderRequest{Name: "Docs"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/files", ts.alice, protocol.CreateFolderRequest{Name: "a/b"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	newName := "Papers"
	rec = ts.do(t, http.MethodPut, "/api/files/"+docs.ID, ts.alice, protocol.UpdateEntryRequest{Name: &newName})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/files/"+docs.ID, ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &docs)
	assert.Equal(t, "Papers", docs.Name)

	rec = ts.do(t, http.MethodGet, "/api/files/"+docs.ID, ts.bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/files/"+docs.ID, ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trashed protocol.EntryMessageResponse[protocol.FileEntry]
	decode(t, rec, &trashed)
	assert.Equal(t, "moved to trash", trashed.Message)
	assert.True(t, trashed.File.IsDeleted)

	var list protocol.ListResponse[protocol.FileEntry]
	rec = ts.do(t, http.MethodGet, "/api/files?type=trash", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, []string{"Papers"}, fileNames(list.Files))

	rec = ts.do(t, http.MethodPost, "/api/files/"+docs.ID+"/restore", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/files", ts.alice, nil)
	decode(t, rec, &list)
	assert.Equal(t, []string{"Papers"}, fileNames(list.Files))

	rec = ts.do(t, http.MethodDelete, "/api/files/"+docs.ID+"/permanent", ts.alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "purge requires a trashed entry")

	ts.do(t, http.MethodDelete, "/api/files/"+docs.ID, ts.alice, nil)
	rec = ts.do(t, http.MethodDelete, "/api/files/"+docs.ID+"/permanent", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var purged drive.PurgeResult
	decode(t, rec, &purged)
	assert.True(t, purged.RecordDeleted)
	assert.Equal(t, 1, purged.RecordsPurged)
}

func TestListRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/files?type=everything", ts.alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndDownload(t *testing.T) {
	ts := newTestServer(t, nil)
	files := ts.upload(t, ts.alice, "", map[string]string{"hello.txt": "hello"})
	require.Len(t, files, 1)
	assert.Equal(t, "hello.txt", files[0].Name)
	assert.Equal(t, int64(5), files[0].Size)

	rec := ts.do(t, http.MethodGet, "/api/download/"+files[0].ID, ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, `attachment; filename="hello.txt"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = ts.do(t, http.MethodGet, "/api/download/"+files[0].ID, ts.bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A second upload of the same name gets a suffix.
	again := ts.upload(t, ts.alice, "", map[string]string{"hello.txt": "again"})
	assert.Equal(t, "hello (1).txt", again[0].Name)

	rec = ts.do(t, http.MethodGet, "/api/usage", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage drive.UsageReport
	decode(t, rec, &usage)
	assert.Equal(t, int64(10), usage.UsedBytes)
	assert.Equal(t, int64(2), usage.FileCount)

	rec = ts.do(t, http.MethodGet, "/api/files/sync-check", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report drive.SyncReport
	decode(t, rec, &report)
	assert.Equal(t, 2, report.TotalRecords)
	assert.Equal(t, 2, report.Present)
	assert.Empty(t, report.Missing)
}

func TestUploadWithoutFiles(t *testing.T) {
	ts := newTestServer(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("parentId", ""))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.alice)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShareLinkFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	files := ts.upload(t, ts.alice, "", map[string]string{"secret.txt": "top secret"})
	id := files[0].ID

	rec := ts.do(t, http.MethodPost, "/api/files/"+id+"/share", ts.bob, protocol.CreateLinkRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/files/"+id+"/share", ts.alice, protocol.CreateLinkRequest{
		Permission: "view",
		ExpiresIn:  "7d",
		Password:   "hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var link drive.LinkInfo
	decode(t, rec, &link)
	assert.Equal(t, "https://drive.example.com/share/"+link.Token, link.ShareURL)
	assert.True(t, link.HasPassword)
	require.NotNil(t, link.ExpiresAt)

	rec = ts.do(t, http.MethodGet, "/api/share/"+link.Token, "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var errResp protocol.ErrorResponse
	decode(t, rec, &errResp)
	assert.True(t, errResp.RequiresPassword)

	rec = ts.do(t, http.MethodGet, "/api/share/"+link.Token+"?password=wrong", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/share/"+link.Token+"?password=hunter2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view drive.PublicView
	decode(t, rec, &view)
	assert.Equal(t, "secret.txt", view.Name)

	rec = ts.do(t, http.MethodPost, "/api/share/"+link.Token, "", protocol.SharePasswordRequest{Password: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/share/"+link.Token+"/download", "", protocol.SharePasswordRequest{Password: "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "top secret", rec.Body.String())

	// The owner's listing shows the link but never its password hash.
	rec = ts.do(t, http.MethodGet, "/api/files", ts.alice, nil)
	assert.NotContains(t, rec.Body.String(), "passwordHash")
	assert.Contains(t, rec.Body.String(), `"hasPassword":true`)

	rec = ts.do(t, http.MethodDelete, "/api/files/"+id+"/share", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/share/"+link.Token+"?password=hunter2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollaborators(t *testing.T) {
	ts := newTestServer(t, nil)
	files := ts.upload(t, ts.alice, "", map[string]string{"plan.md": "# plan"})
	id := files[0].ID

	rec := ts.do(t, http.MethodPut, "/api/files/"+id+"/collaborators", ts.alice,
		protocol.CollaboratorRequest{UserID: "bob", Permission: "edit"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry protocol.FileEntry
	decode(t, rec, &entry)
	require.Len(t, entry.SharedWith, 1)
	assert.Equal(t, protocol.Collaborator{UserID: "bob", Permission: "edit"}, entry.SharedWith[0])

	var list protocol.ListResponse[protocol.FileEntry]
	rec = ts.do(t, http.MethodGet, "/api/files?type=shared", ts.bob, nil)
	decode(t, rec, &list)
	assert.Equal(t, []string{"plan.md"}, fileNames(list.Files))

	rec = ts.do(t, http.MethodGet, "/api/download/"+id, ts.bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/files/"+id, ts.bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/files/"+id+"/collaborators/bob", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/download/"+id, ts.bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptyTrash(t *testing.T) {
	ts := newTestServer(t, nil)
	files := ts.upload(t, ts.alice, "", map[string]string{"a.txt": "a", "b.txt": "b"})
	for _, f := range files {
		rec := ts.do(t, http.MethodDelete, "/api/files/"+f.ID, ts.alice, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodDelete, "/api/trash", ts.alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res drive.EmptyTrashResult
	decode(t, rec, &res)
	assert.Equal(t, 2, res.DeletedCount)
	assert.Equal(t, 2, res.PhysicalFilesDeleted)
}

func TestShareEndpointsAreRateLimited(t *testing.T) {
	ts := newTestServer(t, ratelimit.New(1, 1))

	rec := ts.do(t, http.MethodGet, "/api/share/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/share/missing", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Authenticated routes are not throttled.
	rec = ts.do(t, http.MethodGet, "/api/files", ts.alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?token="+ts.alice, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Bob's changes are not delivered to alice.
	rec := ts.do(t, http.MethodPost, "/api/files", ts.bob, protocol.CreateFolderRequest{Name: "Bobs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/files", ts.alice, protocol.CreateFolderRequest{Name: "Docs"})
	require.Equal(t, http.StatusCreated, rec.Code)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: created", lines[0])
	assert.Contains(t, lines[1], `"name":"Docs"`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind drive.Kind
		want int
	}{
		{drive.KindUnauthenticated, http.StatusUnauthorized},
		{drive.KindForbidden, http.StatusForbidden},
		{drive.KindNotFound, http.StatusNotFound},
		{drive.KindConflict, http.StatusConflict},
		{drive.KindInvalidInput, http.StatusBadRequest},
		{drive.KindInvalidPath, http.StatusBadRequest},
		{drive.KindUpstreamUnavailable, http.StatusBadGateway},
		{drive.KindExpired, http.StatusGone},
		{drive.KindPasswordRequired, http.StatusUnauthorized},
		{drive.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, `attachment; filename="report.pdf"`, contentDisposition("report.pdf"))
	assert.Equal(t, `attachment; filename="say \"hi\".txt"`, contentDisposition(`say "hi".txt`))
	assert.Equal(t, `attachment; filename="été.txt"; filename*=UTF-8''%C3%A9t%C3%A9.txt`, contentDisposition("été.txt"))
}
