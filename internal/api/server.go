// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/clouddrive/internal/auth"
	"github.com/fruitsalade/clouddrive/internal/drive"
	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metrics"
	"github.com/fruitsalade/clouddrive/internal/ratelimit"
	"github.com/fruitsalade/clouddrive/internal/sharing"
	"github.com/fruitsalade/clouddrive/internal/storage/backends"
	"github.com/fruitsalade/clouddrive/pkg/protocol"
)

const (
	// maxJSONBody caps request bodies of the JSON endpoints.
	maxJSONBody = 1 << 20
	// multipartMemory is kept in memory per upload; the rest spills to disk.
	multipartMemory = 32 << 20
	// maxUploadFiles bounds the files of one upload request.
	maxUploadFiles = 50
)

// Server is the HTTP server.
type Server struct {
	drive         *drive.Service
	auth          *auth.Auth
	shareLimiter  *ratelimit.Limiter
	broadcaster   *events.Broadcaster
	capability    backends.Capability
	maxUploadSize int64
}

// NewServer creates a new server. shareLimiter may be nil to leave the
// public share endpoints unthrottled.
func NewServer(
	drv *drive.Service,
	authHandler *auth.Auth,
	shareLimiter *ratelimit.Limiter,
	broadcaster *events.Broadcaster,
	capability backends.Capability,
	maxUploadSize int64,
) *Server {
	return &Server{
		drive:         drv,
		auth:          authHandler,
		shareLimiter:  shareLimiter,
		broadcaster:   broadcaster,
		capability:    capability,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Public share link endpoints (rate limited)
	mux.Handle("GET /api/share/{token}", s.public(s.handleShareInfo))
	mux.Handle("POST /api/share/{token}", s.public(s.handleShareInfo))
	mux.Handle("GET /api/share/{token}/download", s.public(s.handleShareDownload))
	mux.Handle("POST /api/share/{token}/download", s.public(s.handleShareDownload))

	// Files
	mux.Handle("GET /api/files", s.authed(s.handleList))
	mux.Handle("POST /api/files", s.authed(s.handleCreateFolder))
	mux.Handle("GET /api/files/sync-check", s.authed(s.handleSyncCheck))
	mux.Handle("GET /api/files/{id}", s.authed(s.handleGetEntry))
	mux.Handle("PUT /api/files/{id}", s.authed(s.handleUpdate))
	mux.Handle("DELETE /api/files/{id}", s.authed(s.handleDelete))

	// Trash
	mux.Handle("POST /api/files/{id}/restore", s.authed(s.handleRestore))
	mux.Handle("DELETE /api/files/{id}/permanent", s.authed(s.handlePurge))
	mux.Handle("DELETE /api/trash", s.authed(s.handleEmptyTrash))

	// Sharing
	mux.Handle("POST /api/files/{id}/share", s.authed(s.handleCreateLink))
	mux.Handle("DELETE /api/files/{id}/share", s.authed(s.handleRevokeLink))
	mux.Handle("PUT /api/files/{id}/collaborators", s.authed(s.handleShareWith))
	mux.Handle("DELETE /api/files/{id}/collaborators/{userId}", s.authed(s.handleUnshare))

	// Content
	mux.Handle("GET /api/download/{id}", s.authed(s.handleDownload))
	mux.Handle("POST /api/upload", s.authed(s.handleUpload))

	mux.Handle("GET /api/usage", s.authed(s.handleUsage))
	mux.Handle("GET /api/events", s.authed(s.handleEvents))

	// The mux records the matched pattern on the request it is given, so
	// metrics must sit directly in front of it.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(h)
}

func (s *Server) public(h http.HandlerFunc) http.Handler {
	if s.shareLimiter == nil {
		return h
	}
	return s.shareLimiter.Middleware(h)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:         "ok",
		StorageBackend: s.capability.Upload,
		Uploads:        s.capability.Upload != "",
		UploadsReason:  s.capability.Reason,
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.broadcaster.Subscribe(auth.UserID(r.Context()))
	defer s.broadcaster.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listing, err := drive.ParseListing(q.Get("type"), q.Get("parentId"))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	entries, err := s.drive.List(r.Context(), auth.UserID(r.Context()), listing)
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ListResponse[protocol.FileEntry]{Files: toFileEntries(entries)})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateFolderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	e, err := s.drive.CreateFolder(r.Context(), auth.UserID(r.Context()), req.Name, req.ParentID)
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, toFileEntry(e))
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.drive.Get(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, toFileEntry(e))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req protocol.UpdateEntryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	e, err := s.drive.Update(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), drive.UpdateFields{
		Name:     req.Name,
		Starred:  req.Starred,
		ParentID: req.ParentID,
	})
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, toFileEntry(e))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	e, err := s.drive.SoftDelete(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.EntryMessageResponse[protocol.FileEntry]{
		Message: "moved to trash",
		File:    toFileEntry(e),
	})
}

func (s *Server) handleSyncCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.drive.VerifySync(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.drive.Usage(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, usage)
}

// ─── Trash ──────────────────────────────────────────────────────────────────

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	e, err := s.drive.Restore(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.EntryMessageResponse[protocol.FileEntry]{
		Message: "restored",
		File:    toFileEntry(e),
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	res, err := s.drive.Purge(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	res, err := s.drive.EmptyTrash(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// ─── Sharing ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateLinkRequest
	if !s.decodeOptionalJSON(w, r, &req) {
		return
	}
	link, err := s.drive.CreateLink(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), sharing.LinkOptions{
		Permission: metadata.Permission(req.Permission),
		ExpiresAt:  req.ExpiresAt,
		ExpiresIn:  req.ExpiresIn,
		Password:   req.Password,
	})
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, link)
}

func (s *Server) handleRevokeLink(w http.ResponseWriter, r *http.Request) {
	if err := s.drive.RevokeLink(r.Context(), r.PathValue("id"), auth.UserID(r.Context())); err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.MessageResponse{Message: "share link revoked"})
}

func (s *Server) handleShareWith(w http.ResponseWriter, r *http.Request) {
	var req protocol.CollaboratorRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	e, err := s.drive.ShareWith(r.Context(), r.PathValue("id"), auth.UserID(r.Context()),
		req.UserID, metadata.Permission(req.Permission))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, toFileEntry(e))
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	e, err := s.drive.Unshare(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), r.PathValue("userId"))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, toFileEntry(e))
}

func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	password, ok := s.sharePassword(w, r)
	if !ok {
		return
	}
	view, err := s.drive.ResolveLink(r.Context(), r.PathValue("token"), password)
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, view)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	password, ok := s.sharePassword(w, r)
	if !ok {
		return
	}
	token := r.PathValue("token")
	content, err := s.drive.OpenLink(r.Context(), token, password, r.URL.Query().Get("entryId"))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendContent(w, r, content)
}

// sharePassword reads a link password from the query string or, for POST,
// from an optional JSON body.
func (s *Server) sharePassword(w http.ResponseWriter, r *http.Request) (string, bool) {
	password := r.URL.Query().Get("password")
	if r.Method != http.MethodPost {
		return password, true
	}
	var req protocol.SharePasswordRequest
	if !s.decodeOptionalJSON(w, r, &req) {
		return "", false
	}
	if req.Password != "" {
		password = req.Password
	}
	return password, true
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	content, err := s.drive.Download(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendContent(w, r, content)
}

func (s *Server) sendContent(w http.ResponseWriter, r *http.Request, content *drive.Content) {
	defer content.Body.Close()

	ct := content.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", contentDisposition(content.Name))
	if content.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	}
	if !content.ModTime.IsZero() {
		w.Header().Set("Last-Modified", content.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, content.Body)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error",
			zap.String("name", content.Name), zap.Error(err))
	}
	metrics.RecordContentDownload(content.Source, n, err == nil)
}

// contentDisposition builds an attachment header. Quotes and backslashes
// are escaped; non-ASCII names also get an RFC 5987 filename*.
func contentDisposition(name string) string {
	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "").Replace(name)
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, quoted, encodeRFC5987(name))
		}
	}
	return fmt.Sprintf(`attachment; filename="%s"`, quoted)
}

func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			strings.IndexByte("!#$&+-.^_`|~", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// ─── Upload ─────────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.capability.Upload == "" {
		s.sendError(w, http.StatusServiceUnavailable, "uploads are disabled")
		return
	}
	if s.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize*maxUploadFiles+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files")
		return
	}
	if len(headers) > maxUploadFiles {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", maxUploadFiles))
		return
	}

	req := drive.UploadRequest{
		OwnerID:  auth.UserID(r.Context()),
		ParentID: r.FormValue("parentId"),
		Path:     r.FormValue("path"),
	}
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "unreadable file part")
			return
		}
		defer f.Close()
		req.Files = append(req.Files, drive.UploadFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		})
	}

	entries, err := s.drive.Upload(r.Context(), req)
	if err != nil {
		s.sendDriveError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, protocol.UploadResponse[protocol.FileEntry]{
		Message: fmt.Sprintf("uploaded %d file(s)", len(entries)),
		Files:   toFileEntries(entries),
	})
}

// ─── Views ──────────────────────────────────────────────────────────────────

func toFileEntry(e *metadata.Entry) protocol.FileEntry {
	typ := e.ContentType
	if e.IsFolder {
		typ = "folder"
	}
	fe := protocol.FileEntry{
		ID:          e.ID,
		Name:        e.Name,
		Type:        typ,
		IsFolder:    e.IsFolder,
		Path:        e.Path,
		ParentID:    e.ParentID,
		OwnerID:     e.OwnerID,
		Size:        e.Size,
		ContentType: e.ContentType,
		Starred:     e.Starred,
		IsDeleted:   e.IsDeleted,
		DeletedAt:   e.DeletedAt,
		SharedWith:  make([]protocol.Collaborator, 0, len(e.SharedWith)),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	for _, g := range e.SharedWith {
		fe.SharedWith = append(fe.SharedWith, protocol.Collaborator{UserID: g.UserID, Permission: string(g.Permission)})
	}
	if l := e.SharedLink; l != nil {
		fe.SharedLink = &protocol.LinkSummary{
			Token:       l.Token,
			Permission:  string(l.Permission),
			ExpiresAt:   l.ExpiresAt,
			HasPassword: l.PasswordHash != "",
		}
	}
	return fe
}

func toFileEntries(entries []*metadata.Entry) []protocol.FileEntry {
	out := make([]protocol.FileEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toFileEntry(e))
	}
	return out
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func (s *Server) decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{Error: message, Code: code})
}

// sendDriveError maps a drive failure to its status code. Internal
// failures are logged and reported without detail.
func (s *Server) sendDriveError(w http.ResponseWriter, r *http.Request, err error) {
	kind := drive.KindOf(err)
	code := statusFor(kind)
	if kind == drive.KindInternal || kind == drive.KindUpstreamUnavailable {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error:            drive.Message(err),
		Code:             code,
		RequiresPassword: kind == drive.KindPasswordRequired,
	})
}

func statusFor(kind drive.Kind) int {
	switch kind {
	case drive.KindUnauthenticated, drive.KindPasswordRequired:
		return http.StatusUnauthorized
	case drive.KindForbidden:
		return http.StatusForbidden
	case drive.KindNotFound:
		return http.StatusNotFound
	case drive.KindConflict:
		return http.StatusConflict
	case drive.KindInvalidInput, drive.KindInvalidPath:
		return http.StatusBadRequest
	case drive.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case drive.KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
