package drive

import (
	"bufio"
	"context"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/sharing"
	"github.com/fruitsalade/clouddrive/internal/storage"
)

const (
	genericContentType = "application/octet-stream"
	sniffLen           = 3072
)

// extTypes covers common document types the platform mime tables often lack.
var extTypes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".zip":  "application/zip",
}

// Content is an open file ready to be streamed. The caller must close Body.
type Content struct {
	Name        string
	ContentType string
	// Size is -1 when the backend did not report a length.
	Size    int64
	ModTime time.Time
	// Source is "local" for bytes on a backend root and "remote" for
	// absolute URLs.
	Source string
	Body   io.ReadCloser
}

// Download opens a file for its owner or a collaborator.
func (s *Service) Download(ctx context.Context, id, requester string) (*Content, error) {
	const op = "download"
	if err := requireUser(op, requester); err != nil {
		return nil, err
	}
	e, err := s.findActive(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !s.gate.CanRead(sharing.Actor{UserID: requester}, e) {
		return nil, newError(KindNotFound, op, "not found")
	}
	if e.IsFolder {
		return nil, newError(KindInvalidInput, op, "folders cannot be downloaded")
	}
	return s.open(ctx, op, e)
}

func (s *Service) open(ctx context.Context, op string, e *metadata.Entry) (*Content, error) {
	if e.StorageLocation == "" {
		return nil, newError(KindNotFound, op, "file has no stored content")
	}
	remote := storage.IsURL(e.StorageLocation)

	body, obj, err := s.storage.Open(ctx, e.StorageLocation)
	if err != nil {
		logging.Warn("open stored content failed",
			logging.EntryID(e.ID),
			logging.String("location", e.StorageLocation),
			logging.Err(err))
		return nil, wrap(op, err)
	}
	if !remote && obj.Size == 0 {
		body.Close()
		return nil, newError(KindNotFound, op, "stored file is empty or missing")
	}

	c := &Content{
		Name:    e.Name,
		Size:    obj.Size,
		ModTime: obj.ModTime,
		Source:  "local",
		Body:    body,
	}
	if remote {
		c.Source = "remote"
	}
	if c.Size < 0 {
		c.Size = -1
	}
	if c.ModTime.IsZero() {
		c.ModTime = e.UpdatedAt
	}

	c.ContentType = contentType(e.ContentType, e.Name, obj.ContentType)
	if c.ContentType == "" {
		c.ContentType, c.Body = sniff(body)
	}
	return c, nil
}

// contentType picks the first specific type from the stored value, the
// file extension and the backend's report. Empty means sniffing is needed.
func contentType(stored, name, reported string) string {
	for _, ct := range []string{stored, typeByExtension(name), reported} {
		if ct != "" && !isGeneric(ct) {
			return ct
		}
	}
	return ""
}

func typeByExtension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := extTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

func isGeneric(ct string) bool {
	base, _, _ := strings.Cut(ct, ";")
	base = strings.TrimSpace(base)
	return base == genericContentType || base == "binary/octet-stream"
}

// sniff detects the content type from the first bytes of body and returns
// a reader that still yields them.
func sniff(body io.ReadCloser) (string, io.ReadCloser) {
	ct, r := sniffReader(body)
	return ct, struct {
		io.Reader
		io.Closer
	}{r, body}
}

func sniffReader(r io.Reader) (string, io.Reader) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, _ := br.Peek(sniffLen)
	return mimetype.Detect(head).String(), br
}
