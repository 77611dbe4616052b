package drive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metrics"
)

// maxNameSuffix bounds the " (n)" suffixes tried for a colliding name.
const maxNameSuffix = 1000

var errTooLarge = errors.New("file exceeds the maximum upload size")

// UploadFile is one file of an upload.
type UploadFile struct {
	Name        string
	ContentType string
	// Size is -1 when unknown.
	Size int64
	Body io.Reader
}

// UploadRequest stores Files under ParentID. Path is what the client
// believes the folder path is; the stored path is always derived from
// ParentID.
type UploadRequest struct {
	OwnerID  string
	ParentID string
	Path     string
	Files    []UploadFile
}

// Upload stores every file and creates one entry per file. On failure the
// entries created so far are returned along with the error.
func (s *Service) Upload(ctx context.Context, req UploadRequest) ([]*metadata.Entry, error) {
	const op = "upload"
	if err := requireUser(op, req.OwnerID); err != nil {
		return nil, err
	}
	if len(req.Files) == 0 {
		return nil, newError(KindInvalidInput, op, "no files")
	}
	parentPath, err := s.parentPath(ctx, op, req.OwnerID, req.ParentID)
	if err != nil {
		return nil, err
	}
	if req.Path != "" && req.Path != "/" && req.Path != parentPath {
		logging.Debug("upload path differs from parent path",
			logging.String("client_path", req.Path),
			logging.String("path", parentPath))
	}

	created := make([]*metadata.Entry, 0, len(req.Files))
	for _, f := range req.Files {
		e, err := s.uploadOne(ctx, op, req.OwnerID, req.ParentID, parentPath, f)
		if err != nil {
			return created, err
		}
		created = append(created, e)
	}
	return created, nil
}

func (s *Service) uploadOne(ctx context.Context, op, owner, parentID, parentPath string, f UploadFile) (*metadata.Entry, error) {
	if err := validateName(op, f.Name); err != nil {
		return nil, err
	}
	if f.Body == nil {
		return nil, newError(KindInvalidInput, op, "file body is required")
	}
	if s.maxUpload > 0 && f.Size > s.maxUpload {
		metrics.RecordContentUpload(0, false)
		return nil, newError(KindInvalidInput, op, errTooLarge.Error())
	}

	name, err := s.uniqueName(ctx, owner, parentID, f.Name)
	if err != nil {
		return nil, wrap(op, err)
	}

	var body io.Reader = f.Body
	ct := contentType(f.ContentType, f.Name, "")
	if ct == "" {
		ct, body = sniffReader(body)
	}

	key, err := s.storageKey(f.Name)
	if err != nil {
		return nil, wrap(op, err)
	}
	cr := &countingReader{r: body, limit: s.maxUpload}
	loc, err := s.storage.Put(ctx, key, cr, f.Size, ct)
	if err != nil {
		metrics.RecordContentUpload(cr.n, false)
		if errors.Is(err, errTooLarge) || cr.exceeded() {
			return nil, newError(KindInvalidInput, op, errTooLarge.Error())
		}
		return nil, wrap(op, err)
	}

	now := s.now()
	e := &metadata.Entry{
		ID:              s.newID(),
		Name:            name,
		Path:            childPath(parentPath, name),
		ParentID:        parentID,
		OwnerID:         owner,
		Size:            cr.n,
		ContentType:     ct,
		StorageLocation: loc,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		if derr := s.storage.Delete(ctx, loc); derr != nil {
			logging.Warn("failed to remove orphaned upload", logging.String("location", loc), logging.Err(derr))
		}
		metrics.RecordContentUpload(cr.n, false)
		return nil, wrap(op, err)
	}
	metrics.RecordContentUpload(cr.n, true)

	logging.Info("file uploaded",
		logging.EntryID(e.ID),
		logging.UserID(owner),
		logging.String("path", e.Path),
		logging.Int64("size", e.Size),
		logging.String("location", loc))
	s.publish(events.EventCreated, e)
	return e, nil
}

// storageKey builds "<unix millis>-<8 hex>.<ext>".
func (s *Service) storageKey(name string) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random key: %w", err)
	}
	key := fmt.Sprintf("%d-%s", s.now().UnixMilli(), hex.EncodeToString(b))
	if ext := strings.ToLower(path.Ext(name)); len(ext) > 1 && !strings.ContainsAny(ext, "/\\") {
		key += ext
	}
	return key, nil
}

// uniqueName returns name, or "base (n).ext" for the smallest n that no
// active sibling uses.
func (s *Service) uniqueName(ctx context.Context, owner, parentID, name string) (string, error) {
	taken, err := s.nameTaken(ctx, owner, parentID, name, "")
	if err != nil || !taken {
		return name, err
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	for n := 1; n <= maxNameSuffix; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if len(candidate) > MaxNameLength {
			break
		}
		taken, err := s.nameTaken(ctx, owner, parentID, candidate, "")
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %q: %w", name, metadata.ErrConflict)
}

// countingReader counts bytes read and fails once more than limit bytes
// pass through. A zero limit disables the check.
type countingReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit > 0 && c.n > c.limit {
		return n, errTooLarge
	}
	return n, err
}

// exceeded reports whether the limit was crossed, whatever error the
// backend surfaced for the aborted body.
func (c *countingReader) exceeded() bool { return c.limit > 0 && c.n > c.limit }
