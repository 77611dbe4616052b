// Package drive implements the file hierarchy, trash, sharing and content
// operations of the cloud drive on top of a record store and a byte store.
//
// Concurrent mutations of the same entry are last-write-wins: every store
// write is atomic per record, but multi-record operations (cascading trash,
// subtree path rewrites, trash emptying) run sequentially without a
// surrounding transaction and can interleave with other requests. Each step
// is safe to repeat, so an interrupted operation can be retried.
package drive

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/sharing"
	"github.com/fruitsalade/clouddrive/internal/storage"
)

// MaxNameLength bounds entry names in bytes.
const MaxNameLength = 255

// Options wires a Service.
type Options struct {
	Store   metadata.Store
	Storage storage.Backend
	Events  *events.Broadcaster

	// PublicURL prefixes share URLs, e.g. https://drive.example.com.
	PublicURL string
	// MaxUploadSize rejects larger files; 0 disables the check.
	MaxUploadSize int64
	// UsageLimit is the quota shown next to usage. Never enforced.
	UsageLimit int64

	Now   func() time.Time
	NewID func() string
}

// Service is the drive core. It is safe for concurrent use.
type Service struct {
	store     metadata.Store
	storage   storage.Backend
	events    *events.Broadcaster
	gate      *sharing.Gate
	publicURL string
	maxUpload int64
	quota     int64
	clock     func() time.Time
	newID     func() string
}

// New creates a Service.
func New(opts Options) *Service {
	clock := opts.Now
	if clock == nil {
		clock = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	s := &Service{
		store:     opts.Store,
		storage:   opts.Storage,
		events:    opts.Events,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		maxUpload: opts.MaxUploadSize,
		quota:     opts.UsageLimit,
		clock:     clock,
		newID:     newID,
	}
	s.gate = sharing.NewGate(s.now)
	return s
}

// now returns the clock in UTC at microsecond precision so timestamps
// survive a round trip through any record store unchanged.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *Service) publish(typ string, e *metadata.Entry) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Type:      typ,
		EntryID:   e.ID,
		OwnerID:   e.OwnerID,
		ParentID:  e.ParentID,
		Name:      e.Name,
		Timestamp: s.now().Unix(),
	})
}

func requireUser(op, userID string) error {
	if userID == "" {
		return newError(KindUnauthenticated, op, "authentication required")
	}
	return nil
}

func validateName(op, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return newError(KindInvalidInput, op, "name is required")
	case len(name) > MaxNameLength:
		return newError(KindInvalidInput, op, "name is too long")
	case name == "." || name == "..":
		return newError(KindInvalidInput, op, "invalid name")
	case strings.ContainsAny(name, "/\\\x00"):
		return newError(KindInvalidInput, op, "name must not contain path separators")
	case !utf8.ValidString(name):
		return newError(KindInvalidInput, op, "name must be valid UTF-8")
	}
	return nil
}

func childPath(parentPath, name string) string {
	return parentPath + "/" + name
}

// findActive loads a non-deleted entry by id.
func (s *Service) findActive(ctx context.Context, op, id string) (*metadata.Entry, error) {
	if id == "" {
		return nil, newError(KindInvalidInput, op, "id is required")
	}
	e, err := s.store.FindOne(ctx, metadata.Query{ID: id, IsDeleted: metadata.Ptr(false)})
	if err != nil {
		return nil, wrap(op, err)
	}
	return e, nil
}

// denied picks the failure for an actor that fails a check: entries the
// actor cannot even read are reported as missing.
func (s *Service) denied(op string, a sharing.Actor, e *metadata.Entry) error {
	if s.gate.CanRead(a, e) {
		return newError(KindForbidden, op, "insufficient permissions")
	}
	return newError(KindNotFound, op, "not found")
}

// writable loads an active entry the requester may modify.
func (s *Service) writable(ctx context.Context, op, id, requester string) (*metadata.Entry, error) {
	if err := requireUser(op, requester); err != nil {
		return nil, err
	}
	e, err := s.findActive(ctx, op, id)
	if err != nil {
		return nil, err
	}
	actor := sharing.Actor{UserID: requester}
	if !s.gate.CanWrite(actor, e) {
		return nil, s.denied(op, actor, e)
	}
	return e, nil
}

// trashed loads a soft-deleted entry owned by requester.
func (s *Service) trashed(ctx context.Context, op, id, requester string) (*metadata.Entry, error) {
	if err := requireUser(op, requester); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, newError(KindInvalidInput, op, "id is required")
	}
	e, err := s.store.FindOne(ctx, metadata.Query{ID: id, OwnerID: requester, IsDeleted: metadata.Ptr(true)})
	if err != nil {
		return nil, wrap(op, err)
	}
	if !s.gate.CanWrite(sharing.Actor{UserID: requester}, e) {
		return nil, newError(KindNotFound, op, "not found")
	}
	return e, nil
}

// parentPath validates parentID as a destination folder for owner and
// returns its path. Root is "".
func (s *Service) parentPath(ctx context.Context, op, owner, parentID string) (string, error) {
	if parentID == "" {
		return "", nil
	}
	parent, err := s.store.FindOne(ctx, metadata.Query{ID: parentID, OwnerID: owner, IsDeleted: metadata.Ptr(false)})
	if errors.Is(err, metadata.ErrNotFound) {
		return "", newError(KindNotFound, op, "parent folder not found")
	}
	if err != nil {
		return "", wrap(op, err)
	}
	if !parent.IsFolder {
		return "", newError(KindInvalidInput, op, "parent is not a folder")
	}
	return parent.Path, nil
}

// nameTaken reports whether an active sibling other than exceptID uses name.
func (s *Service) nameTaken(ctx context.Context, owner, parentID, name, exceptID string) (bool, error) {
	found, err := s.store.Find(ctx, metadata.Query{
		OwnerID:   owner,
		ParentID:  metadata.Ptr(parentID),
		Name:      name,
		IsDeleted: metadata.Ptr(false),
	}, metadata.FindOptions{})
	if err != nil {
		return false, err
	}
	for _, e := range found {
		if e.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

// subtree returns every descendant of root matching q (ParentID is set per
// level), in breadth-first order.
func (s *Service) subtree(ctx context.Context, root *metadata.Entry, q metadata.Query) ([]*metadata.Entry, error) {
	var out []*metadata.Entry
	queue := []string{root.ID}
	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		lq := q
		lq.OwnerID = root.OwnerID
		lq.ParentID = metadata.Ptr(parentID)
		children, err := s.store.Find(ctx, lq, metadata.FindOptions{})
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out = append(out, c)
			if c.IsFolder {
				queue = append(queue, c.ID)
			}
		}
	}
	return out, nil
}

// rewritePaths recomputes Path for every descendant of folder from its
// parent chain.
func (s *Service) rewritePaths(ctx context.Context, folder *metadata.Entry) error {
	if !folder.IsFolder {
		return nil
	}
	paths := map[string]string{folder.ID: folder.Path}
	descendants, err := s.subtree(ctx, folder, metadata.Query{})
	if err != nil {
		return err
	}
	for _, d := range descendants {
		want := childPath(paths[d.ParentID], d.Name)
		paths[d.ID] = want
		if d.Path == want {
			continue
		}
		if _, err := s.store.UpdateByID(ctx, d.ID, func(e *metadata.Entry) error {
			e.Path = want
			return nil
		}); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return err
		}
	}
	logging.Debug("descendant paths rewritten", logging.EntryID(folder.ID), logging.Int("count", len(descendants)))
	return nil
}
