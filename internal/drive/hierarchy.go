package drive

import (
	"context"

	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/sharing"
)

// RecentLimit caps the recent listing.
const RecentLimit = 20

// Listing selects one of the five listing modes. The concrete types below
// are the only implementations.
type Listing interface {
	listing()
}

// Children lists the active entries of a folder (root when ParentID is empty).
type Children struct{ ParentID string }

// Recent lists the requester's most recently updated entries.
type Recent struct{}

// Starred lists the requester's starred entries.
type Starred struct{}

// Shared lists entries other users shared with the requester.
type Shared struct{}

// Trash lists what the requester deleted.
type Trash struct{}

func (Children) listing() {}
func (Recent) listing()   {}
func (Starred) listing()  {}
func (Shared) listing()   {}
func (Trash) listing()    {}

// ParseListing maps the query-string form (?type=&parentId=) to a Listing.
func ParseListing(mode, parentID string) (Listing, error) {
	switch mode {
	case "", "default", "all":
		return Children{ParentID: parentID}, nil
	case "recent":
		return Recent{}, nil
	case "starred":
		return Starred{}, nil
	case "shared":
		return Shared{}, nil
	case "trash":
		return Trash{}, nil
	default:
		return nil, newError(KindInvalidInput, "list", "unknown listing type "+mode)
	}
}

// List returns the entries visible to requester under the listing mode.
func (s *Service) List(ctx context.Context, requester string, l Listing) ([]*metadata.Entry, error) {
	const op = "list"
	if err := requireUser(op, requester); err != nil {
		return nil, err
	}

	var (
		q    metadata.Query
		opts metadata.FindOptions
	)
	switch l := l.(type) {
	case Children:
		q = metadata.Query{OwnerID: requester, ParentID: metadata.Ptr(l.ParentID), IsDeleted: metadata.Ptr(false)}
		opts = metadata.FindOptions{Sort: metadata.SortFoldersFirst}
	case Recent:
		q = metadata.Query{OwnerID: requester, IsDeleted: metadata.Ptr(false)}
		opts = metadata.FindOptions{Sort: metadata.SortUpdatedDesc, Limit: RecentLimit}
	case Starred:
		q = metadata.Query{OwnerID: requester, Starred: metadata.Ptr(true), IsDeleted: metadata.Ptr(false)}
		opts = metadata.FindOptions{Sort: metadata.SortFoldersFirst}
	case Shared:
		q = metadata.Query{SharedWithUser: requester, IsDeleted: metadata.Ptr(false)}
		opts = metadata.FindOptions{Sort: metadata.SortName}
	case Trash:
		q = metadata.Query{OwnerID: requester, IsDeleted: metadata.Ptr(true)}
		opts = metadata.FindOptions{Sort: metadata.SortDeletedDesc}
	default:
		return nil, newError(KindInvalidInput, op, "unknown listing")
	}

	entries, err := s.store.Find(ctx, q, opts)
	if err != nil {
		return nil, wrap(op, err)
	}

	if _, ok := l.(Trash); ok {
		// entries trashed along with a folder are shown through that folder
		roots := entries[:0]
		for _, e := range entries {
			if e.TrashedWith == "" {
				roots = append(roots, e)
			}
		}
		entries = roots
	}
	if entries == nil {
		entries = []*metadata.Entry{}
	}
	return entries, nil
}

// Get returns an active entry the requester may read.
func (s *Service) Get(ctx context.Context, id, requester string) (*metadata.Entry, error) {
	const op = "get"
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
	return e, nil
}

// CreateFolder creates an empty folder under parentID.
func (s *Service) CreateFolder(ctx context.Context, owner, name, parentID string) (*metadata.Entry, error) {
	const op = "create folder"
	if err := requireUser(op, owner); err != nil {
		return nil, err
	}
	if err := validateName(op, name); err != nil {
		return nil, err
	}
	parentPath, err := s.parentPath(ctx, op, owner, parentID)
	if err != nil {
		return nil, err
	}
	taken, err := s.nameTaken(ctx, owner, parentID, name, "")
	if err != nil {
		return nil, wrap(op, err)
	}
	if taken {
		return nil, newError(KindConflict, op, "a file or folder with this name already exists")
	}

	now := s.now()
	e := &metadata.Entry{
		ID:        s.newID(),
		Name:      name,
		IsFolder:  true,
		Path:      childPath(parentPath, name),
		ParentID:  parentID,
		OwnerID:   owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, wrap(op, err)
	}

	logging.Info("folder created", logging.EntryID(e.ID), logging.UserID(owner), logging.String("path", e.Path))
	s.publish(events.EventCreated, e)
	return e, nil
}

// UpdateFields is the allow-list of mutable entry fields. Nil means
// unchanged.
type UpdateFields struct {
	Name     *string `json:"name"`
	Starred  *bool   `json:"starred"`
	ParentID *string `json:"parentId"`
}

// Update applies fields to an entry the requester owns.
func (s *Service) Update(ctx context.Context, id, requester string, fields UpdateFields) (*metadata.Entry, error) {
	const op = "update"
	e, err := s.writable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}

	if fields.Name != nil || fields.ParentID != nil {
		name, parentID := e.Name, e.ParentID
		if fields.Name != nil {
			name = *fields.Name
		}
		if fields.ParentID != nil {
			parentID = *fields.ParentID
		}
		if e, err = s.relocate(ctx, op, e, name, parentID); err != nil {
			return nil, err
		}
	}
	if fields.Starred != nil {
		if e, err = s.star(ctx, op, e, *fields.Starred); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Rename changes an entry's name in place.
func (s *Service) Rename(ctx context.Context, id, requester, newName string) (*metadata.Entry, error) {
	const op = "rename"
	e, err := s.writable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}
	return s.relocate(ctx, op, e, newName, e.ParentID)
}

// Move reparents an entry; an empty newParentID moves it to root.
func (s *Service) Move(ctx context.Context, id, requester, newParentID string) (*metadata.Entry, error) {
	const op = "move"
	e, err := s.writable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}
	return s.relocate(ctx, op, e, e.Name, newParentID)
}

// SetStarred sets the star flag. Children are not affected.
func (s *Service) SetStarred(ctx context.Context, id, requester string, starred bool) (*metadata.Entry, error) {
	const op = "star"
	e, err := s.writable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}
	return s.star(ctx, op, e, starred)
}

func (s *Service) star(ctx context.Context, op string, e *metadata.Entry, starred bool) (*metadata.Entry, error) {
	updated, err := s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
		cur.Starred = starred
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	s.publish(events.EventUpdated, updated)
	return updated, nil
}

// relocate gives e a new name and parent, keeping sibling names unique,
// the parent graph acyclic and descendant paths in step.
func (s *Service) relocate(ctx context.Context, op string, e *metadata.Entry, name, parentID string) (*metadata.Entry, error) {
	if name == e.Name && parentID == e.ParentID {
		return e, nil
	}
	if err := validateName(op, name); err != nil {
		return nil, err
	}
	if parentID != e.ParentID {
		if err := s.checkAcyclic(ctx, op, e, parentID); err != nil {
			return nil, err
		}
	}
	parentPath, err := s.parentPath(ctx, op, e.OwnerID, parentID)
	if err != nil {
		return nil, err
	}
	taken, err := s.nameTaken(ctx, e.OwnerID, parentID, name, e.ID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if taken {
		return nil, newError(KindConflict, op, "a file or folder with this name already exists")
	}

	updated, err := s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
		cur.Name = name
		cur.ParentID = parentID
		cur.Path = childPath(parentPath, name)
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	if err := s.rewritePaths(ctx, updated); err != nil {
		return nil, wrap(op, err)
	}

	logging.Info("entry relocated",
		logging.EntryID(e.ID),
		logging.String("from", e.Path),
		logging.String("to", updated.Path))
	s.publish(events.EventUpdated, updated)
	return updated, nil
}

// checkAcyclic rejects moving e into itself or one of its descendants.
func (s *Service) checkAcyclic(ctx context.Context, op string, e *metadata.Entry, parentID string) error {
	for cur := parentID; cur != ""; {
		if cur == e.ID {
			return newError(KindInvalidInput, op, "cannot move a folder into itself")
		}
		p, err := s.store.FindOne(ctx, metadata.Query{ID: cur, OwnerID: e.OwnerID})
		if err != nil {
			// a missing ancestor is reported by the parent check
			return nil
		}
		cur = p.ParentID
	}
	return nil
}
