package drive

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/fruitsalade/clouddrive/internal/events"
	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metrics"
	"github.com/fruitsalade/clouddrive/internal/sharing"
)

// tokenAttempts bounds retries when a fresh token collides with an
// existing one.
const tokenAttempts = 3

// LinkInfo is returned to the owner after creating a link.
type LinkInfo struct {
	ShareURL    string              `json:"shareUrl"`
	Token       string              `json:"token"`
	Permission  metadata.Permission `json:"permission"`
	ExpiresAt   *time.Time          `json:"expiresAt,omitempty"`
	HasPassword bool                `json:"hasPassword"`
}

// PublicView is what an anonymous link holder sees. It never carries the
// owner, the collaborators or the password hash.
type PublicView struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Type       string              `json:"type"`
	Size       int64               `json:"size"`
	URL        string              `json:"url,omitempty"`
	IsFolder   bool                `json:"isFolder"`
	Permission metadata.Permission `json:"permission"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	Children   []PublicView        `json:"children,omitempty"`
}

// manageable loads an active entry whose sharing the requester controls.
func (s *Service) manageable(ctx context.Context, op, id, requester string) (*metadata.Entry, error) {
	if err := requireUser(op, requester); err != nil {
		return nil, err
	}
	e, err := s.findActive(ctx, op, id)
	if err != nil {
		return nil, err
	}
	actor := sharing.Actor{UserID: requester}
	if !s.gate.CanManageSharing(actor, e) {
		return nil, s.denied(op, actor, e)
	}
	return e, nil
}

// CreateLink attaches a new public link to an entry, replacing any
// previous one.
func (s *Service) CreateLink(ctx context.Context, id, requester string, opts sharing.LinkOptions) (*LinkInfo, error) {
	const op = "create link"
	e, err := s.manageable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}
	if opts.Permission != "" && !opts.Permission.Valid() {
		return nil, newError(KindInvalidInput, op, "permission must be view or edit")
	}

	var updated *metadata.Entry
	for attempt := 1; ; attempt++ {
		link, err := sharing.NewLink(opts, s.now())
		if err != nil {
			return nil, wrap(op, err)
		}
		updated, err = s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
			cur.SharedLink = link
			cur.UpdatedAt = link.CreatedAt
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, metadata.ErrConflict) || attempt == tokenAttempts {
			return nil, wrap(op, err)
		}
	}

	link := updated.SharedLink
	logging.Info("share link created",
		logging.EntryID(e.ID),
		logging.UserID(requester),
		logging.String("permission", string(link.Permission)),
		logging.Bool("password", link.PasswordHash != ""))
	s.publish(events.EventShared, updated)

	return &LinkInfo{
		ShareURL:    s.publicURL + "/share/" + link.Token,
		Token:       link.Token,
		Permission:  link.Permission,
		ExpiresAt:   link.ExpiresAt,
		HasPassword: link.PasswordHash != "",
	}, nil
}

// RevokeLink removes the public link of an entry. Revoking an entry with
// no link is a no-op.
func (s *Service) RevokeLink(ctx context.Context, id, requester string) error {
	const op = "revoke link"
	e, err := s.manageable(ctx, op, id, requester)
	if err != nil {
		return err
	}
	if e.SharedLink == nil {
		return nil
	}
	updated, err := s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
		cur.SharedLink = nil
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return wrap(op, err)
	}
	logging.Info("share link revoked", logging.EntryID(e.ID), logging.UserID(requester))
	s.publish(events.EventUnshared, updated)
	return nil
}

// ResolveLink checks a link presentation and returns the public view of
// its entry. Folder views include their active children.
func (s *Service) ResolveLink(ctx context.Context, token, password string) (*PublicView, error) {
	const op = "resolve link"
	e, err := s.linked(ctx, op, token, password)
	if err != nil {
		return nil, err
	}

	view := s.publicView(e, e, token)
	if e.IsFolder {
		children, err := s.store.Find(ctx, metadata.Query{
			OwnerID:   e.OwnerID,
			ParentID:  metadata.Ptr(e.ID),
			IsDeleted: metadata.Ptr(false),
		}, metadata.FindOptions{Sort: metadata.SortFoldersFirst})
		if err != nil {
			return nil, wrap(op, err)
		}
		view.Children = make([]PublicView, 0, len(children))
		for _, c := range children {
			view.Children = append(view.Children, s.publicView(e, c, token))
		}
	}
	return &view, nil
}

// OpenLink streams the bytes behind a link. The link checks are repeated
// here so a link revoked or expired after resolution cannot be used.
// childID selects a direct child file of a shared folder; empty means the
// linked entry itself.
func (s *Service) OpenLink(ctx context.Context, token, password, childID string) (*Content, error) {
	const op = "open link"
	e, err := s.linked(ctx, op, token, password)
	if err != nil {
		return nil, err
	}

	target := e
	if childID != "" && childID != e.ID {
		if !e.IsFolder {
			return nil, newError(KindNotFound, op, "not found")
		}
		target, err = s.store.FindOne(ctx, metadata.Query{
			ID:        childID,
			OwnerID:   e.OwnerID,
			ParentID:  metadata.Ptr(e.ID),
			IsDeleted: metadata.Ptr(false),
		})
		if err != nil {
			return nil, wrap(op, err)
		}
	}
	if target.IsFolder {
		return nil, newError(KindInvalidInput, op, "folders cannot be downloaded")
	}

	content, err := s.open(ctx, op, target)
	if err != nil {
		return nil, err
	}
	metrics.RecordShareDownload()
	return content, nil
}

// linked finds the active entry behind token and checks the presentation.
// CheckLink classifies a refusal; the gate makes the access decision.
func (s *Service) linked(ctx context.Context, op, token, password string) (*metadata.Entry, error) {
	if token == "" {
		metrics.RecordShareResolution("not_found")
		return nil, newError(KindNotFound, op, "share link not found")
	}
	e, err := s.store.FindOne(ctx, metadata.Query{LinkToken: token, IsDeleted: metadata.Ptr(false)})
	if errors.Is(err, metadata.ErrNotFound) {
		metrics.RecordShareResolution("not_found")
		return nil, newError(KindNotFound, op, "share link not found")
	}
	if err != nil {
		return nil, wrap(op, err)
	}

	if err := sharing.CheckLink(e.SharedLink, password, s.now()); err != nil {
		switch {
		case errors.Is(err, sharing.ErrExpired):
			metrics.RecordShareResolution("expired")
		case errors.Is(err, sharing.ErrPasswordRequired):
			metrics.RecordShareResolution("password_required")
		default:
			metrics.RecordShareResolution("invalid_password")
		}
		return nil, wrap(op, err)
	}
	if !s.gate.CanRead(sharing.Actor{LinkToken: token, LinkPassword: password}, e) {
		metrics.RecordShareResolution("not_found")
		return nil, newError(KindNotFound, op, "share link not found")
	}
	metrics.RecordShareResolution("ok")
	return e, nil
}

func (s *Service) publicView(root, e *metadata.Entry, token string) PublicView {
	v := PublicView{
		ID:         e.ID,
		Name:       e.Name,
		Type:       e.ContentType,
		Size:       e.Size,
		IsFolder:   e.IsFolder,
		Permission: root.SharedLink.Permission,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
	if !e.IsFolder {
		v.URL = s.publicURL + "/api/share/" + url.PathEscape(token) + "/download"
		if e.ID != root.ID {
			v.URL += "?entryId=" + url.QueryEscape(e.ID)
		}
	}
	return v
}

// ShareWith grants userID access to an entry, replacing an existing grant.
func (s *Service) ShareWith(ctx context.Context, id, requester, userID string, perm metadata.Permission) (*metadata.Entry, error) {
	const op = "share"
	e, err := s.manageable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, newError(KindInvalidInput, op, "user id is required")
	}
	if userID == e.OwnerID {
		return nil, newError(KindInvalidInput, op, "cannot share with the owner")
	}
	if perm == "" {
		perm = metadata.PermissionView
	}
	if !perm.Valid() {
		return nil, newError(KindInvalidInput, op, "permission must be view or edit")
	}

	updated, err := s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
		grants := make([]metadata.Grant, 0, len(cur.SharedWith)+1)
		for _, g := range cur.SharedWith {
			if g.UserID != userID {
				grants = append(grants, g)
			}
		}
		cur.SharedWith = append(grants, metadata.Grant{UserID: userID, Permission: perm})
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	logging.Info("entry shared",
		logging.EntryID(e.ID),
		logging.UserID(requester),
		logging.String("collaborator", userID),
		logging.String("permission", string(perm)))
	s.publish(events.EventShared, updated)
	return updated, nil
}

// Unshare removes userID's grant. Removing an absent grant is a no-op.
func (s *Service) Unshare(ctx context.Context, id, requester, userID string) (*metadata.Entry, error) {
	const op = "unshare"
	e, err := s.manageable(ctx, op, id, requester)
	if err != nil {
		return nil, err
	}
	if _, ok := e.GrantFor(userID); !ok {
		return e, nil
	}
	updated, err := s.store.UpdateByID(ctx, e.ID, func(cur *metadata.Entry) error {
		grants := cur.SharedWith[:0]
		for _, g := range cur.SharedWith {
			if g.UserID != userID {
				grants = append(grants, g)
			}
		}
		cur.SharedWith = grants
		cur.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	logging.Info("entry unshared", logging.EntryID(e.ID), logging.String("collaborator", userID))
	s.publish(events.EventUnshared, updated)
	return updated, nil
}
