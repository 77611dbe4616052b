// Package metadata defines drive entry records and the record store contract.
package metadata

import (
	"slices"
	"time"
)

// Permission is the access level granted to a collaborator or a share link.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

// Grant gives one user explicit access to an entry.
type Grant struct {
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
}

// ShareLink is the single public link attached to an entry.
type ShareLink struct {
	Token        string     `json:"token"`
	Permission   Permission `json:"permission"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	PasswordHash string     `json:"passwordHash,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Entry is a file or folder record.
type Entry struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	IsFolder        bool       `json:"isFolder"`
	Path            string     `json:"path"`
	ParentID        string     `json:"parentId"`
	OwnerID         string     `json:"ownerId"`
	Size            int64      `json:"size"`
	ContentType     string     `json:"contentType"`
	StorageLocation string     `json:"storageLocation"`
	Starred         bool       `json:"starred"`
	IsDeleted       bool       `json:"isDeleted"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
	// TrashedWith is the id of the folder whose deletion cascaded onto this
	// entry. Empty for active entries and entries deleted directly.
	TrashedWith string     `json:"trashedWith,omitempty"`
	SharedWith  []Grant    `json:"sharedWith"`
	SharedLink  *ShareLink `json:"sharedLink,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so stores never hand out shared state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	c.SharedWith = slices.Clone(e.SharedWith)
	if e.SharedLink != nil {
		l := *e.SharedLink
		if l.ExpiresAt != nil {
			t := *l.ExpiresAt
			l.ExpiresAt = &t
		}
		c.SharedLink = &l
	}
	return &c
}

// GrantFor returns the collaborator grant for userID, if any.
func (e *Entry) GrantFor(userID string) (Grant, bool) {
	for _, g := range e.SharedWith {
		if g.UserID == userID {
			return g, true
		}
	}
	return Grant{}, false
}

// Usage is the per-owner storage summary shown in the sidebar.
type Usage struct {
	UsedBytes int64 `json:"usedBytes"`
	FileCount int64 `json:"fileCount"`
}
