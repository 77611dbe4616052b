package metadata

import (
	"cmp"
	"slices"
	"strings"
)

// Query selects entries by equality on indexed fields. Zero values mean
// "any"; pointer fields distinguish "any" from an explicit false or root.
type Query struct {
	ID             string
	OwnerID        string
	ParentID       *string // nil = any parent, "" = root
	Name           string
	IsDeleted      *bool
	Starred        *bool
	IsFolder       *bool
	SharedWithUser string
	LinkToken      string
	TrashedWith    string
}

// SortOrder is the closed set of orderings a Find call can request.
type SortOrder int

const (
	SortNone SortOrder = iota
	// SortFoldersFirst orders folders before files, then by name.
	SortFoldersFirst
	// SortUpdatedDesc orders by UpdatedAt, newest first.
	SortUpdatedDesc
	// SortDeletedDesc orders by DeletedAt, newest first.
	SortDeletedDesc
	// SortName orders by name only.
	SortName
)

// FindOptions controls ordering and truncation of Find results.
type FindOptions struct {
	Sort  SortOrder
	Limit int // 0 = no limit
}

// Ptr is a helper for building queries with pointer predicates.
func Ptr[T any](v T) *T { return &v }

// Matches reports whether e satisfies every predicate in q. Stores that
// cannot push predicates down use it to filter in process.
func (q Query) Matches(e *Entry) bool {
	if q.ID != "" && e.ID != q.ID {
		return false
	}
	if q.OwnerID != "" && e.OwnerID != q.OwnerID {
		return false
	}
	if q.ParentID != nil && e.ParentID != *q.ParentID {
		return false
	}
	if q.Name != "" && e.Name != q.Name {
		return false
	}
	if q.IsDeleted != nil && e.IsDeleted != *q.IsDeleted {
		return false
	}
	if q.Starred != nil && e.Starred != *q.Starred {
		return false
	}
	if q.IsFolder != nil && e.IsFolder != *q.IsFolder {
		return false
	}
	if q.SharedWithUser != "" {
		if _, ok := e.GrantFor(q.SharedWithUser); !ok {
			return false
		}
	}
	if q.LinkToken != "" && (e.SharedLink == nil || e.SharedLink.Token != q.LinkToken) {
		return false
	}
	if q.TrashedWith != "" && e.TrashedWith != q.TrashedWith {
		return false
	}
	return true
}

// Apply sorts and truncates entries in place according to opts.
func (opts FindOptions) Apply(entries []*Entry) []*Entry {
	switch opts.Sort {
	case SortFoldersFirst:
		slices.SortStableFunc(entries, func(a, b *Entry) int {
			if a.IsFolder != b.IsFolder {
				if a.IsFolder {
					return -1
				}
				return 1
			}
			return compareNames(a.Name, b.Name)
		})
	case SortName:
		slices.SortStableFunc(entries, func(a, b *Entry) int {
			return compareNames(a.Name, b.Name)
		})
	case SortUpdatedDesc:
		slices.SortStableFunc(entries, func(a, b *Entry) int {
			return b.UpdatedAt.Compare(a.UpdatedAt)
		})
	case SortDeletedDesc:
		slices.SortStableFunc(entries, func(a, b *Entry) int {
			switch {
			case a.DeletedAt == nil && b.DeletedAt == nil:
				return 0
			case a.DeletedAt == nil:
				return 1
			case b.DeletedAt == nil:
				return -1
			}
			return b.DeletedAt.Compare(*a.DeletedAt)
		})
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries
}

func compareNames(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}
