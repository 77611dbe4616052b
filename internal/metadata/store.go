package metadata

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("entry not found")
	// ErrConflict is returned when a write would violate a uniqueness rule
	// (duplicate id or share link token).
	ErrConflict = errors.New("entry conflict")
)

// Mutator edits a record in place inside UpdateByID.
type Mutator func(e *Entry) error

// Store persists entry records. Every method is atomic on a single record;
// keeping several records consistent is the caller's job.
type Store interface {
	Find(ctx context.Context, q Query, opts FindOptions) ([]*Entry, error)
	// FindOne returns the first match or ErrNotFound.
	FindOne(ctx context.Context, q Query) (*Entry, error)
	Create(ctx context.Context, e *Entry) error
	// UpdateByID loads the record, applies fn and saves it. If fn returns an
	// error nothing is written and that error is returned.
	UpdateByID(ctx context.Context, id string, fn Mutator) (*Entry, error)
	// DeleteByID removes the record. Deleting a missing record is not an error.
	DeleteByID(ctx context.Context, id string) error
	// Usage sums file sizes for one owner, trashed files included.
	Usage(ctx context.Context, ownerID string) (Usage, error)
	Close() error
}
