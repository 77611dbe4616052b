// Package memory is an in-process record store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/fruitsalade/clouddrive/internal/metadata"
)

// Store keeps entries in a map guarded by a RWMutex. Insertion order is
// preserved so unsorted Find results are stable.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*metadata.Entry
	order   []string
	tokens  map[string]string // share link token -> entry id
}

var _ metadata.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]*metadata.Entry),
		tokens:  make(map[string]string),
	}
}

func (s *Store) Find(ctx context.Context, q metadata.Query, opts metadata.FindOptions) ([]*metadata.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q.LinkToken != "" {
		id, ok := s.tokens[q.LinkToken]
		if !ok {
			return nil, nil
		}
		if e := s.entries[id]; q.Matches(e) {
			return []*metadata.Entry{e.Clone()}, nil
		}
		return nil, nil
	}

	var out []*metadata.Entry
	for _, id := range s.order {
		if e := s.entries[id]; q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	return opts.Apply(out), nil
}

func (s *Store) FindOne(ctx context.Context, q metadata.Query) (*metadata.Entry, error) {
	found, err := s.Find(ctx, q, metadata.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, metadata.ErrNotFound
	}
	return found[0], nil
}

func (s *Store) Create(ctx context.Context, e *metadata.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.ID]; exists {
		return fmt.Errorf("create %s: %w", e.ID, metadata.ErrConflict)
	}
	if e.SharedLink != nil {
		if _, taken := s.tokens[e.SharedLink.Token]; taken {
			return fmt.Errorf("create %s: link token: %w", e.ID, metadata.ErrConflict)
		}
		s.tokens[e.SharedLink.Token] = e.ID
	}
	s.entries[e.ID] = e.Clone()
	s.order = append(s.order, e.ID)
	return nil
}

func (s *Store) UpdateByID(ctx context.Context, id string, fn metadata.Mutator) (*metadata.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID

	oldToken, newToken := linkToken(cur), linkToken(next)
	if newToken != oldToken && newToken != "" {
		if _, taken := s.tokens[newToken]; taken {
			return nil, fmt.Errorf("update %s: link token: %w", id, metadata.ErrConflict)
		}
	}
	if oldToken != "" && oldToken != newToken {
		delete(s.tokens, oldToken)
	}
	if newToken != "" {
		s.tokens[newToken] = id
	}

	s.entries[id] = next
	return next.Clone(), nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	if t := linkToken(e); t != "" {
		delete(s.tokens, t)
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Usage(ctx context.Context, ownerID string) (metadata.Usage, error) {
	if err := ctx.Err(); err != nil {
		return metadata.Usage{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u metadata.Usage
	for _, e := range s.entries {
		if e.OwnerID == ownerID && !e.IsFolder {
			u.UsedBytes += e.Size
			u.FileCount++
		}
	}
	return u, nil
}

func (s *Store) Close() error { return nil }

func linkToken(e *metadata.Entry) string {
	if e.SharedLink == nil {
		return ""
	}
	return e.SharedLink.Token
}
