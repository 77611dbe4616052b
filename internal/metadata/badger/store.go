// Package badger is an embedded record store on BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metrics"
)

// Config configures the embedded store.
type Config struct {
	Dir      string
	InMemory bool
}

// Store implements metadata.Store on a local BadgerDB directory.
type Store struct {
	db *badger.DB
}

var _ metadata.Store = (*Store)(nil)

// New opens (or creates) the database.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	logging.Info("badger record store opened", logging.String("dir", cfg.Dir), logging.Bool("in_memory", cfg.InMemory))
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery("badger", query, time.Since(start)) }
}

func (s *Store) Find(ctx context.Context, q metadata.Query, opts metadata.FindOptions) ([]*metadata.Entry, error) {
	defer observe("find")()

	var out []*metadata.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		switch {
		case q.ID != "":
			e, err := getEntry(txn, q.ID)
			if errors.Is(err, metadata.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if q.Matches(e) {
				out = append(out, e)
			}
			return nil

		case q.LinkToken != "":
			item, err := txn.Get(keyToken(q.LinkToken))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := getEntry(txn, string(id))
			if err != nil {
				return err
			}
			if q.Matches(e) {
				out = append(out, e)
			}
			return nil

		case q.OwnerID != "":
			it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
			defer it.Close()
			prefix := keyOwnerPrefix(q.OwnerID)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				id := string(it.Item().Key()[len(prefix):])
				e, err := getEntry(txn, id)
				if err != nil {
					return err
				}
				if q.Matches(e) {
					out = append(out, e)
				}
			}
			return nil

		default:
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			prefix := []byte(prefixEntry)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				e, err := decode(it.Item())
				if err != nil {
					return err
				}
				if q.Matches(e) {
					out = append(out, e)
				}
			}
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("find entries: %w", err)
	}
	if opts.Sort == metadata.SortNone {
		// keys iterate in id order; callers expect creation order
		slices.SortStableFunc(out, func(a, b *metadata.Entry) int {
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
	}
	return opts.Apply(out), nil
}

func (s *Store) FindOne(ctx context.Context, q metadata.Query) (*metadata.Entry, error) {
	found, err := s.Find(ctx, q, metadata.FindOptions{})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, metadata.ErrNotFound
	}
	return found[0], nil
}

func (s *Store) Create(ctx context.Context, e *metadata.Entry) error {
	defer observe("create")()

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(keyEntry(e.ID)); err == nil {
			return fmt.Errorf("create %s: %w", e.ID, metadata.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if e.SharedLink != nil {
			if err := claimToken(txn, e.SharedLink.Token, e.ID); err != nil {
				return err
			}
		}
		if err := txn.Set(keyOwner(e.OwnerID, e.ID), nil); err != nil {
			return err
		}
		return putEntry(txn, e)
	})
}

func (s *Store) UpdateByID(ctx context.Context, id string, fn metadata.Mutator) (*metadata.Entry, error) {
	defer observe("update")()

	var updated *metadata.Entry
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := getEntry(txn, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = id

		oldToken, newToken := tokenOf(cur), tokenOf(next)
		if oldToken != newToken {
			if newToken != "" {
				if err := claimToken(txn, newToken, id); err != nil {
					return err
				}
			}
			if oldToken != "" {
				if err := txn.Delete(keyToken(oldToken)); err != nil {
					return err
				}
			}
		}
		if next.OwnerID != cur.OwnerID {
			if err := txn.Delete(keyOwner(cur.OwnerID, id)); err != nil {
				return err
			}
			if err := txn.Set(keyOwner(next.OwnerID, id), nil); err != nil {
				return err
			}
		}
		updated = next
		return putEntry(txn, next)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	defer observe("delete")()

	return s.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, id)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t := tokenOf(e); t != "" {
			if err := txn.Delete(keyToken(t)); err != nil {
				return err
			}
		}
		if err := txn.Delete(keyOwner(e.OwnerID, id)); err != nil {
			return err
		}
		return txn.Delete(keyEntry(id))
	})
}

func (s *Store) Usage(ctx context.Context, ownerID string) (metadata.Usage, error) {
	entries, err := s.Find(ctx, metadata.Query{OwnerID: ownerID, IsFolder: metadata.Ptr(false)}, metadata.FindOptions{})
	if err != nil {
		return metadata.Usage{}, err
	}
	var u metadata.Usage
	for _, e := range entries {
		u.UsedBytes += e.Size
		u.FileCount++
	}
	return u, nil
}

func claimToken(txn *badger.Txn, token, id string) error {
	item, err := txn.Get(keyToken(token))
	switch {
	case err == nil:
		owner, verr := item.ValueCopy(nil)
		if verr != nil {
			return verr
		}
		if string(owner) != id {
			return fmt.Errorf("link token: %w", metadata.ErrConflict)
		}
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return txn.Set(keyToken(token), []byte(id))
	default:
		return err
	}
}

func getEntry(txn *badger.Txn, id string) (*metadata.Entry, error) {
	item, err := txn.Get(keyEntry(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(item)
}

func decode(item *badger.Item) (*metadata.Entry, error) {
	var e metadata.Entry
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return &e, nil
}

func putEntry(txn *badger.Txn, e *metadata.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return txn.Set(keyEntry(e.ID), data)
}

func tokenOf(e *metadata.Entry) string {
	if e.SharedLink == nil {
		return ""
	}
	return e.SharedLink.Token
}
