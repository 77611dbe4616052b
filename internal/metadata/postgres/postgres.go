// Package postgres is the PostgreSQL record store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metrics"
)

const columns = `id, name, is_folder, path, parent_id, owner_id, size, content_type,
	storage_location, starred, is_deleted, deleted_at, trashed_with, shared_with,
	link_token, link_permission, link_expires_at, link_password_hash, link_created_at,
	created_at, updated_at`

// Store implements metadata.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// New opens a connection pool and verifies it.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ReportStats publishes pool statistics to metrics.
func (s *Store) ReportStats() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs every *.up.sql file in dir in lexical order.
func (s *Store) Migrate(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", logging.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

func observe(query string) func() {
	start := time.Now()
	return func() { metrics.RecordDBQuery("postgres", query, time.Since(start)) }
}

// Find returns entries matching q.
func (s *Store) Find(ctx context.Context, q metadata.Query, opts metadata.FindOptions) ([]*metadata.Entry, error) {
	defer observe("find")()

	where, args, err := buildWhere(q)
	if err != nil {
		return nil, err
	}
	stmt := "SELECT " + columns + " FROM entries" + where + orderBy(opts.Sort)
	if opts.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []*metadata.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindOne returns the first entry matching q.
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

// Create inserts a new entry.
func (s *Store) Create(ctx context.Context, e *metadata.Entry) error {
	defer observe("create")()

	args, err := rowArgs(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (`+columns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		args...)
	if err != nil {
		return mapErr("insert entry", err)
	}
	logging.Debug("entry created", logging.EntryID(e.ID), logging.UserID(e.OwnerID))
	return nil
}

// UpdateByID locks the row, applies fn and writes every column back.
func (s *Store) UpdateByID(ctx context.Context, id string, fn metadata.Mutator) (*metadata.Entry, error) {
	defer observe("update")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+columns+" FROM entries WHERE id = $1 FOR UPDATE", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := fn(e); err != nil {
		return nil, err
	}
	e.ID = id

	args, err := rowArgs(e)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE entries SET name=$2, is_folder=$3, path=$4, parent_id=$5, owner_id=$6, size=$7,
		 content_type=$8, storage_location=$9, starred=$10, is_deleted=$11, deleted_at=$12,
		 trashed_with=$13, shared_with=$14, link_token=$15, link_permission=$16,
		 link_expires_at=$17, link_password_hash=$18, link_created_at=$19,
		 created_at=$20, updated_at=$21
		 WHERE id=$1`, args...)
	if err != nil {
		return nil, mapErr("update entry", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapErr("commit", err)
	}
	return e, nil
}

// DeleteByID removes an entry permanently.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	defer observe("delete")()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Usage sums file sizes for ownerID.
func (s *Store) Usage(ctx context.Context, ownerID string) (metadata.Usage, error) {
	defer observe("usage")()

	var u metadata.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM entries WHERE owner_id = $1 AND NOT is_folder`,
		ownerID).Scan(&u.UsedBytes, &u.FileCount)
	if err != nil {
		return metadata.Usage{}, fmt.Errorf("usage: %w", err)
	}
	return u, nil
}

func buildWhere(q metadata.Query) (string, []any, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.ID != "" {
		add("id = $%d", q.ID)
	}
	if q.OwnerID != "" {
		add("owner_id = $%d", q.OwnerID)
	}
	if q.ParentID != nil {
		add("parent_id = $%d", *q.ParentID)
	}
	if q.Name != "" {
		add("name = $%d", q.Name)
	}
	if q.IsDeleted != nil {
		add("is_deleted = $%d", *q.IsDeleted)
	}
	if q.Starred != nil {
		add("starred = $%d", *q.Starred)
	}
	if q.IsFolder != nil {
		add("is_folder = $%d", *q.IsFolder)
	}
	if q.SharedWithUser != "" {
		probe, err := json.Marshal([]map[string]string{{"userId": q.SharedWithUser}})
		if err != nil {
			return "", nil, err
		}
		add("shared_with @> $%d::jsonb", string(probe))
	}
	if q.LinkToken != "" {
		add("link_token = $%d", q.LinkToken)
	}
	if q.TrashedWith != "" {
		add("trashed_with = $%d", q.TrashedWith)
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func orderBy(o metadata.SortOrder) string {
	switch o {
	case metadata.SortFoldersFirst:
		return " ORDER BY is_folder DESC, lower(name), name"
	case metadata.SortName:
		return " ORDER BY lower(name), name"
	case metadata.SortUpdatedDesc:
		return " ORDER BY updated_at DESC"
	case metadata.SortDeletedDesc:
		return " ORDER BY deleted_at DESC NULLS LAST"
	default:
		return " ORDER BY created_at, id"
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*metadata.Entry, error) {
	var (
		e            metadata.Entry
		deletedAt    sql.NullTime
		sharedWith   []byte
		linkToken    sql.NullString
		linkPerm     sql.NullString
		linkExpires  sql.NullTime
		linkPassword sql.NullString
		linkCreated  sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Name, &e.IsFolder, &e.Path, &e.ParentID, &e.OwnerID, &e.Size,
		&e.ContentType, &e.StorageLocation, &e.Starred, &e.IsDeleted, &deletedAt, &e.TrashedWith,
		&sharedWith, &linkToken, &linkPerm, &linkExpires, &linkPassword, &linkCreated,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	if len(sharedWith) > 0 {
		if err := json.Unmarshal(sharedWith, &e.SharedWith); err != nil {
			return nil, fmt.Errorf("decode shared_with for %s: %w", e.ID, err)
		}
	}
	if len(e.SharedWith) == 0 {
		e.SharedWith = nil
	}
	if linkToken.Valid {
		e.SharedLink = &metadata.ShareLink{
			Token:        linkToken.String,
			Permission:   metadata.Permission(linkPerm.String),
			PasswordHash: linkPassword.String,
			CreatedAt:    linkCreated.Time,
		}
		if linkExpires.Valid {
			t := linkExpires.Time
			e.SharedLink.ExpiresAt = &t
		}
	}
	return &e, nil
}

func rowArgs(e *metadata.Entry) ([]any, error) {
	grants := e.SharedWith
	if grants == nil {
		grants = []metadata.Grant{}
	}
	sharedWith, err := json.Marshal(grants)
	if err != nil {
		return nil, fmt.Errorf("encode shared_with: %w", err)
	}

	var (
		linkToken, linkPerm, linkPassword sql.NullString
		linkExpires, linkCreated, deleted sql.NullTime
	)
	if e.DeletedAt != nil {
		deleted = sql.NullTime{Time: *e.DeletedAt, Valid: true}
	}
	if l := e.SharedLink; l != nil {
		linkToken = sql.NullString{String: l.Token, Valid: true}
		linkPerm = sql.NullString{String: string(l.Permission), Valid: true}
		linkPassword = sql.NullString{String: l.PasswordHash, Valid: l.PasswordHash != ""}
		linkCreated = sql.NullTime{Time: l.CreatedAt, Valid: !l.CreatedAt.IsZero()}
		if l.ExpiresAt != nil {
			linkExpires = sql.NullTime{Time: *l.ExpiresAt, Valid: true}
		}
	}

	return []any{
		e.ID, e.Name, e.IsFolder, e.Path, e.ParentID, e.OwnerID, e.Size, e.ContentType,
		e.StorageLocation, e.Starred, e.IsDeleted, deleted, e.TrashedWith, string(sharedWith),
		linkToken, linkPerm, linkExpires, linkPassword, linkCreated,
		e.CreatedAt, e.UpdatedAt,
	}, nil
}

// mapErr turns unique violations into metadata.ErrConflict.
func mapErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %s: %w", op, pqErr.Constraint, metadata.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
