// Package storetest holds the behaviour every metadata.Store must satisfy.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/metadata"
)

// Factory returns an empty store; cleanup is registered on t.
type Factory func(t *testing.T) metadata.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s metadata.Store)
	}{
		{"CreateAndFindOne", testCreateAndFindOne},
		{"CreateDuplicateID", testCreateDuplicateID},
		{"FindByParentAndFlags", testFindByParentAndFlags},
		{"FindSorted", testFindSorted},
		{"FindSharedWith", testFindSharedWith},
		{"LinkTokenUnique", testLinkTokenUnique},
		{"UpdateByID", testUpdateByID},
		{"UpdateMutatorError", testUpdateMutatorError},
		{"DeleteByID", testDeleteByID},
		{"Usage", testUsage},
		{"OwnerIDsSharingAPrefix", testOwnerIDsSharingAPrefix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func entry(owner, parent, name string, folder bool) *metadata.Entry {
	path := "/" + name
	return &metadata.Entry{
		ID:        uuid.NewString(),
		Name:      name,
		IsFolder:  folder,
		Path:      path,
		ParentID:  parent,
		OwnerID:   owner,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func testCreateAndFindOne(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	e := entry("alice", "", "report.pdf", false)
	e.Size = 2048
	e.ContentType = "application/pdf"
	e.StorageLocation = "1700000000000-abcd1234.pdf"
	e.SharedWith = []metadata.Grant{{UserID: "bob", Permission: metadata.PermissionView}}
	require.NoError(t, s.Create(ctx, e))

	got, err := s.FindOne(ctx, metadata.Query{ID: e.ID})
	require.NoError(t, err)
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, int64(2048), got.Size)
	assert.Equal(t, "application/pdf", got.ContentType)
	assert.Equal(t, e.StorageLocation, got.StorageLocation)
	assert.Equal(t, e.SharedWith, got.SharedWith)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.FindOne(ctx, metadata.Query{ID: uuid.NewString()})
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func testCreateDuplicateID(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	e := entry("alice", "", "a", false)
	require.NoError(t, s.Create(ctx, e))
	assert.ErrorIs(t, s.Create(ctx, e), metadata.ErrConflict)
}

func testFindByParentAndFlags(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	folder := entry("alice", "", "Docs", true)
	child := entry("alice", folder.ID, "a.txt", false)
	starred := entry("alice", "", "b.txt", false)
	starred.Starred = true
	deleted := entry("alice", "", "c.txt", false)
	deleted.IsDeleted = true
	deleted.DeletedAt = &base
	other := entry("bob", "", "d.txt", false)
	for _, e := range []*metadata.Entry{folder, child, starred, deleted, other} {
		require.NoError(t, s.Create(ctx, e))
	}

	root, err := s.Find(ctx, metadata.Query{
		OwnerID:   "alice",
		ParentID:  metadata.Ptr(""),
		IsDeleted: metadata.Ptr(false),
	}, metadata.FindOptions{Sort: metadata.SortFoldersFirst})
	require.NoError(t, err)
	require.Len(t, root, 2)
	assert.Equal(t, "Docs", root[0].Name)
	assert.Equal(t, "b.txt", root[1].Name)

	children, err := s.Find(ctx, metadata.Query{ParentID: metadata.Ptr(folder.ID)}, metadata.FindOptions{})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	stars, err := s.Find(ctx, metadata.Query{OwnerID: "alice", Starred: metadata.Ptr(true)}, metadata.FindOptions{})
	require.NoError(t, err)
	require.Len(t, stars, 1)
	assert.Equal(t, starred.ID, stars[0].ID)

	trash, err := s.Find(ctx, metadata.Query{OwnerID: "alice", IsDeleted: metadata.Ptr(true)}, metadata.FindOptions{})
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, deleted.ID, trash[0].ID)
	require.NotNil(t, trash[0].DeletedAt)

	folders, err := s.Find(ctx, metadata.Query{IsFolder: metadata.Ptr(true)}, metadata.FindOptions{})
	require.NoError(t, err)
	require.Len(t, folders, 1)

	named, err := s.FindOne(ctx, metadata.Query{OwnerID: "bob", Name: "d.txt"})
	require.NoError(t, err)
	assert.Equal(t, other.ID, named.ID)
}

func testFindSorted(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	for i, name := range []string{"one", "two", "three"} {
		e := entry("alice", "", name, false)
		e.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, e))
	}

	recent, err := s.Find(ctx, metadata.Query{OwnerID: "alice"}, metadata.FindOptions{Sort: metadata.SortUpdatedDesc, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Name)
	assert.Equal(t, "two", recent[1].Name)
}

func testFindSharedWith(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	shared := entry("alice", "", "shared.txt", false)
	shared.SharedWith = []metadata.Grant{
		{UserID: "bob", Permission: metadata.PermissionEdit},
		{UserID: "carol", Permission: metadata.PermissionView},
	}
	require.NoError(t, s.Create(ctx, shared))
	require.NoError(t, s.Create(ctx, entry("alice", "", "private.txt", false)))

	got, err := s.Find(ctx, metadata.Query{SharedWithUser: "carol"}, metadata.FindOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, shared.ID, got[0].ID)

	none, err := s.Find(ctx, metadata.Query{SharedWithUser: "dave"}, metadata.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testLinkTokenUnique(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	exp := base.Add(time.Hour)
	a := entry("alice", "", "a", false)
	a.SharedLink = &metadata.ShareLink{Token: "tok-1", Permission: metadata.PermissionView, ExpiresAt: &exp, PasswordHash: "hash", CreatedAt: base}
	require.NoError(t, s.Create(ctx, a))

	got, err := s.FindOne(ctx, metadata.Query{LinkToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	require.NotNil(t, got.SharedLink)
	assert.Equal(t, "hash", got.SharedLink.PasswordHash)
	require.NotNil(t, got.SharedLink.ExpiresAt)
	assert.True(t, got.SharedLink.ExpiresAt.Equal(exp))

	b := entry("alice", "", "b", false)
	require.NoError(t, s.Create(ctx, b))
	_, err = s.UpdateByID(ctx, b.ID, func(e *metadata.Entry) error {
		e.SharedLink = &metadata.ShareLink{Token: "tok-1", Permission: metadata.PermissionView}
		return nil
	})
	assert.ErrorIs(t, err, metadata.ErrConflict)

	// replacing the token frees the old one
	_, err = s.UpdateByID(ctx, a.ID, func(e *metadata.Entry) error {
		e.SharedLink = &metadata.ShareLink{Token: "tok-2", Permission: metadata.PermissionView}
		return nil
	})
	require.NoError(t, err)
	_, err = s.FindOne(ctx, metadata.Query{LinkToken: "tok-1"})
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	_, err = s.UpdateByID(ctx, b.ID, func(e *metadata.Entry) error {
		e.SharedLink = &metadata.ShareLink{Token: "tok-1", Permission: metadata.PermissionView}
		return nil
	})
	require.NoError(t, err)
}

func testUpdateByID(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	e := entry("alice", "", "old.txt", false)
	require.NoError(t, s.Create(ctx, e))

	later := base.Add(time.Hour)
	updated, err := s.UpdateByID(ctx, e.ID, func(e *metadata.Entry) error {
		e.Name = "new.txt"
		e.Path = "/new.txt"
		e.IsDeleted = true
		e.DeletedAt = &later
		e.TrashedWith = "parent-id"
		e.UpdatedAt = later
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new.txt", updated.Name)

	got, err := s.FindOne(ctx, metadata.Query{ID: e.ID})
	require.NoError(t, err)
	assert.Equal(t, "/new.txt", got.Path)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, "parent-id", got.TrashedWith)
	assert.True(t, got.UpdatedAt.Equal(later))

	_, err = s.UpdateByID(ctx, uuid.NewString(), func(*metadata.Entry) error { return nil })
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func testUpdateMutatorError(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	e := entry("alice", "", "keep.txt", false)
	require.NoError(t, s.Create(ctx, e))

	boom := errors.New("boom")
	_, err := s.UpdateByID(ctx, e.ID, func(e *metadata.Entry) error {
		e.Name = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.FindOne(ctx, metadata.Query{ID: e.ID})
	require.NoError(t, err)
	assert.Equal(t, "keep.txt", got.Name)
}

func testDeleteByID(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	e := entry("alice", "", "gone.txt", false)
	e.SharedLink = &metadata.ShareLink{Token: "tok-del", Permission: metadata.PermissionView}
	require.NoError(t, s.Create(ctx, e))

	require.NoError(t, s.DeleteByID(ctx, e.ID))
	_, err := s.FindOne(ctx, metadata.Query{ID: e.ID})
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	_, err = s.FindOne(ctx, metadata.Query{LinkToken: "tok-del"})
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	assert.NoError(t, s.DeleteByID(ctx, e.ID))
}

func testUsage(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	a := entry("alice", "", "a", false)
	a.Size = 100
	b := entry("alice", "", "b", false)
	b.Size = 50
	f := entry("alice", "", "dir", true)
	other := entry("bob", "", "c", false)
	other.Size = 7
	for _, e := range []*metadata.Entry{a, b, f, other} {
		require.NoError(t, s.Create(ctx, e))
	}

	u, err := s.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), u.UsedBytes)
	assert.Equal(t, int64(2), u.FileCount)
}

func testOwnerIDsSharingAPrefix(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	mine := entry("auth0", "", "mine.txt", false)
	mine.Size = 3
	theirs := entry("auth0:42", "", "theirs.txt", false)
	theirs.Size = 5
	require.NoError(t, s.Create(ctx, mine))
	require.NoError(t, s.Create(ctx, theirs))

	got, err := s.Find(ctx, metadata.Query{OwnerID: "auth0"}, metadata.FindOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)

	got, err = s.Find(ctx, metadata.Query{OwnerID: "auth0:42"}, metadata.FindOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, theirs.ID, got[0].ID)

	u, err := s.Usage(ctx, "auth0")
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.UsedBytes)
}
