package drive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/metadata"
)

func TestCreateFolderAndListChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.upload(t, alice, "", "b.txt", "bee")
	docs := f.folder(t, alice, "Docs", "")
	f.folder(t, alice, "Archive", "")
	f.folder(t, bob, "Bobs", "")

	assert.True(t, docs.IsFolder)
	assert.Equal(t, "/Docs", docs.Path)
	assert.Zero(t, docs.Size)

	got, err := f.svc.List(ctx, alice, Children{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Archive", "Docs", "b.txt"}, names(got))

	sub := f.folder(t, alice, "Sub", docs.ID)
	assert.Equal(t, "/Docs/Sub", sub.Path)
	assert.Equal(t, docs.ID, sub.ParentID)

	got, err = f.svc.List(ctx, alice, Children{ParentID: docs.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"Sub"}, names(got))
}

func TestCreateFolderValidation(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t, alice, "", "a.txt", "a")
	f.folder(t, alice, "Docs", "")
	bobs := f.folder(t, bob, "Bobs", "")

	tests := []struct {
		name     string
		owner    string
		folder   string
		parentID string
		want     Kind
	}{
		{"no session", "", "X", "", KindUnauthenticated},
		{"empty name", alice, "", "", KindInvalidInput},
		{"blank name", alice, "   ", "", KindInvalidInput},
		{"slash", alice, "a/b", "", KindInvalidInput},
		{"dot dot", alice, "..", "", KindInvalidInput},
		{"too long", alice, strings.Repeat("x", MaxNameLength+1), "", KindInvalidInput},
		{"missing parent", alice, "X", "nope", KindNotFound},
		{"other owner's parent", alice, "X", bobs.ID, KindNotFound},
		{"file parent", alice, "X", file.ID, KindInvalidInput},
		{"duplicate sibling", alice, "Docs", "", KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateFolder(context.Background(), tt.owner, tt.folder, tt.parentID)
			assertKind(t, tt.want, err)
		})
	}
}

func TestSameNameAllowedInDifferentFolders(t *testing.T) {
	f := newFixture(t)
	a := f.folder(t, alice, "A", "")
	b := f.folder(t, alice, "B", "")

	f.folder(t, alice, "Same", a.ID)
	f.folder(t, alice, "Same", b.ID)
	// and for another owner at root
	f.folder(t, bob, "A", "")
}

func TestMoveRewritesDescendantPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs := f.folder(t, alice, "Docs", "")
	sub := f.folder(t, alice, "Sub", docs.ID)
	deep := f.folder(t, alice, "Deep", sub.ID)
	file := f.upload(t, alice, deep.ID, "f.txt", "data")
	archive := f.folder(t, alice, "Archive", "")
	assert.Equal(t, "/Docs/Sub/Deep/f.txt", file.Path)

	moved, err := f.svc.Move(ctx, sub.ID, alice, archive.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Archive/Sub", moved.Path)
	assert.Equal(t, archive.ID, moved.ParentID)
	assert.Equal(t, "/Archive/Sub/Deep", f.get(t, deep.ID).Path)
	assert.Equal(t, "/Archive/Sub/Deep/f.txt", f.get(t, file.ID).Path)

	moved, err = f.svc.Move(ctx, sub.ID, alice, "")
	require.NoError(t, err)
	assert.Equal(t, "/Sub", moved.Path)
	assert.Equal(t, "/Sub/Deep/f.txt", f.get(t, file.ID).Path)
}

func TestMoveRejectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs := f.folder(t, alice, "Docs", "")
	sub := f.folder(t, alice, "Sub", docs.ID)
	deep := f.folder(t, alice, "Deep", sub.ID)

	_, err := f.svc.Move(ctx, docs.ID, alice, docs.ID)
	assertKind(t, KindInvalidInput, err)
	_, err = f.svc.Move(ctx, docs.ID, alice, deep.ID)
	assertKind(t, KindInvalidInput, err)

	assert.Equal(t, "", f.get(t, docs.ID).ParentID)
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs := f.folder(t, alice, "Docs", "")
	file := f.upload(t, alice, docs.ID, "f.txt", "data")
	f.folder(t, alice, "Taken", "")

	renamed, err := f.svc.Rename(ctx, docs.ID, alice, "Papers")
	require.NoError(t, err)
	assert.Equal(t, "Papers", renamed.Name)
	assert.Equal(t, "/Papers", renamed.Path)
	assert.True(t, renamed.UpdatedAt.After(docs.UpdatedAt))
	assert.Equal(t, "/Papers/f.txt", f.get(t, file.ID).Path)

	_, err = f.svc.Rename(ctx, docs.ID, alice, "Taken")
	assertKind(t, KindConflict, err)
	_, err = f.svc.Rename(ctx, docs.ID, alice, "")
	assertKind(t, KindInvalidInput, err)

	same, err := f.svc.Rename(ctx, docs.ID, alice, "Papers")
	require.NoError(t, err)
	assert.Equal(t, "Papers", same.Name)
}

func TestMutationsRequireOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docs := f.folder(t, alice, "Docs", "")

	_, err := f.svc.Rename(ctx, docs.ID, bob, "Mine")
	assertKind(t, KindNotFound, err)
	_, err = f.svc.Rename(ctx, docs.ID, "", "Mine")
	assertKind(t, KindUnauthenticated, err)
	_, err = f.svc.Rename(ctx, "missing", alice, "Mine")
	assertKind(t, KindNotFound, err)

	// a collaborator can see the entry but not change it, even with edit
	_, err = f.svc.ShareWith(ctx, docs.ID, alice, bob, metadata.PermissionEdit)
	require.NoError(t, err)
	_, err = f.svc.Rename(ctx, docs.ID, bob, "Mine")
	assertKind(t, KindForbidden, err)
	_, err = f.svc.SoftDelete(ctx, docs.ID, bob)
	assertKind(t, KindForbidden, err)

	assert.Equal(t, "Docs", f.get(t, docs.ID).Name)
}

func TestSetStarredAndUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs := f.folder(t, alice, "Docs", "")
	child := f.folder(t, alice, "Child", docs.ID)
	other := f.folder(t, alice, "Other", "")

	starred, err := f.svc.SetStarred(ctx, docs.ID, alice, true)
	require.NoError(t, err)
	assert.True(t, starred.Starred)
	assert.False(t, f.get(t, child.ID).Starred)

	name := "Renamed"
	updated, err := f.svc.Update(ctx, docs.ID, alice, UpdateFields{
		Name:     &name,
		Starred:  metadata.Ptr(false),
		ParentID: metadata.Ptr(other.ID),
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.Starred)
	assert.Equal(t, "/Other/Renamed", updated.Path)
	assert.Equal(t, "/Other/Renamed/Child", f.get(t, child.ID).Path)

	unchanged, err := f.svc.Update(ctx, docs.ID, alice, UpdateFields{})
	require.NoError(t, err)
	assert.Equal(t, updated.UpdatedAt, unchanged.UpdatedAt)
}

func TestListModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < RecentLimit+5; i++ {
		ids = append(ids, f.folder(t, alice, "f"+strings.Repeat("x", i), "").ID)
	}
	_, err := f.svc.SetStarred(ctx, ids[3], alice, true)
	require.NoError(t, err)
	f.clock.Advance(time.Second)

	recent, err := f.svc.List(ctx, alice, Recent{})
	require.NoError(t, err)
	require.Len(t, recent, RecentLimit)
	assert.Equal(t, ids[3], recent[0].ID)
	assert.Equal(t, ids[len(ids)-1], recent[1].ID)

	starred, err := f.svc.List(ctx, alice, Starred{})
	require.NoError(t, err)
	require.Len(t, starred, 1)
	assert.Equal(t, ids[3], starred[0].ID)

	bobShared, err := f.svc.List(ctx, bob, Shared{})
	require.NoError(t, err)
	assert.Empty(t, bobShared)
	assert.NotNil(t, bobShared)

	_, err = f.svc.ShareWith(ctx, ids[0], alice, bob, metadata.PermissionView)
	require.NoError(t, err)
	bobShared, err = f.svc.List(ctx, bob, Shared{})
	require.NoError(t, err)
	require.Len(t, bobShared, 1)
	assert.Equal(t, ids[0], bobShared[0].ID)

	_, err = f.svc.List(ctx, "", Recent{})
	assertKind(t, KindUnauthenticated, err)
}

func TestTrashListingShowsDirectDeletionsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	loose := f.upload(t, alice, "", "loose.txt", "x")
	docs := f.folder(t, alice, "Docs", "")
	f.upload(t, alice, docs.ID, "inner.txt", "y")

	_, err := f.svc.SoftDelete(ctx, loose.ID, alice)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.SoftDelete(ctx, docs.ID, alice)
	require.NoError(t, err)

	trash, err := f.svc.List(ctx, alice, Trash{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Docs", "loose.txt"}, names(trash))

	active, err := f.svc.List(ctx, alice, Children{})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestParseListing(t *testing.T) {
	tests := []struct {
		mode string
		want Listing
	}{
		{"", Children{ParentID: "p"}},
		{"all", Children{ParentID: "p"}},
		{"recent", Recent{}},
		{"starred", Starred{}},
		{"shared", Shared{}},
		{"trash", Trash{}},
	}
	for _, tt := range tests {
		got, err := ParseListing(tt.mode, "p")
		require.NoError(t, err, tt.mode)
		assert.Equal(t, tt.want, got, tt.mode)
	}

	_, err := ParseListing("bogus", "")
	assertKind(t, KindInvalidInput, err)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, alice, "", "doc.txt", "x")

	got, err := f.svc.Get(ctx, doc.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "doc.txt", got.Name)

	_, err = f.svc.Get(ctx, doc.ID, bob)
	assertKind(t, KindNotFound, err)

	_, err = f.svc.ShareWith(ctx, doc.ID, alice, bob, metadata.PermissionView)
	require.NoError(t, err)
	got, err = f.svc.Get(ctx, doc.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	_, err = f.svc.Get(ctx, doc.ID, "")
	assertKind(t, KindUnauthenticated, err)

	_, err = f.svc.SoftDelete(ctx, doc.ID, alice)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, doc.ID, alice)
	assertKind(t, KindNotFound, err)
}
