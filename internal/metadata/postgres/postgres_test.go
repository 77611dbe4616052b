package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/logging"
	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metadata/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	logging.InitNop()

	s, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate("../../../migrations"))
	_, err = s.DB().Exec("TRUNCATE entries")
	require.NoError(t, err)
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) metadata.Store { return openTestStore(t) })
}

func TestBuildWhere(t *testing.T) {
	tests := []struct {
		name     string
		q        metadata.Query
		wantSQL  string
		wantArgs int
	}{
		{"empty", metadata.Query{}, "", 0},
		{"owner root", metadata.Query{OwnerID: "alice", ParentID: metadata.Ptr("")}, " WHERE owner_id = $1 AND parent_id = $2", 2},
		{"trash", metadata.Query{OwnerID: "alice", IsDeleted: metadata.Ptr(true)}, " WHERE owner_id = $1 AND is_deleted = $2", 2},
		{"shared", metadata.Query{SharedWithUser: "bob"}, " WHERE shared_with @> $1::jsonb", 1},
		{"token", metadata.Query{LinkToken: "abc", IsDeleted: metadata.Ptr(false)}, " WHERE is_deleted = $1 AND link_token = $2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := buildWhere(tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestBuildWhereSharedContainment(t *testing.T) {
	_, args, err := buildWhere(metadata.Query{SharedWithUser: "bob"})
	require.NoError(t, err)
	assert.Equal(t, `[{"userId":"bob"}]`, args[0])
}
