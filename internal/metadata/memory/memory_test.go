package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metadata/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) metadata.Store { return New() })
}

func TestFindReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &metadata.Entry{ID: "1", Name: "a", OwnerID: "alice"}))

	got, err := s.FindOne(ctx, metadata.Query{ID: "1"})
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := s.FindOne(ctx, metadata.Query{ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "a", again.Name)
}
