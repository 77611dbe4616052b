package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/clouddrive/internal/storage"
)

func TestLocationRoundTrip(t *testing.T) {
	b := &Backend{bucket: "drive", baseURL: "http://minio:9000/drive/"}

	loc := b.Location("1700000000000-abcd1234.pdf")
	assert.Equal(t, "http://minio:9000/drive/1700000000000-abcd1234.pdf", loc)
	assert.True(t, b.Owns(loc))

	key, err := b.key(loc)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-abcd1234.pdf", key)
}

func TestOwnsRejectsForeignLocations(t *testing.T) {
	b := &Backend{bucket: "drive", baseURL: "http://minio:9000/drive/"}

	for _, loc := range []string{
		"uploads/a.pdf",
		"http://minio:9000/other/a.pdf",
		"https://cdn.example.com/drive/a.pdf",
	} {
		assert.False(t, b.Owns(loc), loc)
		_, err := b.key(loc)
		assert.ErrorIs(t, err, storage.ErrInvalidPath, loc)
	}
}
