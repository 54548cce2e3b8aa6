package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-15T09:00:00Z"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	require.Equal(t, "42", cursor.ID)
	require.Equal(t, "2026-01-15T09:00:00Z", cursor.CreatedAt)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not base64!!")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	type row struct{ ID string }
	extract := func(r *row) string { return r.ID }

	info := BuildCursorPageInfo([]*row{}, 2, extract)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextPageToken)

	// Fetched one over the limit: there is a next page and the token points
	// at the last returned row.
	info = BuildCursorPageInfo([]*row{{"a"}, {"b"}, {"c"}}, 2, extract)
	require.True(t, info.HasMore)
	require.Equal(t, "b", info.NextPageToken)

	info = BuildCursorPageInfo([]*row{{"a"}, {"b"}}, 2, extract)
	require.False(t, info.HasMore)
	require.Equal(t, "b", info.NextPageToken)
}
