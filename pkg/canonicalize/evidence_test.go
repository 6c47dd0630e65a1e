package canonicalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTimestampKey(t *testing.T) {
	for _, key := range []string{"occurredAt", "created_at", "gameTime", "startDate", "Timestamp", "lastModified", "updated"} {
		assert.True(t, IsTimestampKey(key), key)
	}
	for _, key := range []string{"winner", "score", "at", "status"} {
		assert.False(t, IsTimestampKey(key), key)
	}
}

func TestParseISOTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-05-01T12:00:00Z",
		"2024-05-01T12:00:00.000Z",
		"2024-05-01T12:00:00.000+00:00",
		"2024-05-01T14:00:00+02:00",
		"2024-05-01T12:00:00",
		"2024-05-01T12:00Z",
	} {
		got, ok := ParseISOTimestamp(s)
		require.True(t, ok, s)
		assert.True(t, want.Equal(got), s)
	}

	_, ok := ParseISOTimestamp("not a date")
	assert.False(t, ok)
	_, ok = ParseISOTimestamp("2024/05/01")
	assert.False(t, ok)
}

func TestCanonicalizeEvidence_TimestampConventions(t *testing.T) {
	a, err := CanonicalizeEvidence(map[string]any{"eventId": "g1", "occurredAt": "2024-05-01T12:00:00Z"})
	require.NoError(t, err)
	b, err := CanonicalizeEvidence(map[string]any{"occurredAt": "2024-05-01T12:00:00.000+00:00", "eventId": "g1"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"eventId":"g1","occurredAt":"2024-05-01T12:00:00.000Z"}`, a)
}

func TestCanonicalizeEvidence_Nested(t *testing.T) {
	got, err := CanonicalizeEvidence(map[string]any{
		"games": []any{
			map[string]any{"startTime": "2024-05-01T19:30:00-04:00", "venue": "2024-05-01T19:30:00Z"},
		},
	})
	require.NoError(t, err)
	// venue is not a timestamp-like key and stays verbatim.
	assert.Equal(t, `{"games":[{"startTime":"2024-05-01T23:30:00.000Z","venue":"2024-05-01T19:30:00Z"}]}`, got)
}

func TestCanonicalizeEvidence_UnparseableTimestampKept(t *testing.T) {
	got, err := CanonicalizeEvidence(map[string]any{"updatedAt": "yesterday"})
	require.NoError(t, err)
	assert.Equal(t, `{"updatedAt":"yesterday"}`, got)
}

func TestEvidenceValue(t *testing.T) {
	v, err := EvidenceValue(map[string]any{"createdAt": "2024-05-01"})
	require.NoError(t, err)
	member, ok := v.Get("createdAt")
	require.True(t, ok)
	assert.Equal(t, KindTimestamp, member.Kind())
	assert.Equal(t, "2024-05-01T00:00:00Z", member.AsTime().Format(time.RFC3339))
}
