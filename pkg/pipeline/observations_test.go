package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/promoverify/pkg/consensus"
	"github.com/Mindburn-Labs/promoverify/pkg/store"
)

func observationStores(t *testing.T) map[string]ObservationStore {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlStore := NewSQLObservations(db)
	require.NoError(t, sqlStore.Init(context.Background()))
	return map[string]ObservationStore{
		"memory": NewMemoryObservations(),
		"sqlite": sqlStore,
	}
}

func observation(source string, score float64) StoredObservation {
	return StoredObservation{
		PromotionID: "promo-1",
		Observation: consensus.Observation{
			Source:       source,
			EventID:      "401585",
			Fields:       map[string]any{"winner": "LAL", "homeScore": score},
			EvidenceHash: source + "-digest",
			ObservedAt:   time.Date(2024, 3, 2, 4, 0, 0, 0, time.UTC),
		},
		RawCanonical: `{"winner":"LAL"}`,
	}
}

func TestObservationStore_Contract(t *testing.T) {
	for name, s := range observationStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			inserted, err := s.Save(ctx, observation("odds", 112))
			require.NoError(t, err)
			assert.True(t, inserted)
			inserted, err = s.Save(ctx, observation("espn", 112))
			require.NoError(t, err)
			assert.True(t, inserted)

			// First report wins.
			inserted, err = s.Save(ctx, observation("espn", 90))
			require.NoError(t, err)
			assert.False(t, inserted)

			other := observation("espn", 1)
			other.PromotionID = "promo-2"
			inserted, err = s.Save(ctx, other)
			require.NoError(t, err)
			assert.True(t, inserted)

			got, err := s.List(ctx, "promo-1", "401585")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "espn", got[0].Source)
			assert.Equal(t, "odds", got[1].Source)
			assert.Equal(t, 112.0, got[0].Fields["homeScore"])
			assert.Equal(t, "espn-digest", got[0].EvidenceHash)
			assert.Equal(t, "401585", got[0].EventID)
			assert.True(t, got[0].ObservedAt.Equal(time.Date(2024, 3, 2, 4, 0, 0, 0, time.UTC)))

			none, err := s.List(ctx, "promo-1", "other-event")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSQLObservations_WriteOnce(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLObservations(db)
	require.NoError(t, s.Init(ctx))
	_, err = s.Save(ctx, observation("espn", 112))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE observations SET fields = '{}' WHERE source = 'espn'`)
	require.Error(t, err)
	assert.True(t, store.IsImmutableViolation(err))

	_, err = db.ExecContext(ctx, `DELETE FROM observations`)
	require.Error(t, err)
	assert.True(t, store.IsImmutableViolation(err))
}
