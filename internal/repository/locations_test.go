package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotrail/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeSample(ts time.Time, lat, lon float64) *models.LocationSample {
	return &models.LocationSample{
		UUID:      uuid.New().String(),
		Timestamp: ts,
		Coords: models.Coords{
			Latitude:  lat,
			Longitude: lon,
			Speed:     1.5,
			Accuracy:  5,
		},
		IsMoving:  true,
		Odometer:  100,
		Activity:  models.Activity{Type: "walking", Confidence: 80},
		Battery:   models.Battery{Level: 0.8},
		Event:     models.EventTracking,
		CreatedAt: ts,
	}
}

func TestInsertOrReplace_SameIDLeavesOneRow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	sample := makeSample(time.Now(), 31.23, 121.47)
	require.NoError(t, repo.InsertOrReplace(ctx, sample))

	// 相同 uuid 再写一次，带更新后的里程
	sample.Odometer = 250
	require.NoError(t, repo.InsertOrReplace(ctx, sample))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	batch, err := repo.PendingBatch(ctx, 10, "asc")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 250.0, batch[0].Odometer)
}

func TestInsertOrReplace_RequiresUUID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())

	sample := makeSample(time.Now(), 0, 0)
	sample.UUID = ""
	err := repo.InsertOrReplace(context.Background(), sample)
	assert.Error(t, err)
}

func TestInsertOrReplace_RoundTripFields(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	floor := 3
	sample := makeSample(time.Now().UTC(), 31.2304, 121.4737)
	sample.Coords.Floor = &floor
	sample.Extras = map[string]any{"trip_id": "t-42"}
	require.NoError(t, repo.InsertOrReplace(ctx, sample))

	batch, err := repo.PendingBatch(ctx, 1, "asc")
	require.NoError(t, err)
	require.Len(t, batch, 1)

	got := batch[0]
	assert.Equal(t, sample.UUID, got.UUID)
	assert.Equal(t, 31.2304, got.Coords.Latitude)
	assert.Equal(t, 121.4737, got.Coords.Longitude)
	require.NotNil(t, got.Coords.Floor)
	assert.Equal(t, 3, *got.Coords.Floor)
	assert.Equal(t, "walking", got.Activity.Type)
	assert.Equal(t, 80, got.Activity.Confidence)
	assert.Equal(t, "t-42", got.Extras["trip_id"])
	assert.False(t, got.Synced)
}

func TestPendingBatch_OrderAndLimit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		s := makeSample(base.Add(time.Duration(i)*time.Minute), 31.0, 121.0)
		require.NoError(t, repo.InsertOrReplace(ctx, s))
		ids = append(ids, s.UUID)
	}

	asc, err := repo.PendingBatch(ctx, 3, "asc")
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, ids[0], asc[0].UUID)

	desc, err := repo.PendingBatch(ctx, 3, "desc")
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, ids[4], desc[0].UUID)
}

func TestMarkSynced_AdvancesForwardOnly(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	s1 := makeSample(time.Now(), 31, 121)
	s2 := makeSample(time.Now(), 32, 122)
	require.NoError(t, repo.InsertOrReplace(ctx, s1))
	require.NoError(t, repo.InsertOrReplace(ctx, s2))

	require.NoError(t, repo.MarkSynced(ctx, []string{s1.UUID}))

	pending, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// 空集合为 no-op
	require.NoError(t, repo.MarkSynced(ctx, nil))

	pending, err = repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	s := makeSample(time.Now(), 31, 121)
	require.NoError(t, repo.InsertOrReplace(ctx, s))
	require.NoError(t, repo.Delete(ctx, s.UUID))

	err := repo.Delete(ctx, s.UUID)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDeleteAll(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.InsertOrReplace(ctx, makeSample(time.Now(), 31, 121)))
	}
	require.NoError(t, repo.DeleteAll(ctx))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPrune_ByAgeRemovesOnlyOldRows(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	old := makeSample(time.Now().Add(-4*24*time.Hour), 31, 121)
	recent := makeSample(time.Now().Add(-time.Hour), 31, 121)
	require.NoError(t, repo.InsertOrReplace(ctx, old))
	require.NoError(t, repo.InsertOrReplace(ctx, recent))

	pruned, err := repo.Prune(ctx, 3*24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	batch, err := repo.PendingBatch(ctx, 10, "asc")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, recent.UUID, batch[0].UUID)
}

func TestPrune_ByCountKeepsNewest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		s := makeSample(base.Add(time.Duration(i)*time.Minute), 31, 121)
		require.NoError(t, repo.InsertOrReplace(ctx, s))
		ids = append(ids, s.UUID)
	}

	pruned, err := repo.Prune(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	batch, err := repo.PendingBatch(ctx, 10, "asc")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[3], batch[0].UUID)
	assert.Equal(t, ids[4], batch[1].UUID)
}

func TestQueryRange(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLocationRepository(db, zap.NewNop())
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, repo.InsertOrReplace(ctx,
			makeSample(base.Add(time.Duration(i)*30*time.Minute), 31, 121)))
	}

	from := base.Add(15 * time.Minute)
	to := base.Add(95 * time.Minute)
	got, err := repo.QueryRange(ctx, from, to, "asc", 100, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Equal(base.Add(30*time.Minute)))
	assert.True(t, got[2].Timestamp.Equal(base.Add(90*time.Minute)))
}
