package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotrail/internal/models"
)

func TestLogAppendAndQuery(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLogRepository(db, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(ctx, &models.LogEntry{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Level:     "info",
			Message:   "engine started",
			Tag:       "service",
		}))
	}

	entries, err := repo.Query(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "engine started", entries[0].Message)
}

func TestLogPrune(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLogRepository(db, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, &models.LogEntry{
		Timestamp: time.Now().Add(-4 * 24 * time.Hour),
		Level:     "warn",
		Message:   "old line",
		Tag:       "sync",
	}))
	require.NoError(t, repo.Append(ctx, &models.LogEntry{
		Timestamp: time.Now(),
		Level:     "info",
		Message:   "fresh line",
		Tag:       "sync",
	}))

	pruned, err := repo.Prune(ctx, 3*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	entries, err := repo.Query(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh line", entries[0].Message)
}

func TestLogPrune_DisabledWhenZero(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLogRepository(db, zap.NewNop())

	pruned, err := repo.Prune(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)
}
