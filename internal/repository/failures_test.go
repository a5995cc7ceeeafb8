package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotrail/internal/models"
)

func makeLogEntry() *models.LogEntry {
	return &models.LogEntry{
		Timestamp: time.Now(),
		Level:     "info",
		Message:   "line",
		Tag:       "test",
	}
}

// Storage failures must fail only the offending operation; these tests
// verify the error paths without a real database.

func setupMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &DB{DB: db}, mock
}

func TestInsertOrReplace_StorageFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewLocationRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT OR REPLACE INTO locations`).
		WillReturnError(fmt.Errorf("disk I/O error"))

	err := repo.InsertOrReplace(context.Background(), makeSample(time.Now(), 31, 121))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert location")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingBatch_QueryFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewLocationRepository(db, zap.NewNop())

	mock.ExpectQuery(`SELECT`).WillReturnError(fmt.Errorf("database is locked"))

	batch, err := repo.PendingBatch(context.Background(), 10, "asc")

	assert.Error(t, err)
	assert.Nil(t, batch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSynced_RollsBackOnFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewLocationRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE locations SET synced = 1`).
		WillReturnError(fmt.Errorf("constraint failed"))
	mock.ExpectRollback()

	err := repo.MarkSynced(context.Background(), []string{"a", "b"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to mark locations synced")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogAppend_StorageFailure(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewLogRepository(db, zap.NewNop())

	mock.ExpectExec(`INSERT INTO logs`).
		WillReturnError(fmt.Errorf("disk full"))

	err := repo.Append(context.Background(), makeLogEntry())

	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
