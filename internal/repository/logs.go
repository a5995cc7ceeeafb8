package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"geotrail/internal/models"
)

// LogRepository 持久化日志仓库（仅追加，按时间裁剪）
type LogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLogRepository 创建日志仓库
func NewLogRepository(db *DB, logger *zap.Logger) *LogRepository {
	return &LogRepository{
		db:     db,
		logger: logger,
	}
}

// Append 追加一行日志
func (r *LogRepository) Append(ctx context.Context, entry *models.LogEntry) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp, level, message, tag)
		VALUES (?, ?, ?, ?)`,
		entry.Timestamp, entry.Level, entry.Message, entry.Tag,
	)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// Query 返回最近的日志行（按时间倒序）
func (r *LogRepository) Query(ctx context.Context, limit int) ([]*models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, timestamp, level, message, tag
		FROM logs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Message, &e.Tag); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate logs: %w", err)
	}
	return entries, nil
}

// Prune 删除早于保留期的日志行
func (r *LogRepository) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	r.db.Lock()
	defer r.db.Unlock()

	cutoff := time.Now().Add(-maxAge)
	result, err := r.db.ExecContext(ctx, `DELETE FROM logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteAll 清空日志
func (r *LogRepository) DeleteAll(ctx context.Context) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	return nil
}
