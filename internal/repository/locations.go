package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"geotrail/internal/models"
)

// ErrLocationNotFound 按 uuid 删除的位置记录不存在
var ErrLocationNotFound = errors.New("location not found")

// LocationRepository 位置记录仓库
type LocationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewLocationRepository 创建位置记录仓库
func NewLocationRepository(db *DB, logger *zap.Logger) *LocationRepository {
	return &LocationRepository{
		db:     db,
		logger: logger,
	}
}

const locationColumns = `
	uuid, timestamp, latitude, longitude, altitude, speed, heading,
	accuracy, altitude_accuracy, speed_accuracy, heading_accuracy, floor,
	is_moving, odometer, activity_type, activity_confidence,
	battery_level, battery_charging, event, extras, synced, created_at`

// InsertOrReplace 按主键插入或替换位置记录
// 相同 uuid 写两次只保留最新一行（幂等）
func (r *LocationRepository) InsertOrReplace(ctx context.Context, sample *models.LocationSample) error {
	if sample.UUID == "" {
		return fmt.Errorf("uuid is required")
	}

	extras, err := json.Marshal(sample.Extras)
	if err != nil {
		return fmt.Errorf("failed to marshal extras: %w", err)
	}
	if sample.Extras == nil {
		extras = []byte("{}")
	}

	query := `
		INSERT OR REPLACE INTO locations (` + locationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	r.db.Lock()
	defer r.db.Unlock()

	_, err = r.db.ExecContext(ctx, query,
		sample.UUID,
		sample.Timestamp,
		sample.Coords.Latitude,
		sample.Coords.Longitude,
		sample.Coords.Altitude,
		sample.Coords.Speed,
		sample.Coords.Heading,
		sample.Coords.Accuracy,
		sample.Coords.AltitudeAccuracy,
		sample.Coords.SpeedAccuracy,
		sample.Coords.HeadingAccuracy,
		sample.Coords.Floor,
		sample.IsMoving,
		sample.Odometer,
		sample.Activity.Type,
		sample.Activity.Confidence,
		sample.Battery.Level,
		sample.Battery.IsCharging,
		sample.Event,
		string(extras),
		sample.Synced,
		sample.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert location: %w", err)
	}
	return nil
}

// PendingCount 未同步记录数
func (r *LocationRepository) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM locations WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending locations: %w", err)
	}
	return count, nil
}

// PendingBatch 拉取一批未同步记录
// order 为 asc / desc（按时间戳）
func (r *LocationRepository) PendingBatch(ctx context.Context, limit int, order string) ([]*models.LocationSample, error) {
	direction := "ASC"
	if order == "desc" {
		direction = "DESC"
	}

	query := `SELECT ` + locationColumns + `
		FROM locations
		WHERE synced = 0
		ORDER BY timestamp ` + direction + `
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending locations: %w", err)
	}
	defer rows.Close()

	return scanLocations(rows)
}

// MarkSynced 在单个事务内将一组记录标记为已同步
// synced 只允许 0 -> 1 单向推进
func (r *LocationRepository) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE locations SET synced = 1 WHERE uuid IN (%s)`, placeholders)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to mark locations synced: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark-synced: %w", err)
	}
	return nil
}

// QueryRange 按时间窗口查询记录
func (r *LocationRepository) QueryRange(ctx context.Context, from, to time.Time, order string, limit, offset int) ([]*models.LocationSample, error) {
	direction := "ASC"
	if order == "desc" {
		direction = "DESC"
	}

	query := `SELECT ` + locationColumns + `
		FROM locations
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ` + direction + `
		LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	return scanLocations(rows)
}

// Count 记录总数
func (r *LocationRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count locations: %w", err)
	}
	return count, nil
}

// Delete 按主键删除
func (r *LocationRepository) Delete(ctx context.Context, uuid string) error {
	if uuid == "" {
		return fmt.Errorf("uuid is required")
	}

	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.ExecContext(ctx, `DELETE FROM locations WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("failed to delete location: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLocationNotFound, uuid)
	}
	return nil
}

// DeleteAll 清空位置记录
func (r *LocationRepository) DeleteAll(ctx context.Context) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM locations`); err != nil {
		return fmt.Errorf("failed to delete locations: %w", err)
	}
	return nil
}

// Prune 按最大保留时长和最大条数裁剪（先删最旧）
// maxAge <= 0 表示不按时间裁剪；maxCount <= 0 表示不按条数裁剪
func (r *LocationRepository) Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int64, error) {
	var pruned int64

	r.db.Lock()
	defer r.db.Unlock()

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		result, err := r.db.ExecContext(ctx,
			`DELETE FROM locations WHERE timestamp < ?`, cutoff)
		if err != nil {
			return pruned, fmt.Errorf("failed to prune locations by age: %w", err)
		}
		n, _ := result.RowsAffected()
		pruned += n
	}

	if maxCount > 0 {
		result, err := r.db.ExecContext(ctx, `
			DELETE FROM locations WHERE uuid IN (
				SELECT uuid FROM locations
				ORDER BY timestamp DESC
				LIMIT -1 OFFSET ?
			)`, maxCount)
		if err != nil {
			return pruned, fmt.Errorf("failed to prune locations by count: %w", err)
		}
		n, _ := result.RowsAffected()
		pruned += n
	}

	if pruned > 0 {
		r.logger.Info("Pruned location records",
			zap.Int64("pruned", pruned),
		)
	}
	return pruned, nil
}

// scanLocations 扫描查询结果集
func scanLocations(rows *sql.Rows) ([]*models.LocationSample, error) {
	var samples []*models.LocationSample

	for rows.Next() {
		var s models.LocationSample
		var floor sql.NullInt64
		var extras string

		err := rows.Scan(
			&s.UUID,
			&s.Timestamp,
			&s.Coords.Latitude,
			&s.Coords.Longitude,
			&s.Coords.Altitude,
			&s.Coords.Speed,
			&s.Coords.Heading,
			&s.Coords.Accuracy,
			&s.Coords.AltitudeAccuracy,
			&s.Coords.SpeedAccuracy,
			&s.Coords.HeadingAccuracy,
			&floor,
			&s.IsMoving,
			&s.Odometer,
			&s.Activity.Type,
			&s.Activity.Confidence,
			&s.Battery.Level,
			&s.Battery.IsCharging,
			&s.Event,
			&extras,
			&s.Synced,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}

		if floor.Valid {
			f := int(floor.Int64)
			s.Coords.Floor = &f
		}
		if extras != "" && extras != "{}" {
			if err := json.Unmarshal([]byte(extras), &s.Extras); err != nil {
				// extras 损坏不致命，保留原始文本供排查
				s.Extras = map[string]any{"_raw": extras}
			}
		}

		samples = append(samples, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate locations: %w", err)
	}
	return samples, nil
}
