package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"geotrail/internal/models"
)

// ErrGeofenceNotFound 按标识查询/删除的围栏不存在
var ErrGeofenceNotFound = errors.New("geofence not found")

// GeofenceRepository 围栏区域仓库（完整期望集合）
type GeofenceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewGeofenceRepository 创建围栏仓库
func NewGeofenceRepository(db *DB, logger *zap.Logger) *GeofenceRepository {
	return &GeofenceRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert 按标识符插入或替换围栏
func (r *GeofenceRepository) Upsert(ctx context.Context, region *models.GeofenceRegion) error {
	if region.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if region.Radius <= 0 {
		return fmt.Errorf("radius must be > 0, got %v", region.Radius)
	}

	extras, err := json.Marshal(region.Extras)
	if err != nil {
		return fmt.Errorf("failed to marshal extras: %w", err)
	}
	if region.Extras == nil {
		extras = []byte("{}")
	}

	r.db.Lock()
	defer r.db.Unlock()

	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO geofences (
			identifier, latitude, longitude, radius,
			notify_entry, notify_exit, notify_dwell, loitering_delay,
			extras, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		region.Identifier,
		region.Latitude,
		region.Longitude,
		region.Radius,
		region.NotifyOnEntry,
		region.NotifyOnExit,
		region.NotifyOnDwell,
		region.LoiteringDelayMs,
		string(extras),
		region.ActiveOnPlatform,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert geofence: %w", err)
	}
	return nil
}

// Get 按标识符查询围栏
func (r *GeofenceRepository) Get(ctx context.Context, identifier string) (*models.GeofenceRegion, error) {
	if identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT identifier, latitude, longitude, radius,
			notify_entry, notify_exit, notify_dwell, loitering_delay,
			extras, active
		FROM geofences WHERE identifier = ?`, identifier)

	region, err := scanGeofence(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrGeofenceNotFound, identifier)
		}
		return nil, err
	}
	return region, nil
}

// GetAll 返回完整期望集合
func (r *GeofenceRepository) GetAll(ctx context.Context) ([]*models.GeofenceRegion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT identifier, latitude, longitude, radius,
			notify_entry, notify_exit, notify_dwell, loitering_delay,
			extras, active
		FROM geofences ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer rows.Close()

	var regions []*models.GeofenceRegion
	for rows.Next() {
		region, err := scanGeofence(rows)
		if err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate geofences: %w", err)
	}
	return regions, nil
}

// SetActive 更新平台注册簿记标记
func (r *GeofenceRepository) SetActive(ctx context.Context, identifier string, active bool) error {
	r.db.Lock()
	defer r.db.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE geofences SET active = ? WHERE identifier = ?`, active, identifier)
	if err != nil {
		return fmt.Errorf("failed to update geofence active flag: %w", err)
	}
	return nil
}

// Delete 按标识符删除围栏
func (r *GeofenceRepository) Delete(ctx context.Context, identifier string) error {
	if identifier == "" {
		return fmt.Errorf("identifier is required")
	}

	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM geofences WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("failed to delete geofence: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrGeofenceNotFound, identifier)
	}
	return nil
}

// DeleteAll 清空围栏
func (r *GeofenceRepository) DeleteAll(ctx context.Context) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM geofences`); err != nil {
		return fmt.Errorf("failed to delete geofences: %w", err)
	}
	return nil
}

// scanner 同时覆盖 *sql.Row 与 *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanGeofence(s scanner) (*models.GeofenceRegion, error) {
	var region models.GeofenceRegion
	var extras string

	err := s.Scan(
		&region.Identifier,
		&region.Latitude,
		&region.Longitude,
		&region.Radius,
		&region.NotifyOnEntry,
		&region.NotifyOnExit,
		&region.NotifyOnDwell,
		&region.LoiteringDelayMs,
		&extras,
		&region.ActiveOnPlatform,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan geofence: %w", err)
	}

	if extras != "" && extras != "{}" {
		if err := json.Unmarshal([]byte(extras), &region.Extras); err != nil {
			region.Extras = map[string]any{"_raw": extras}
		}
	}
	return &region, nil
}
