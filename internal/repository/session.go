package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"geotrail/internal/models"
)

// SessionRepository 会话状态仓库
//
// 单行表：引擎的会话状态（里程、跟踪模式等）在每次变更后写回，
// 进程重启时由 Ready 恢复。
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository 创建会话状态仓库
func NewSessionRepository(db *DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// Save 写回当前会话状态（幂等覆盖）
func (r *SessionRepository) Save(ctx context.Context, state *models.SessionState) error {
	r.db.Lock()
	defer r.db.Unlock()

	var lastFixAt any
	if !state.LastFixAt.IsZero() {
		lastFixAt = state.LastFixAt
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session (
			id, enabled, tracking_mode, is_moving, odometer, last_fix_at
		) VALUES (1, ?, ?, ?, ?, ?)`,
		state.Enabled,
		state.TrackingMode,
		state.IsMoving,
		state.Odometer,
		lastFixAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// Load 读取保存的会话状态；从未保存过时返回 (nil, nil)
func (r *SessionRepository) Load(ctx context.Context) (*models.SessionState, error) {
	var (
		state     models.SessionState
		lastFixAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT enabled, tracking_mode, is_moving, odometer, last_fix_at
		FROM session WHERE id = 1`,
	).Scan(
		&state.Enabled,
		&state.TrackingMode,
		&state.IsMoving,
		&state.Odometer,
		&lastFixAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	if lastFixAt.Valid {
		state.LastFixAt = lastFixAt.Time
	}
	return &state, nil
}
