package models

import "time"

// 跟踪模式
const (
	TrackingModeLocation = "location" // 完整跟踪（分类器 + 连续记录 + 围栏）
	TrackingModeGeofence = "geofence" // 仅围栏监控，连续记录挂起
)

// SessionState 引擎会话状态
//
// 单一显式状态值，由 Engine 独占持有并注入到各组件；所有变更只发生在
// 引擎的序列化队列上（见 internal/service），因此字段本身不加锁。
type SessionState struct {
	Enabled      bool      `json:"enabled"`
	TrackingMode string    `json:"tracking_mode"`
	IsMoving     bool      `json:"is_moving"`
	Odometer     float64   `json:"odometer"` // 米，单调递增，仅 SetOdometer 可重置
	LastFixAt    time.Time `json:"last_fix_at"`
}

// NewSessionState 创建初始会话状态
func NewSessionState() *SessionState {
	return &SessionState{
		TrackingMode: TrackingModeLocation,
	}
}
