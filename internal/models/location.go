package models

import (
	"time"
)

// 位置来源事件类型
// 表示一条位置记录是由什么触发产生的
const (
	EventTracking       = "tracking"       // 连续跟踪产生
	EventHeartbeat      = "heartbeat"      // 心跳定时器产生
	EventMotionChange   = "motionchange"   // 运动状态切换产生
	EventProviderChange = "providerchange" // 定位源状态变化产生
	EventManual         = "manual"         // 调用方手动插入
)

// Coords 地理坐标及精度信息
type Coords struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Altitude         float64 `json:"altitude"`
	Speed            float64 `json:"speed"`   // m/s
	Heading          float64 `json:"heading"` // 度（0-360）
	Accuracy         float64 `json:"accuracy"`
	AltitudeAccuracy float64 `json:"altitude_accuracy"`
	SpeedAccuracy    float64 `json:"speed_accuracy"`
	HeadingAccuracy  float64 `json:"heading_accuracy"`
	Floor            *int    `json:"floor,omitempty"` // 楼层（可选）
}

// Activity 活动识别结果
type Activity struct {
	Type       string `json:"type"`       // still/walking/running/on_bicycle/in_vehicle/unknown
	Confidence int    `json:"confidence"` // 0-100
}

// Battery 电池状态快照
type Battery struct {
	Level      float64 `json:"level"` // 0.0-1.0
	IsCharging bool    `json:"is_charging"`
}

// Fix 定位源的一次原始采样
type Fix struct {
	Timestamp time.Time `json:"timestamp"`
	Coords    Coords    `json:"coords"`
}

// LocationSample 持久化的位置记录
//
// 不可变记录：创建后唯一允许的变更是 Synced 从 false 单向翻转为 true。
// UUID 在插入端和接收端都作为幂等键使用（至少一次投递）。
type LocationSample struct {
	UUID      string         `json:"uuid"`
	Timestamp time.Time      `json:"timestamp"`
	Coords    Coords         `json:"coords"`
	IsMoving  bool           `json:"is_moving"` // 记录时刻的运动状态
	Odometer  float64        `json:"odometer"`  // 记录时刻的累计里程（米）
	Activity  Activity       `json:"activity"`
	Battery   Battery        `json:"battery"`
	Event     string         `json:"event"` // 来源事件（EventTracking 等）
	Extras    map[string]any `json:"extras,omitempty"`
	Synced    bool           `json:"-"`
	CreatedAt time.Time      `json:"-"`
}

// LogEntry 持久化日志行（按时间裁剪，仅追加）
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Tag       string    `json:"tag"`
}
