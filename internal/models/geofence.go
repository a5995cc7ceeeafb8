package models

// 地理围栏转移动作
const (
	GeofenceActionEnter = "ENTER"
	GeofenceActionExit  = "EXIT"
	GeofenceActionDwell = "DWELL"
)

// GeofenceRegion 期望监控的围栏区域
//
// 完整期望集合保存在存储层，数量不限；ActiveOnPlatform 仅是簿记字段，
// 标记该区域当前是否注册在平台监控器上（受平台上限约束）。
type GeofenceRegion struct {
	Identifier       string         `json:"identifier"`
	Latitude         float64        `json:"latitude"`
	Longitude        float64        `json:"longitude"`
	Radius           float64        `json:"radius"` // 米
	NotifyOnEntry    bool           `json:"notify_on_entry"`
	NotifyOnExit     bool           `json:"notify_on_exit"`
	NotifyOnDwell    bool           `json:"notify_on_dwell"`
	LoiteringDelayMs int            `json:"loitering_delay_ms"` // DWELL 触发前的停留时长
	Extras           map[string]any `json:"extras,omitempty"`
	ActiveOnPlatform bool           `json:"-"`
}

// GeofenceTransition 平台监控器回调的一次围栏转移
type GeofenceTransition struct {
	Identifier string
	Action     string // GeofenceActionEnter / Exit / Dwell
	Latitude   float64
	Longitude  float64
}
