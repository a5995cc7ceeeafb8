package models

// Event 引擎对外发布的领域事件
//
// 每个组件只产生类型化事件并交给 dispatch 层，向调用方暴露事件的传输
// 方式（method channel、MQTT 等）不属于引擎本体。
type Event interface {
	EventName() string
}

// LocationEvent 一条位置记录通过过滤并持久化
type LocationEvent struct {
	Sample *LocationSample `json:"location"`
}

func (LocationEvent) EventName() string { return "location" }

// MotionChangeEvent 运动状态翻转（Stationary <-> Moving）
type MotionChangeEvent struct {
	IsMoving bool            `json:"is_moving"`
	Sample   *LocationSample `json:"location,omitempty"`
}

func (MotionChangeEvent) EventName() string { return "motionchange" }

// ActivityChangeEvent 活动识别结果变化
type ActivityChangeEvent struct {
	Activity Activity `json:"activity"`
}

func (ActivityChangeEvent) EventName() string { return "activitychange" }

// ProviderChangeEvent 定位源可用性变化
type ProviderChangeEvent struct {
	Available        bool `json:"available"`
	PermissionDenied bool `json:"permission_denied"`
}

func (ProviderChangeEvent) EventName() string { return "providerchange" }

// GeofenceEvent 某个活跃围栏发生转移
type GeofenceEvent struct {
	Identifier string          `json:"identifier"`
	Action     string          `json:"action"`
	Location   *LocationSample `json:"location,omitempty"` // 最后已知位置
	Extras     map[string]any  `json:"extras,omitempty"`
}

func (GeofenceEvent) EventName() string { return "geofence" }

// GeofencesChangeEvent 活跃围栏子集发生变化（仅在实际变化时发布）
type GeofencesChangeEvent struct {
	Activated   []string `json:"on"`
	Deactivated []string `json:"off"`
}

func (GeofencesChangeEvent) EventName() string { return "geofenceschange" }

// HeartbeatEvent 心跳定时器触发，携带最后已知位置
type HeartbeatEvent struct {
	Sample *LocationSample `json:"location,omitempty"`
}

func (HeartbeatEvent) EventName() string { return "heartbeat" }

// HTTPEvent 一次同步请求的结果
type HTTPEvent struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Count   int    `json:"count"` // 本次请求携带的记录数
	Error   string `json:"error,omitempty"`
}

func (HTTPEvent) EventName() string { return "http" }

// EnabledChangeEvent 引擎启停状态变化
type EnabledChangeEvent struct {
	Enabled bool `json:"enabled"`
}

func (EnabledChangeEvent) EventName() string { return "enabledchange" }

// ConnectivityChangeEvent 网络连通性变化
type ConnectivityChangeEvent struct {
	Connected bool `json:"connected"`
}

func (ConnectivityChangeEvent) EventName() string { return "connectivitychange" }
