// Package provider 定义引擎消费的平台能力接口
//
// 每种原生能力差异对应一个能力接口，具体适配器在组装时选择：
// MQTT 适配器接入通过消息总线上报的真实设备，回放适配器用于开发与测试。
package provider

import (
	"context"
	"errors"
	"time"

	"geotrail/internal/models"
)

// 错误分类（见错误处理设计）
var (
	// ErrPermissionDenied 调用方没有定位权限，在需要它的调用处同步返回
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrProviderUnavailable 定位源暂时不可用（非致命）
	ErrProviderUnavailable = errors.New("location provider unavailable")
	// ErrTimeout 单次定位请求超时
	ErrTimeout = errors.New("location request timed out")
	// ErrRequestCancelled 单次定位请求因跟踪停止被取消
	ErrRequestCancelled = errors.New("location request cancelled")
)

// ContinuousOptions 连续定位订阅参数
type ContinuousOptions struct {
	Accuracy    string        // high / medium / low
	MinInterval time.Duration // 最小上报间隔
	MinDistance float64       // 最小上报间距（米）
}

// FixHandler 原始定位采样回调
type FixHandler func(fix models.Fix)

// StatusHandler 定位源可用性回调
type StatusHandler func(available bool, permissionDenied bool)

// ActivityHandler 活动识别回调
type ActivityHandler func(activity models.Activity)

// StepHandler 计步脉冲回调
type StepHandler func()

// TransitionHandler 围栏转移回调
type TransitionHandler func(t models.GeofenceTransition)

// LocationProvider 定位源能力
//
// 回调在投递上下文中执行，注册方必须立即入队返回，不得阻塞。
type LocationProvider interface {
	OnFix(handler FixHandler)
	OnStatus(handler StatusHandler)

	// Start 开始连续定位订阅
	Start(opts ContinuousOptions) error
	// Stop 取消连续定位订阅
	Stop() error
	// SingleFix 单次定位请求，超时或失败通过 error 返回
	SingleFix(ctx context.Context, timeout time.Duration) (*models.Fix, error)
	// CancelSingles 终止全部未决单次请求（以 ErrRequestCancelled 失败）
	CancelSingles()
	// SetAccuracy 调整精度档位（围栏高精度模式使用）
	SetAccuracy(tier string) error
}

// ActivityProvider 活动/运动识别能力
type ActivityProvider interface {
	OnActivity(handler ActivityHandler)
	OnStep(handler StepHandler)
	Subscribe() error
	Unsubscribe() error
}

// BatterySource 电池状态快照来源
type BatterySource interface {
	Battery() models.Battery
}

// PlatformMonitor 平台围栏监控能力
//
// 注册集合受平台上限约束；上层（geofence.Monitor）负责在完整期望集合
// 中选择要注册的子集。
type PlatformMonitor interface {
	OnTransition(handler TransitionHandler)
	RegisterRegions(regions []*models.GeofenceRegion) error
	UnregisterRegions(identifiers []string) error
}
