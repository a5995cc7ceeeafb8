// Package service 引擎组装与序列化队列
//
// Engine 是唯一对外的操作入口。全部状态变更在单条队列 goroutine 上顺序
// 执行：外部调用、提供者回调、定时器回调都先入队再处理，组件内部在队列
// 上下文中不再加锁（阻塞调用除外，见各方法说明）。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"geotrail/internal/config"
	"geotrail/internal/dispatch"
	"geotrail/internal/geofence"
	"geotrail/internal/models"
	"geotrail/internal/motion"
	"geotrail/internal/provider"
	"geotrail/internal/recorder"
	"geotrail/internal/repository"
	"geotrail/internal/uploader"
)

// ErrEngineStopped 引擎已关闭，队列不再接受操作
var ErrEngineStopped = errors.New("engine stopped")

// ErrNotEnabled 操作要求引擎处于启用状态
var ErrNotEnabled = errors.New("tracking is not enabled")

// 队列容量：入队方都是回调或外部调用，突发有限
const queueSize = 256

// 保留与日志裁剪周期
const pruneInterval = time.Hour

// 仅围栏模式下的低频粗精度定位订阅间隔
const geofenceSampleInterval = 30 * time.Second

// Deps 引擎装配依赖
type Deps struct {
	Config     *config.Config
	Locations  *repository.LocationRepository
	Geofences  *repository.GeofenceRepository
	Logs       *repository.LogRepository
	Sessions   *repository.SessionRepository
	Location   provider.LocationProvider
	Activity   provider.ActivityProvider
	Battery    provider.BatterySource
	Platform   provider.PlatformMonitor
	Dispatcher *dispatch.Dispatcher
	Logger     *zap.Logger
}

// Engine 后台定位引擎
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	queue  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	session    *models.SessionState
	classifier *motion.Classifier
	recorder   *recorder.Recorder
	monitor    *geofence.Monitor
	uploader   *uploader.Uploader
	dispatcher *dispatch.Dispatcher

	locations *repository.LocationRepository
	logs      *repository.LogRepository
	sessions  *repository.SessionRepository
	activity  provider.ActivityProvider
	location  provider.LocationProvider

	ready       bool
	lastEnabled bool // 随 Enabled 变更维护；还原后保留上次退出时的值供 Ready 报告
}

// NewEngine 组装引擎（不启动队列，调用方随后 Run）
func NewEngine(deps Deps) *Engine {
	e := &Engine{
		logger:     deps.Logger,
		cfg:        deps.Config,
		queue:      make(chan func(), queueSize),
		done:       make(chan struct{}),
		session:    models.NewSessionState(),
		dispatcher: deps.Dispatcher,
		locations:  deps.Locations,
		logs:       deps.Logs,
		sessions:   deps.Sessions,
		activity:   deps.Activity,
		location:   deps.Location,
	}

	tracking := deps.Config.Tracking
	e.recorder = recorder.NewRecorder(
		recorder.Options{
			DistanceFilter:          tracking.DistanceFilter,
			DisableElasticity:       tracking.DisableElasticity,
			ElasticityMultiplier:    tracking.ElasticityMultiplier,
			AllowIdenticalLocations: tracking.AllowIdenticalLocations,
			DesiredAccuracy:         tracking.DesiredAccuracy,
			LocationTimeout:         tracking.LocationTimeout,
			HeartbeatInterval:       tracking.HeartbeatInterval,
		},
		deps.Location,
		deps.Battery,
		deps.Locations,
		e.session,
		e.enqueue,
		e.emit,
		deps.Logger,
	)

	e.classifier = motion.NewClassifier(
		motion.Options{
			MinimumConfidence:    tracking.MinimumConfidence,
			TriggerDelay:         tracking.MotionTriggerDelay,
			StopTimeout:          tracking.StopTimeout,
			DisableStopDetection: tracking.DisableStopDetection,
			TriggerActivities:    tracking.TriggerActivities,
		},
		func(moving bool) {
			e.enqueue(func() { e.onMotionChange(moving) })
		},
		deps.Logger,
	)

	e.monitor = geofence.NewMonitor(
		geofence.Options{
			MaxMonitoredRegions: deps.Config.Geofence.MaxMonitoredRegions,
			InitialTriggerEntry: deps.Config.Geofence.InitialTriggerEntry,
			Knockout:            deps.Config.Geofence.Knockout,
			HighAccuracy:        deps.Config.Geofence.HighAccuracy,
		},
		deps.Geofences,
		deps.Platform,
		e.enqueue,
		e.emit,
		e.recorder.LastKnown,
		e.recorder.SetHighAccuracy,
		deps.Logger,
	)

	syncCfg := deps.Config.Sync
	e.uploader = uploader.NewUploader(
		uploader.Options{
			URL:               syncCfg.URL,
			Method:            syncCfg.Method,
			Headers:           syncCfg.Headers,
			Params:            syncCfg.Params,
			HTTPRootProperty:  syncCfg.HTTPRootProperty,
			BatchSync:         syncCfg.BatchSync,
			MaxBatchSize:      syncCfg.MaxBatchSize,
			AutoSync:          syncCfg.AutoSync,
			AutoSyncThreshold: syncCfg.AutoSyncThreshold,
			HTTPTimeout:       syncCfg.HTTPTimeout,
			MaxRetries:        syncCfg.MaxRetries,
			RetryBaseDelay:    syncCfg.RetryBaseDelay,
			RetryMaxDelay:     syncCfg.RetryMaxDelay,
			Order:             syncCfg.Order,
		},
		deps.Locations,
		e.enqueue,
		e.emit,
		deps.Logger,
	)

	return e
}

// Run 启动序列化队列并注册提供者回调
func (e *Engine) Run(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	// 提供者回调来自任意 goroutine，一律入队
	e.location.OnFix(func(fix models.Fix) {
		e.enqueue(func() { e.handleFix(fix, models.EventTracking) })
	})
	e.location.OnStatus(func(available, permissionDenied bool) {
		e.enqueue(func() { e.handleProviderChange(available, permissionDenied) })
	})
	e.activity.OnActivity(func(activity models.Activity) {
		e.enqueue(func() { e.handleActivity(activity) })
	})
	e.activity.OnStep(func() {
		e.enqueue(func() { e.classifier.OnStep() })
	})

	go e.loop()
	go e.pruneLoop()
}

// Shutdown 关闭引擎：停止跟踪、排空队列、等待队列 goroutine 退出
func (e *Engine) Shutdown() {
	_ = e.call(func() error {
		if e.session.Enabled {
			// 进程退出不等于用户 Stop：保留退出时的会话状态，
			// 下次 Ready 据此恢复
			snapshot := *e.session
			e.stopTracking()
			if err := e.sessions.Save(e.ctx, &snapshot); err != nil {
				e.logger.Warn("Failed to persist session state", zap.Error(err))
			}
		} else {
			// 未启用时可能仍有手动触发的同步在途
			e.uploader.Stop()
		}
		return nil
	})
	e.classifier.Stop()
	e.cancel()
	<-e.done
}

// loop 队列 goroutine：顺序执行全部状态变更
func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.queue:
			fn()
		case <-e.ctx.Done():
			// 排空已入队的操作后退出
			for {
				select {
				case fn := <-e.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// pruneLoop 周期性裁剪位置与日志
func (e *Engine) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.enqueue(e.prune)
		case <-e.ctx.Done():
			return
		}
	}
}

// enqueue 非阻塞入队；引擎已关闭时丢弃
func (e *Engine) enqueue(fn func()) {
	select {
	case e.queue <- fn:
	case <-e.ctx.Done():
	}
}

// call 入队并等待执行结果（外部同步操作的统一入口）
func (e *Engine) call(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case e.queue <- func() { errCh <- fn() }:
	case <-e.ctx.Done():
		return ErrEngineStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-e.done:
		return ErrEngineStopped
	}
}

// emit 事件发布（仅在队列上下文中调用）
func (e *Engine) emit(ev models.Event) {
	e.dispatcher.Dispatch(ev)
}

// Ready 启动前恢复：还原持久化会话状态、裁剪过期数据并报告当前状态
//
// 里程与跟踪模式跨进程重启延续；返回快照中的 Enabled 是上次退出时的
// 值，由调用方决定是否据此重新 Start，引擎不会自行恢复跟踪。
func (e *Engine) Ready(ctx context.Context) (models.SessionState, error) {
	var state models.SessionState
	err := e.call(func() error {
		if !e.ready {
			e.restoreSession()
			e.prune()
			e.ready = true
		}
		state = *e.session
		state.Enabled = e.lastEnabled
		return nil
	})
	return state, err
}

// restoreSession 从存储还原会话状态（仅 Ready 首次调用时执行）
func (e *Engine) restoreSession() {
	saved, err := e.sessions.Load(e.ctx)
	if err != nil {
		e.logger.Warn("Failed to restore session state", zap.Error(err))
		return
	}
	if saved == nil {
		return
	}
	if saved.TrackingMode != "" {
		e.session.TrackingMode = saved.TrackingMode
	}
	e.session.Odometer = saved.Odometer
	e.session.LastFixAt = saved.LastFixAt
	e.lastEnabled = saved.Enabled

	e.logger.Info("Session state restored",
		zap.String("mode", e.session.TrackingMode),
		zap.Float64("odometer", e.session.Odometer),
		zap.Bool("was_enabled", saved.Enabled),
	)
}

// saveSession 把当前会话状态写回存储（队列上下文）
func (e *Engine) saveSession() {
	if err := e.sessions.Save(e.ctx, e.session); err != nil {
		e.logger.Warn("Failed to persist session state", zap.Error(err))
	}
}

// prune 按保留策略裁剪位置记录与持久化日志
func (e *Engine) prune() {
	maxAge := time.Duration(e.cfg.Retention.MaxDays) * 24 * time.Hour
	if removed, err := e.locations.Prune(e.ctx, maxAge, e.cfg.Retention.MaxRecords); err != nil {
		e.logger.Warn("Location retention prune failed", zap.Error(err))
	} else if removed > 0 {
		e.logger.Info("Pruned location records", zap.Int64("removed", removed))
	}

	logAge := time.Duration(e.cfg.Log.MaxDays) * 24 * time.Hour
	if logAge > 0 {
		if _, err := e.logs.Prune(e.ctx, logAge); err != nil {
			e.logger.Warn("Log retention prune failed", zap.Error(err))
		}
	}
}

// Start 开始完整跟踪（分类器 + 连续记录 + 围栏）
func (e *Engine) Start(ctx context.Context) error {
	return e.call(func() error {
		if e.session.Enabled && e.session.TrackingMode == models.TrackingModeLocation {
			return nil
		}
		e.session.Enabled = true
		e.session.TrackingMode = models.TrackingModeLocation
		e.session.IsMoving = false
		e.lastEnabled = true

		if err := e.activity.Subscribe(); err != nil {
			// 没有活动源时退化为永久 Moving，跟踪不中断
			e.logger.Warn("Activity subscription failed, degrading", zap.Error(err))
			e.classifier.SetUnavailable()
		}
		if err := e.monitor.Start(e.ctx); err != nil {
			e.logger.Warn("Geofence monitoring start failed", zap.Error(err))
		}
		e.recorder.StartHeartbeat()
		e.saveSession()
		e.emit(models.EnabledChangeEvent{Enabled: true})

		// 启动时采一条位置，让调用方立刻有当前状态
		e.requestMotionSample()

		e.logger.Info("Tracking started",
			zap.String("mode", e.session.TrackingMode),
		)
		return nil
	})
}

// StartGeofences 仅围栏模式：不做连续记录，平台围栏监控照常
//
// 围栏评估仍需要位置喂入，这里用低频粗精度订阅代替完整跟踪：
// 采样只驱动子集重选与软件围栏判定，不过滤、不计里程、不持久化
// （见 handleFix 的模式分支）。
func (e *Engine) StartGeofences(ctx context.Context) error {
	return e.call(func() error {
		if e.session.Enabled && e.session.TrackingMode == models.TrackingModeGeofence {
			return nil
		}
		e.session.Enabled = true
		e.session.TrackingMode = models.TrackingModeGeofence
		e.session.IsMoving = false
		e.lastEnabled = true

		if err := e.location.Start(provider.ContinuousOptions{
			Accuracy:    "low",
			MinInterval: geofenceSampleInterval,
			MinDistance: e.cfg.Tracking.DistanceFilter,
		}); err != nil {
			e.logger.Warn("Failed to start coarse location updates", zap.Error(err))
		}
		if err := e.monitor.Start(e.ctx); err != nil {
			return fmt.Errorf("start geofence monitoring: %w", err)
		}
		e.saveSession()
		e.emit(models.EnabledChangeEvent{Enabled: true})
		e.logger.Info("Geofence-only tracking started")
		return nil
	})
}

// Stop 停止跟踪
func (e *Engine) Stop(ctx context.Context) error {
	return e.call(func() error {
		if !e.session.Enabled {
			return nil
		}
		e.stopTracking()
		return nil
	})
}

// stopTracking 队列上下文内的停止逻辑，Stop 与 Shutdown 共用
func (e *Engine) stopTracking() {
	e.session.Enabled = false
	e.session.IsMoving = false
	e.lastEnabled = false

	if err := e.activity.Unsubscribe(); err != nil {
		e.logger.Warn("Activity unsubscribe failed", zap.Error(err))
	}
	e.classifier.Stop()
	if err := e.recorder.Suspend(); err != nil {
		e.logger.Warn("Failed to suspend continuous updates", zap.Error(err))
	}
	// 停止后不会再有采样到达，未决单次请求立即失败而不是等到超时
	e.location.CancelSingles()
	e.recorder.StopHeartbeat()
	e.recorder.Reset()
	e.monitor.Stop()
	e.uploader.Stop()
	e.saveSession()
	e.emit(models.EnabledChangeEvent{Enabled: false})
	e.logger.Info("Tracking stopped")
}

// ChangePace 显式切换运动状态
func (e *Engine) ChangePace(ctx context.Context, moving bool) error {
	return e.call(func() error {
		if !e.session.Enabled {
			return ErrNotEnabled
		}
		e.classifier.ChangePace(moving)
		return nil
	})
}

// onMotionChange 分类器状态翻转（队列上下文）
func (e *Engine) onMotionChange(moving bool) {
	if !e.session.Enabled || e.session.TrackingMode != models.TrackingModeLocation {
		return
	}
	if e.session.IsMoving == moving {
		return
	}
	e.session.IsMoving = moving
	e.saveSession()

	if moving {
		if err := e.recorder.Resume(); err != nil {
			e.logger.Error("Failed to resume continuous updates", zap.Error(err))
		}
		e.requestMotionSample()
	} else {
		if err := e.recorder.Suspend(); err != nil {
			e.logger.Warn("Failed to suspend continuous updates", zap.Error(err))
		}
		if e.cfg.Tracking.StopOnStationary {
			e.stopTracking()
			return
		}
	}

	e.emit(models.MotionChangeEvent{
		IsMoving: moving,
		Sample:   e.recorder.LastKnown(),
	})
	e.logger.Info("Motion state changed", zap.Bool("is_moving", moving))
}

// requestMotionSample 异步采一条单次定位，按 motionchange 来源记录
func (e *Engine) requestMotionSample() {
	go func() {
		fix, err := e.recorder.CurrentPosition(e.ctx)
		if err != nil {
			e.logger.Warn("Motion sample request failed", zap.Error(err))
			return
		}
		e.enqueue(func() {
			e.handleFix(*fix, models.EventMotionChange)
		})
	}()
}

// handleFix 处理一条原始采样（队列上下文）
func (e *Engine) handleFix(fix models.Fix, origin string) {
	if !e.session.Enabled {
		return
	}

	// 仅围栏模式：采样只驱动围栏评估，不记录
	if e.session.TrackingMode == models.TrackingModeGeofence {
		e.session.LastFixAt = fix.Timestamp
		e.monitor.OnFix(e.ctx, fix.Coords.Latitude, fix.Coords.Longitude)
		return
	}

	sample, err := e.recorder.HandleFix(e.ctx, fix, origin)
	if err != nil || sample == nil {
		return
	}

	e.saveSession()
	e.emit(models.LocationEvent{Sample: sample})
	e.monitor.OnFix(e.ctx, sample.Coords.Latitude, sample.Coords.Longitude)
	e.uploader.MaybeSync(e.ctx)
}

// handleActivity 活动识别结果（队列上下文）
func (e *Engine) handleActivity(activity models.Activity) {
	e.recorder.SetActivity(activity)
	e.emit(models.ActivityChangeEvent{Activity: activity})
	e.classifier.OnActivity(activity)
}

// handleProviderChange 定位源可用性变化（队列上下文）
func (e *Engine) handleProviderChange(available, permissionDenied bool) {
	e.emit(models.ProviderChangeEvent{
		Available:        available,
		PermissionDenied: permissionDenied,
	})
	if permissionDenied {
		e.logger.Error("Location permission denied")
	} else if !available {
		e.logger.Warn("Location provider unavailable")
	}
}

// GetCurrentPosition 单次定位请求
//
// 阻塞直到拿到采样或超时，所以不占用序列化队列；结果不参与过滤、
// 不计里程、不持久化。
func (e *Engine) GetCurrentPosition(ctx context.Context) (*models.Fix, error) {
	return e.recorder.CurrentPosition(ctx)
}

// WatchPosition 订阅每条原始采样（不过滤）
func (e *Engine) WatchPosition(id string, deliver func(fix models.Fix)) error {
	return e.call(func() error {
		e.recorder.Watch(id, deliver)
		return nil
	})
}

// ClearWatch 取消位置订阅
func (e *Engine) ClearWatch(id string) error {
	return e.call(func() error {
		e.recorder.ClearWatch(id)
		return nil
	})
}

// GetOdometer 当前里程（米）
func (e *Engine) GetOdometer(ctx context.Context) (float64, error) {
	var odometer float64
	err := e.call(func() error {
		odometer = e.session.Odometer
		return nil
	})
	return odometer, err
}

// SetOdometer 重置里程
func (e *Engine) SetOdometer(ctx context.Context, value float64) error {
	return e.call(func() error {
		e.session.Odometer = value
		e.saveSession()
		return nil
	})
}

// GetState 当前会话状态快照
func (e *Engine) GetState(ctx context.Context) (models.SessionState, error) {
	var state models.SessionState
	err := e.call(func() error {
		state = *e.session
		return nil
	})
	return state, err
}

// AddGeofence 加入一个围栏
func (e *Engine) AddGeofence(ctx context.Context, region *models.GeofenceRegion) error {
	return e.call(func() error {
		return e.monitor.Add(e.ctx, region)
	})
}

// AddGeofences 批量加入围栏
func (e *Engine) AddGeofences(ctx context.Context, regions []*models.GeofenceRegion) error {
	return e.call(func() error {
		return e.monitor.AddMany(e.ctx, regions)
	})
}

// RemoveGeofence 移除一个围栏
func (e *Engine) RemoveGeofence(ctx context.Context, identifier string) error {
	return e.call(func() error {
		return e.monitor.Remove(e.ctx, identifier)
	})
}

// RemoveAllGeofences 清空围栏
func (e *Engine) RemoveAllGeofences(ctx context.Context) error {
	return e.call(func() error {
		return e.monitor.RemoveAll(e.ctx)
	})
}

// GetGeofences 完整期望集合
func (e *Engine) GetGeofences(ctx context.Context) ([]*models.GeofenceRegion, error) {
	var regions []*models.GeofenceRegion
	err := e.call(func() error {
		var inner error
		regions, inner = e.monitor.GetAll(e.ctx)
		return inner
	})
	return regions, err
}

// GetGeofence 按标识查询单个围栏
func (e *Engine) GetGeofence(ctx context.Context, identifier string) (*models.GeofenceRegion, error) {
	var region *models.GeofenceRegion
	err := e.call(func() error {
		var inner error
		region, inner = e.monitor.Get(e.ctx, identifier)
		return inner
	})
	return region, err
}

// Sync 手动触发一次同步
func (e *Engine) Sync(ctx context.Context) error {
	return e.call(func() error {
		e.uploader.Sync(e.ctx)
		return nil
	})
}

// SetConnectivity 上报网络连通性
func (e *Engine) SetConnectivity(ctx context.Context, connected bool) error {
	return e.call(func() error {
		e.uploader.SetConnectivity(e.ctx, connected)
		return nil
	})
}

// GetLocations 按时间范围查询位置记录
func (e *Engine) GetLocations(ctx context.Context, from, to time.Time, order string, limit, offset int) ([]*models.LocationSample, error) {
	var samples []*models.LocationSample
	err := e.call(func() error {
		var inner error
		samples, inner = e.locations.QueryRange(e.ctx, from, to, order, limit, offset)
		return inner
	})
	return samples, err
}

// InsertLocation 手动插入一条位置记录
func (e *Engine) InsertLocation(ctx context.Context, fix models.Fix, extras map[string]any) (*models.LocationSample, error) {
	var sample *models.LocationSample
	err := e.call(func() error {
		var inner error
		sample, inner = e.recorder.InsertManual(e.ctx, fix, extras)
		return inner
	})
	return sample, err
}

// DestroyLocation 删除单条位置记录
func (e *Engine) DestroyLocation(ctx context.Context, uuid string) error {
	return e.call(func() error {
		return e.locations.Delete(e.ctx, uuid)
	})
}

// DestroyLocations 清空位置记录
func (e *Engine) DestroyLocations(ctx context.Context) error {
	return e.call(func() error {
		return e.locations.DeleteAll(e.ctx)
	})
}

// GetLog 查询持久化日志（时间倒序）
func (e *Engine) GetLog(ctx context.Context, limit int) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry
	err := e.call(func() error {
		var inner error
		entries, inner = e.logs.Query(e.ctx, limit)
		return inner
	})
	return entries, err
}

// DestroyLog 清空持久化日志
func (e *Engine) DestroyLog(ctx context.Context) error {
	return e.call(func() error {
		return e.logs.DeleteAll(e.ctx)
	})
}
