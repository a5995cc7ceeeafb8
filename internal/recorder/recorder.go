// Package recorder 实现位置记录器
//
// 决定哪些原始采样成为持久化记录：距离/弹性过滤、里程累计、来源标注、
// 电池与活动快照，以及单次请求、位置订阅和心跳的服务。
//
// 除心跳定时协程外，所有方法都只在引擎的序列化队列上调用，因此内部
// 状态不加锁；心跳通过 schedule 回调把处理送回队列。
package recorder

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geotrail/internal/geo"
	"geotrail/internal/models"
	"geotrail/internal/provider"
	"geotrail/internal/repository"
)

// Options 记录器参数
type Options struct {
	DistanceFilter          float64
	DisableElasticity       bool
	ElasticityMultiplier    float64
	AllowIdenticalLocations bool
	DesiredAccuracy         string
	LocationTimeout         time.Duration
	HeartbeatInterval       time.Duration
}

// Recorder 位置记录器
type Recorder struct {
	logger    *zap.Logger
	opts      Options
	provider  provider.LocationProvider
	battery   provider.BatterySource
	locations *repository.LocationRepository
	session   *models.SessionState

	schedule func(fn func())       // 把闭包送回引擎序列化队列
	emit     func(ev models.Event) // 事件发布

	lastKept     *models.LocationSample
	lastActivity models.Activity
	watchers     map[string]func(fix models.Fix)
	hbStop       chan struct{}
	highAccuracy bool
}

// NewRecorder 创建记录器
func NewRecorder(
	opts Options,
	locationProvider provider.LocationProvider,
	battery provider.BatterySource,
	locations *repository.LocationRepository,
	session *models.SessionState,
	schedule func(fn func()),
	emit func(ev models.Event),
	logger *zap.Logger,
) *Recorder {
	return &Recorder{
		logger:       logger,
		opts:         opts,
		provider:     locationProvider,
		battery:      battery,
		locations:    locations,
		session:      session,
		schedule:     schedule,
		emit:         emit,
		lastActivity: models.Activity{Type: "unknown", Confidence: 100},
		watchers:     make(map[string]func(fix models.Fix)),
	}
}

// SetActivity 更新最近的活动识别结果（记录时随样本快照）
func (r *Recorder) SetActivity(activity models.Activity) {
	r.lastActivity = activity
}

// LastKnown 最后一条保留样本（可能为 nil）
func (r *Recorder) LastKnown() *models.LocationSample {
	return r.lastKept
}

// HandleFix 处理一条原始采样
//
// 返回保留的样本；被过滤丢弃时返回 (nil, nil)。丢弃的采样仍会投递给
// 全部位置订阅（订阅收到每条原始采样，不过滤）。
func (r *Recorder) HandleFix(ctx context.Context, fix models.Fix, origin string) (*models.LocationSample, error) {
	for _, deliver := range r.watchers {
		deliver(fix)
	}

	distance := 0.0
	if r.lastKept != nil {
		distance = geo.Distance(
			r.lastKept.Coords.Latitude, r.lastKept.Coords.Longitude,
			fix.Coords.Latitude, fix.Coords.Longitude,
		)

		effective := r.effectiveFilter(fix.Coords.Speed)
		if distance < effective && !r.opts.AllowIdenticalLocations {
			r.logger.Debug("Fix below distance filter, discarded",
				zap.Float64("distance", distance),
				zap.Float64("effective_filter", effective),
			)
			return nil, nil
		}
	}

	// 里程只随保留样本单调累计
	r.session.Odometer += distance
	r.session.LastFixAt = fix.Timestamp

	sample := &models.LocationSample{
		UUID:      uuid.New().String(),
		Timestamp: fix.Timestamp,
		Coords:    fix.Coords,
		IsMoving:  r.session.IsMoving,
		Odometer:  r.session.Odometer,
		Activity:  r.lastActivity,
		Battery:   r.battery.Battery(),
		Event:     origin,
		CreatedAt: time.Now(),
	}

	if err := r.locations.InsertOrReplace(ctx, sample); err != nil {
		// 存储失败只丢这一条记录，引擎继续运行
		r.logger.Error("Failed to persist location sample",
			zap.String("uuid", sample.UUID),
			zap.Error(err),
		)
		return nil, err
	}

	r.lastKept = sample

	r.logger.Debug("Location sample recorded",
		zap.String("uuid", sample.UUID),
		zap.String("event", origin),
		zap.Float64("distance", distance),
		zap.Float64("odometer", r.session.Odometer),
	)
	return sample, nil
}

// InsertManual 持久化一条手动样本（origin=manual，不参与过滤与里程）
func (r *Recorder) InsertManual(ctx context.Context, fix models.Fix, extras map[string]any) (*models.LocationSample, error) {
	sample := &models.LocationSample{
		UUID:      uuid.New().String(),
		Timestamp: fix.Timestamp,
		Coords:    fix.Coords,
		IsMoving:  r.session.IsMoving,
		Odometer:  r.session.Odometer,
		Activity:  r.lastActivity,
		Battery:   r.battery.Battery(),
		Event:     models.EventManual,
		Extras:    extras,
		CreatedAt: time.Now(),
	}
	if err := r.locations.InsertOrReplace(ctx, sample); err != nil {
		return nil, err
	}
	return sample, nil
}

// effectiveFilter 计算当前生效的最小记录间距
//
// 弹性过滤按 5 m/s 档位放大间距：高速时样本更稀疏，接近步行速度
// （< 5 m/s）时退回原始间距。结果对速度单调不减。
func (r *Recorder) effectiveFilter(speed float64) float64 {
	df := r.opts.DistanceFilter
	if r.opts.DisableElasticity || r.opts.ElasticityMultiplier < 1 {
		return df
	}

	rounded := math.Round(speed / 5.0)
	if rounded < 1 {
		return df
	}

	scaled := df * rounded * r.opts.ElasticityMultiplier
	ceiling := df * r.opts.ElasticityMultiplier * 10
	if scaled > ceiling {
		scaled = ceiling
	}
	return scaled
}

// Resume 恢复连续定位订阅（分类器判定 Moving 时调用）
func (r *Recorder) Resume() error {
	accuracy := r.opts.DesiredAccuracy
	if r.highAccuracy {
		accuracy = "high"
	}
	return r.provider.Start(provider.ContinuousOptions{
		Accuracy:    accuracy,
		MinDistance: r.opts.DistanceFilter,
	})
}

// Suspend 挂起连续定位订阅（分类器判定 Stationary 时调用）
func (r *Recorder) Suspend() error {
	return r.provider.Stop()
}

// CurrentPosition 单次定位请求
//
// 独立于过滤器：由下一条采样满足，不影响里程，不持久化。
func (r *Recorder) CurrentPosition(ctx context.Context) (*models.Fix, error) {
	return r.provider.SingleFix(ctx, r.opts.LocationTimeout)
}

// Watch 注册位置订阅，订阅方收到每条原始采样（不过滤）
func (r *Recorder) Watch(id string, deliver func(fix models.Fix)) {
	r.watchers[id] = deliver
}

// ClearWatch 取消单个订阅
func (r *Recorder) ClearWatch(id string) {
	delete(r.watchers, id)
}

// ClearAllWatches 取消全部订阅
func (r *Recorder) ClearAllWatches() {
	r.watchers = make(map[string]func(fix models.Fix))
}

// SetHighAccuracy 围栏高精度模式钩子：提升/恢复精度档位
func (r *Recorder) SetHighAccuracy(enabled bool) {
	if r.highAccuracy == enabled {
		return
	}
	r.highAccuracy = enabled

	tier := r.opts.DesiredAccuracy
	if enabled {
		tier = "high"
	}
	if err := r.provider.SetAccuracy(tier); err != nil {
		r.logger.Warn("Failed to adjust accuracy tier",
			zap.String("tier", tier),
			zap.Error(err),
		)
	}
}

// StartHeartbeat 启动心跳定时器
//
// 心跳与采样到达解耦：固定间隔重发最后已知样本，不触碰过滤状态。
func (r *Recorder) StartHeartbeat() {
	if r.opts.HeartbeatInterval <= 0 || r.hbStop != nil {
		return
	}

	stop := make(chan struct{})
	r.hbStop = stop

	go func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.schedule(func() {
					r.emit(models.HeartbeatEvent{Sample: r.lastKept})
				})
			}
		}
	}()
}

// StopHeartbeat 停止心跳定时器
func (r *Recorder) StopHeartbeat() {
	if r.hbStop != nil {
		close(r.hbStop)
		r.hbStop = nil
	}
}

// Reset 清除过滤状态（停止跟踪时调用）
func (r *Recorder) Reset() {
	r.lastKept = nil
}
