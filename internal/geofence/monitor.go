// Package geofence 地理围栏监控
//
// 完整期望集合保存在存储层，数量不限；平台监控器只承载受上限约束的
// 活跃子集。每条保留采样、每次增删后重新评估子集：按到区域边缘的
// 距离取最近的 N 个注册，其余停摆等待位置靠近。
package geofence

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"geotrail/internal/geo"
	"geotrail/internal/models"
	"geotrail/internal/provider"
	"geotrail/internal/repository"
)

// Options 围栏监控配置
type Options struct {
	MaxMonitoredRegions int  // 平台同时监控的区域上限
	InitialTriggerEntry bool // 注册瞬间已在区域内时立即触发 ENTER
	Knockout            bool // EXIT 后将该围栏从期望集合移除
	HighAccuracy        bool // 有活跃围栏时提升定位精度档位
}

// FixEvaluator 由软件监控器实现：没有独立采样源，需要上层喂入采样
type FixEvaluator interface {
	Evaluate(lat, lon float64)
}

// Monitor 围栏监控器
//
// 所有方法都在引擎序列化队列上下文中调用，内部不再加锁。
// 平台回调通过 schedule 送回队列后才进入 handleTransition。
type Monitor struct {
	logger   *zap.Logger
	opts     Options
	repo     *repository.GeofenceRepository
	platform provider.PlatformMonitor

	schedule        func(fn func())
	emit            func(ev models.Event)
	lastKnown       func() *models.LocationSample
	setHighAccuracy func(enabled bool)

	ctx    context.Context
	active map[string]*models.GeofenceRegion

	hasPos   bool
	lat, lon float64
}

// NewMonitor 创建围栏监控器
func NewMonitor(
	opts Options,
	repo *repository.GeofenceRepository,
	platform provider.PlatformMonitor,
	schedule func(fn func()),
	emit func(ev models.Event),
	lastKnown func() *models.LocationSample,
	setHighAccuracy func(enabled bool),
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		logger:          logger,
		opts:            opts,
		repo:            repo,
		platform:        platform,
		schedule:        schedule,
		emit:            emit,
		lastKnown:       lastKnown,
		setHighAccuracy: setHighAccuracy,
		active:          make(map[string]*models.GeofenceRegion),
	}
}

// Start 加载期望集合并做首次子集评估
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx = ctx

	// 平台回调可能来自任意 goroutine，入队后处理
	m.platform.OnTransition(func(t models.GeofenceTransition) {
		m.schedule(func() {
			m.handleTransition(t)
		})
	})

	if last := m.lastKnown(); last != nil {
		m.hasPos = true
		m.lat = last.Coords.Latitude
		m.lon = last.Coords.Longitude
	}

	if err := m.reselect(ctx); err != nil {
		return fmt.Errorf("initial geofence selection: %w", err)
	}
	return nil
}

// Stop 注销全部活跃区域
func (m *Monitor) Stop() {
	if len(m.active) == 0 {
		return
	}
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	if err := m.platform.UnregisterRegions(ids); err != nil {
		m.logger.Warn("Failed to unregister geofences on stop", zap.Error(err))
	}
	m.active = make(map[string]*models.GeofenceRegion)
	if m.opts.HighAccuracy {
		m.setHighAccuracy(false)
	}
}

// Add 把一个区域加入期望集合并重新评估子集
func (m *Monitor) Add(ctx context.Context, region *models.GeofenceRegion) error {
	if err := m.repo.Upsert(ctx, region); err != nil {
		return err
	}
	return m.reselect(ctx)
}

// AddMany 批量加入，整体一次重新评估
func (m *Monitor) AddMany(ctx context.Context, regions []*models.GeofenceRegion) error {
	for _, region := range regions {
		if err := m.repo.Upsert(ctx, region); err != nil {
			return fmt.Errorf("add geofence %q: %w", region.Identifier, err)
		}
	}
	return m.reselect(ctx)
}

// Remove 把一个区域移出期望集合
func (m *Monitor) Remove(ctx context.Context, identifier string) error {
	if err := m.repo.Delete(ctx, identifier); err != nil {
		return err
	}
	return m.reselect(ctx)
}

// RemoveAll 清空期望集合
func (m *Monitor) RemoveAll(ctx context.Context) error {
	if err := m.repo.DeleteAll(ctx); err != nil {
		return err
	}
	return m.reselect(ctx)
}

// GetAll 返回完整期望集合
func (m *Monitor) GetAll(ctx context.Context) ([]*models.GeofenceRegion, error) {
	return m.repo.GetAll(ctx)
}

// Get 按标识查询单个区域
func (m *Monitor) Get(ctx context.Context, identifier string) (*models.GeofenceRegion, error) {
	return m.repo.Get(ctx, identifier)
}

// ActiveIdentifiers 当前注册在平台上的区域标识（排序后返回）
func (m *Monitor) ActiveIdentifiers() []string {
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnFix 每条保留采样后调用：更新位置、重评子集、喂软件监控器
func (m *Monitor) OnFix(ctx context.Context, lat, lon float64) {
	m.hasPos = true
	m.lat, m.lon = lat, lon

	if err := m.reselect(ctx); err != nil {
		m.logger.Warn("Geofence reselection failed", zap.Error(err))
	}

	if ev, ok := m.platform.(FixEvaluator); ok {
		ev.Evaluate(lat, lon)
	}
}

// reselect 重新评估活跃子集
//
// 1. 期望集合不超过上限：全部注册
// 2. 超过上限且有已知位置：按到边缘距离取最近 N 个
// 3. 超过上限且无位置：按标识排序取前 N 个，保证确定性
// 只有活跃子集实际变化时才发布 geofenceschange 事件。
func (m *Monitor) reselect(ctx context.Context) error {
	all, err := m.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load geofences: %w", err)
	}

	desired := m.selectSubset(all)

	var activated, deactivated []string
	var toRegister []*models.GeofenceRegion
	for id, region := range desired {
		if _, ok := m.active[id]; !ok {
			activated = append(activated, id)
			toRegister = append(toRegister, region)
		}
	}
	for id := range m.active {
		if _, ok := desired[id]; !ok {
			deactivated = append(deactivated, id)
		}
	}

	if len(activated) == 0 && len(deactivated) == 0 {
		m.active = desired
		return nil
	}

	if len(deactivated) > 0 {
		if err := m.platform.UnregisterRegions(deactivated); err != nil {
			return fmt.Errorf("unregister geofences: %w", err)
		}
		for _, id := range deactivated {
			if err := m.repo.SetActive(ctx, id, false); err != nil {
				m.logger.Warn("Failed to clear active flag",
					zap.String("identifier", id), zap.Error(err))
			}
		}
	}
	if len(toRegister) > 0 {
		if err := m.platform.RegisterRegions(toRegister); err != nil {
			return fmt.Errorf("register geofences: %w", err)
		}
		for _, region := range toRegister {
			region.ActiveOnPlatform = true
			if err := m.repo.SetActive(ctx, region.Identifier, true); err != nil {
				m.logger.Warn("Failed to set active flag",
					zap.String("identifier", region.Identifier), zap.Error(err))
			}
		}
	}

	m.active = desired
	sort.Strings(activated)
	sort.Strings(deactivated)
	m.emit(models.GeofencesChangeEvent{
		Activated:   activated,
		Deactivated: deactivated,
	})
	m.logger.Info("Active geofence subset changed",
		zap.Int("desired_total", len(all)),
		zap.Strings("activated", activated),
		zap.Strings("deactivated", deactivated),
	)

	if m.opts.HighAccuracy {
		m.setHighAccuracy(len(m.active) > 0)
	}
	return nil
}

// selectSubset 从完整集合里挑出要注册的子集
func (m *Monitor) selectSubset(all []*models.GeofenceRegion) map[string]*models.GeofenceRegion {
	ceiling := m.opts.MaxMonitoredRegions
	picked := all
	if ceiling > 0 && len(all) > ceiling {
		sorted := make([]*models.GeofenceRegion, len(all))
		copy(sorted, all)
		if m.hasPos {
			sort.Slice(sorted, func(i, j int) bool {
				return m.edgeDistance(sorted[i]) < m.edgeDistance(sorted[j])
			})
		} else {
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i].Identifier < sorted[j].Identifier
			})
		}
		picked = sorted[:ceiling]
	}

	desired := make(map[string]*models.GeofenceRegion, len(picked))
	for _, region := range picked {
		desired[region.Identifier] = region
	}
	return desired
}

// edgeDistance 当前位置到区域边缘的距离，在区域内为负
func (m *Monitor) edgeDistance(region *models.GeofenceRegion) float64 {
	return geo.Distance(m.lat, m.lon, region.Latitude, region.Longitude) - region.Radius
}

// handleTransition 处理一次平台转移回调
func (m *Monitor) handleTransition(t models.GeofenceTransition) {
	region, ok := m.active[t.Identifier]
	if !ok {
		// 注销竞态：停摆区域的迟到回调直接丢弃
		return
	}

	notify := false
	switch t.Action {
	case models.GeofenceActionEnter:
		notify = region.NotifyOnEntry
	case models.GeofenceActionExit:
		notify = region.NotifyOnExit
	case models.GeofenceActionDwell:
		notify = region.NotifyOnDwell
	}

	if notify {
		m.emit(models.GeofenceEvent{
			Identifier: t.Identifier,
			Action:     t.Action,
			Location:   m.lastKnown(),
			Extras:     region.Extras,
		})
		m.logger.Info("Geofence transition",
			zap.String("identifier", t.Identifier),
			zap.String("action", t.Action),
		)
	}

	// 击出模式：EXIT 后整个围栏从期望集合消失，不再回到平台
	if m.opts.Knockout && t.Action == models.GeofenceActionExit {
		ctx := m.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := m.repo.Delete(ctx, t.Identifier); err != nil {
			m.logger.Warn("Knockout delete failed",
				zap.String("identifier", t.Identifier), zap.Error(err))
			return
		}
		if err := m.reselect(ctx); err != nil {
			m.logger.Warn("Reselection after knockout failed", zap.Error(err))
		}
	}
}
