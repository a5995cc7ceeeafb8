package geofence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"geotrail/internal/geo"
	"geotrail/internal/models"
	"geotrail/internal/provider"
)

// regionState 单个已注册区域的监控状态
type regionState struct {
	region     *models.GeofenceRegion
	inside     bool
	dwellFired bool
	dwellTimer *time.Timer
}

// SoftwareMonitor 软件围栏监控器
//
// 实现 provider.PlatformMonitor：对注册子集做包含判定，在包含状态翻转时
// 回调转移。没有独立采样源，由上层在每条保留采样后调用 Evaluate。
//
// DWELL 按停留计时：进入后驻留满 LoiteringDelayMs 且仍在区域内时触发，
// 每次驻留最多一次，离开后重新计。
type SoftwareMonitor struct {
	logger *zap.Logger
	mu     sync.Mutex

	regions map[string]*regionState
	handler provider.TransitionHandler

	// 注册时已知的最近位置，用于判定注册瞬间是否已在区域内
	seedLat, seedLon float64
	hasSeed          bool

	initialTriggerEntry bool
}

// NewSoftwareMonitor 创建软件围栏监控器
//
// initialTriggerEntry 为真时，注册瞬间已在区域内的围栏立即触发 ENTER；
// 为假时静默标记在内，等真正的离开/再进入。
func NewSoftwareMonitor(initialTriggerEntry bool, logger *zap.Logger) *SoftwareMonitor {
	return &SoftwareMonitor{
		logger:              logger,
		regions:             make(map[string]*regionState),
		initialTriggerEntry: initialTriggerEntry,
	}
}

// OnTransition 实现 PlatformMonitor
func (m *SoftwareMonitor) OnTransition(handler provider.TransitionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// RegisterRegions 实现 PlatformMonitor
func (m *SoftwareMonitor) RegisterRegions(regions []*models.GeofenceRegion) error {
	m.mu.Lock()
	var initial []models.GeofenceTransition
	for _, region := range regions {
		st := &regionState{region: region}
		if m.hasSeed && geo.Contains(region, m.seedLat, m.seedLon) {
			st.inside = true
			if m.initialTriggerEntry {
				initial = append(initial, models.GeofenceTransition{
					Identifier: region.Identifier,
					Action:     models.GeofenceActionEnter,
					Latitude:   m.seedLat,
					Longitude:  m.seedLon,
				})
				m.startDwellLocked(st)
			}
		}
		m.regions[region.Identifier] = st
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		for _, t := range initial {
			handler(t)
		}
	}
	return nil
}

// UnregisterRegions 实现 PlatformMonitor
func (m *SoftwareMonitor) UnregisterRegions(identifiers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range identifiers {
		if st, ok := m.regions[id]; ok {
			if st.dwellTimer != nil {
				st.dwellTimer.Stop()
			}
			delete(m.regions, id)
		}
	}
	return nil
}

// Evaluate 对一条采样做全部已注册区域的包含判定
func (m *SoftwareMonitor) Evaluate(lat, lon float64) {
	m.mu.Lock()
	m.seedLat, m.seedLon, m.hasSeed = lat, lon, true

	var transitions []models.GeofenceTransition
	for _, st := range m.regions {
		contained := geo.Contains(st.region, lat, lon)
		switch {
		case contained && !st.inside:
			st.inside = true
			st.dwellFired = false
			transitions = append(transitions, models.GeofenceTransition{
				Identifier: st.region.Identifier,
				Action:     models.GeofenceActionEnter,
				Latitude:   lat,
				Longitude:  lon,
			})
			m.startDwellLocked(st)
		case !contained && st.inside:
			st.inside = false
			if st.dwellTimer != nil {
				st.dwellTimer.Stop()
				st.dwellTimer = nil
			}
			transitions = append(transitions, models.GeofenceTransition{
				Identifier: st.region.Identifier,
				Action:     models.GeofenceActionExit,
				Latitude:   lat,
				Longitude:  lon,
			})
		}
	}
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		for _, t := range transitions {
			handler(t)
		}
	}
}

// startDwellLocked 启动驻留计时器，调用方持有 m.mu
func (m *SoftwareMonitor) startDwellLocked(st *regionState) {
	if !st.region.NotifyOnDwell || st.region.LoiteringDelayMs <= 0 {
		return
	}
	region := st.region
	delay := time.Duration(region.LoiteringDelayMs) * time.Millisecond
	st.dwellTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		cur, ok := m.regions[region.Identifier]
		if !ok || !cur.inside || cur.dwellFired {
			m.mu.Unlock()
			return
		}
		cur.dwellFired = true
		lat, lon := m.seedLat, m.seedLon
		handler := m.handler
		m.mu.Unlock()

		if handler != nil {
			handler(models.GeofenceTransition{
				Identifier: region.Identifier,
				Action:     models.GeofenceActionDwell,
				Latitude:   lat,
				Longitude:  lon,
			})
		}
	})
}
