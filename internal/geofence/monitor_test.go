package geofence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotrail/internal/models"
	"geotrail/internal/repository"
)

// metersToDegLat converts a north offset in meters to latitude degrees.
func metersToDegLat(m float64) float64 {
	return m / 111320.0
}

type monitorFixture struct {
	monitor  *Monitor
	platform *SoftwareMonitor
	repo     *repository.GeofenceRepository
	last     *models.LocationSample
	highAcc  []bool

	mu     sync.Mutex
	events []models.Event
}

func (f *monitorFixture) record(ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *monitorFixture) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func (f *monitorFixture) eventsOf(name string) []models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, ev := range f.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

func setupMonitor(t *testing.T, opts Options, initialTrigger bool) *monitorFixture {
	t.Helper()

	db, err := repository.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &monitorFixture{
		repo:     repository.NewGeofenceRepository(db, zap.NewNop()),
		platform: NewSoftwareMonitor(initialTrigger, zap.NewNop()),
	}
	f.monitor = NewMonitor(
		opts,
		f.repo,
		f.platform,
		func(fn func()) { fn() },
		f.record,
		func() *models.LocationSample { return f.last },
		func(enabled bool) { f.highAcc = append(f.highAcc, enabled) },
		zap.NewNop(),
	)
	require.NoError(t, f.monitor.Start(context.Background()))
	return f
}

func region(id string, lat, lon, radius float64) *models.GeofenceRegion {
	return &models.GeofenceRegion{
		Identifier:    id,
		Latitude:      lat,
		Longitude:     lon,
		Radius:        radius,
		NotifyOnEntry: true,
		NotifyOnExit:  true,
	}
}

func TestCeiling_NearestSubsetSelected(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	ctx := context.Background()

	// 25 regions in a line heading north, 1km apart, device at the origin
	var regions []*models.GeofenceRegion
	for i := 0; i < 25; i++ {
		regions = append(regions, region(
			fmt.Sprintf("zone-%02d", i),
			metersToDegLat(float64(i)*1000), 0, 100,
		))
	}
	f.monitor.OnFix(ctx, 0, 0)
	require.NoError(t, f.monitor.AddMany(ctx, regions))

	active := f.monitor.ActiveIdentifiers()
	assert.Len(t, active, 20)
	// the 20 nearest are zone-00..zone-19
	for i := 0; i < 20; i++ {
		assert.Contains(t, active, fmt.Sprintf("zone-%02d", i))
	}
	assert.NotContains(t, active, "zone-24")

	all, err := f.monitor.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 25)
}

func TestCeiling_ReselectionOnMovement(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 2}, false)
	ctx := context.Background()

	f.monitor.OnFix(ctx, 0, 0)
	require.NoError(t, f.monitor.AddMany(ctx, []*models.GeofenceRegion{
		region("near-a", metersToDegLat(100), 0, 50),
		region("near-b", metersToDegLat(200), 0, 50),
		region("far-c", metersToDegLat(10000), 0, 50),
	}))
	assert.ElementsMatch(t, []string{"near-a", "near-b"}, f.monitor.ActiveIdentifiers())

	// move next to far-c; subset swaps
	f.reset()
	f.monitor.OnFix(ctx, metersToDegLat(9900), 0)
	assert.Contains(t, f.monitor.ActiveIdentifiers(), "far-c")

	changes := f.eventsOf("geofenceschange")
	require.Len(t, changes, 1)
	change := changes[0].(models.GeofencesChangeEvent)
	assert.Contains(t, change.Activated, "far-c")
	assert.NotEmpty(t, change.Deactivated)
}

func TestChangeEvent_OnlyOnActualChange(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	ctx := context.Background()

	require.NoError(t, f.monitor.Add(ctx, region("home", 1, 1, 100)))
	require.Len(t, f.eventsOf("geofenceschange"), 1)

	// same subset after another fix, no new change event
	f.monitor.OnFix(ctx, 0, 0)
	f.monitor.OnFix(ctx, 0.0001, 0)
	assert.Len(t, f.eventsOf("geofenceschange"), 1)
}

func TestTransitions_EnterThenExit(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	ctx := context.Background()

	r := region("home", 0, 0, 100)
	r.Extras = map[string]any{"floor": "2"}
	require.NoError(t, f.monitor.Add(ctx, r))

	// approach from outside, then enter, then leave
	f.monitor.OnFix(ctx, metersToDegLat(500), 0)
	f.monitor.OnFix(ctx, metersToDegLat(50), 0)
	f.monitor.OnFix(ctx, metersToDegLat(500), 0)

	transitions := f.eventsOf("geofence")
	require.Len(t, transitions, 2)

	enter := transitions[0].(models.GeofenceEvent)
	assert.Equal(t, "home", enter.Identifier)
	assert.Equal(t, models.GeofenceActionEnter, enter.Action)
	assert.Equal(t, "2", enter.Extras["floor"])

	exit := transitions[1].(models.GeofenceEvent)
	assert.Equal(t, models.GeofenceActionExit, exit.Action)
}

func TestTransitions_NotifyFlagsFilter(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	ctx := context.Background()

	r := region("silent-entry", 0, 0, 100)
	r.NotifyOnEntry = false
	require.NoError(t, f.monitor.Add(ctx, r))

	f.monitor.OnFix(ctx, metersToDegLat(500), 0)
	f.monitor.OnFix(ctx, metersToDegLat(50), 0)
	assert.Empty(t, f.eventsOf("geofence"))

	f.monitor.OnFix(ctx, metersToDegLat(500), 0)
	exits := f.eventsOf("geofence")
	require.Len(t, exits, 1)
	assert.Equal(t, models.GeofenceActionExit, exits[0].(models.GeofenceEvent).Action)
}

func TestInitialTriggerEntry_FiresWhenInsideAtRegistration(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20, InitialTriggerEntry: true}, true)
	ctx := context.Background()

	f.monitor.OnFix(ctx, 0, 0)
	require.NoError(t, f.monitor.Add(ctx, region("here", 0, 0, 100)))

	transitions := f.eventsOf("geofence")
	require.Len(t, transitions, 1)
	assert.Equal(t, models.GeofenceActionEnter, transitions[0].(models.GeofenceEvent).Action)
}

func TestInitialTriggerEntry_Disabled_NoSyntheticEnter(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	ctx := context.Background()

	f.monitor.OnFix(ctx, 0, 0)
	require.NoError(t, f.monitor.Add(ctx, region("here", 0, 0, 100)))
	assert.Empty(t, f.eventsOf("geofence"))

	// still inside, no flip, still nothing
	f.monitor.OnFix(ctx, metersToDegLat(10), 0)
	assert.Empty(t, f.eventsOf("geofence"))

	// leave and re-enter, now the flip is real
	f.monitor.OnFix(ctx, metersToDegLat(500), 0)
	f.monitor.OnFix(ctx, 0, 0)
	transitions := f.eventsOf("geofence")
	require.Len(t, transitions, 2)
	assert.Equal(t, models.GeofenceActionExit, transitions[0].(models.GeofenceEvent).Action)
	assert.Equal(t, models.GeofenceActionEnter, transitions[1].(models.GeofenceEvent).Action)
}

func TestKnockout_ExitRemovesRegion(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20, Knockout: true}, false)
	ctx := context.Background()

	require.NoError(t, f.monitor.Add(ctx, region("one-shot", 0, 0, 100)))

	f.monitor.OnFix(ctx, metersToDegLat(500), 0)
	f.monitor.OnFix(ctx, metersToDegLat(50), 0)
	f.monitor.OnFix(ctx, metersToDegLat(500), 0)

	all, err := f.monitor.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.monitor.ActiveIdentifiers())

	// back inside the old circle, nothing fires
	f.monitor.OnFix(ctx, metersToDegLat(50), 0)
	assert.Len(t, f.eventsOf("geofence"), 2)
}

func TestDwell_FiresAfterLoiteringDelay(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	ctx := context.Background()

	r := region("cafe", 0, 0, 100)
	r.NotifyOnDwell = true
	r.LoiteringDelayMs = 50
	require.NoError(t, f.monitor.Add(ctx, r))

	f.monitor.OnFix(ctx, metersToDegLat(500), 0)
	f.monitor.OnFix(ctx, metersToDegLat(50), 0)

	require.Eventually(t, func() bool {
		for _, ev := range f.eventsOf("geofence") {
			if ev.(models.GeofenceEvent).Action == models.GeofenceActionDwell {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestDwell_CancelledByEarlyExit(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	ctx := context.Background()

	r := region("cafe", 0, 0, 100)
	r.NotifyOnDwell = true
	r.LoiteringDelayMs = 100
	require.NoError(t, f.monitor.Add(ctx, r))

	f.monitor.OnFix(ctx, metersToDegLat(500), 0)
	f.monitor.OnFix(ctx, metersToDegLat(50), 0)
	f.monitor.OnFix(ctx, metersToDegLat(500), 0) // leave before the delay elapses

	time.Sleep(200 * time.Millisecond)
	for _, ev := range f.eventsOf("geofence") {
		assert.NotEqual(t, models.GeofenceActionDwell, ev.(models.GeofenceEvent).Action)
	}
}

func TestHighAccuracy_TogglesWithActiveSubset(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20, HighAccuracy: true}, false)
	ctx := context.Background()

	require.NoError(t, f.monitor.Add(ctx, region("home", 0, 0, 100)))
	require.NotEmpty(t, f.highAcc)
	assert.True(t, f.highAcc[len(f.highAcc)-1])

	require.NoError(t, f.monitor.RemoveAll(ctx))
	assert.False(t, f.highAcc[len(f.highAcc)-1])
}

func TestRemove_NotFound(t *testing.T) {
	f := setupMonitor(t, Options{MaxMonitoredRegions: 20}, false)
	err := f.monitor.Remove(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrGeofenceNotFound)
}
