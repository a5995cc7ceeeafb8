package motion

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotrail/internal/models"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []bool
}

func (r *changeRecorder) record(moving bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, moving)
}

func (r *changeRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.changes))
	copy(out, r.changes)
	return out
}

func newClassifier(opts Options, rec *changeRecorder) *Classifier {
	return NewClassifier(opts, rec.record, zap.NewNop())
}

func TestZeroDelay_ImmediateTransition(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{MinimumConfidence: 75}, rec)

	c.OnActivity(models.Activity{Type: "walking", Confidence: 80})

	assert.Equal(t, Moving, c.State())
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestConfidenceBelowMinimumIgnored(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{MinimumConfidence: 75}, rec)

	c.OnActivity(models.Activity{Type: "walking", Confidence: 74})

	assert.Equal(t, Stationary, c.State())
	assert.Empty(t, rec.snapshot())
}

func TestHysteresis_ShortSignalDoesNotFlip(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{
		MinimumConfidence: 75,
		TriggerDelay:      80 * time.Millisecond,
	}, rec)

	c.OnActivity(models.Activity{Type: "walking", Confidence: 90})
	assert.Equal(t, PendingMoving, c.State())

	// 触发延迟内的静止信号取消转移
	c.OnActivity(models.Activity{Type: "still", Confidence: 90})
	assert.Equal(t, Stationary, c.State())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, Stationary, c.State())
	assert.Empty(t, rec.snapshot())
}

func TestHysteresis_DelayedTransitionFires(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{
		MinimumConfidence: 75,
		TriggerDelay:      30 * time.Millisecond,
	}, rec)

	c.OnActivity(models.Activity{Type: "running", Confidence: 90})
	assert.Equal(t, PendingMoving, c.State())

	require.Eventually(t, func() bool {
		return c.State() == Moving
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestStopTimeout_MovingToStationary(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{
		MinimumConfidence: 75,
		StopTimeout:       30 * time.Millisecond,
	}, rec)

	c.OnActivity(models.Activity{Type: "walking", Confidence: 90})
	require.Equal(t, Moving, c.State())

	c.OnActivity(models.Activity{Type: "still", Confidence: 90})
	assert.Equal(t, PendingStationary, c.State())

	require.Eventually(t, func() bool {
		return c.State() == Stationary
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestStopTimeout_CancelledByMovement(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{
		MinimumConfidence: 75,
		StopTimeout:       50 * time.Millisecond,
	}, rec)

	c.OnActivity(models.Activity{Type: "walking", Confidence: 90})
	c.OnActivity(models.Activity{Type: "still", Confidence: 90})
	require.Equal(t, PendingStationary, c.State())

	c.OnActivity(models.Activity{Type: "walking", Confidence: 90})
	assert.Equal(t, Moving, c.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, Moving, c.State())
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestDisableStopDetection(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{
		MinimumConfidence:    75,
		StopTimeout:          10 * time.Millisecond,
		DisableStopDetection: true,
	}, rec)

	c.OnActivity(models.Activity{Type: "walking", Confidence: 90})
	c.OnActivity(models.Activity{Type: "still", Confidence: 90})

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, Moving, c.State())

	// 只有显式 pace 变更能反转
	c.ChangePace(false)
	assert.Equal(t, Stationary, c.State())
	assert.Equal(t, []bool{true, false}, rec.snapshot())
}

func TestActivityAllowList(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{
		MinimumConfidence: 75,
		TriggerActivities: []string{"walking"},
	}, rec)

	// 不在允许列表中的运动类型不触发
	c.OnActivity(models.Activity{Type: "in_vehicle", Confidence: 95})
	assert.Equal(t, Stationary, c.State())

	c.OnActivity(models.Activity{Type: "walking", Confidence: 95})
	assert.Equal(t, Moving, c.State())
}

func TestStepPulseActsAsMovement(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{MinimumConfidence: 75}, rec)

	c.OnStep()
	assert.Equal(t, Moving, c.State())
}

func TestSensorUnavailable_DegradesToMoving(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{MinimumConfidence: 75}, rec)

	c.SetUnavailable()
	assert.Equal(t, Moving, c.State())

	// 降级后的静止信号不再生效
	c.OnActivity(models.Activity{Type: "still", Confidence: 100})
	assert.Equal(t, Moving, c.State())
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestChangePace_NoNotifyWhenUnchanged(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{MinimumConfidence: 75}, rec)

	c.ChangePace(false)
	assert.Empty(t, rec.snapshot())

	c.ChangePace(true)
	c.ChangePace(true)
	assert.Equal(t, []bool{true}, rec.snapshot())
}

func TestStop_CancelsPendingTimer(t *testing.T) {
	rec := &changeRecorder{}
	c := newClassifier(Options{
		MinimumConfidence: 75,
		StopTimeout:       30 * time.Millisecond,
	}, rec)

	c.OnActivity(models.Activity{Type: "walking", Confidence: 90})
	c.OnActivity(models.Activity{Type: "still", Confidence: 90})
	require.Equal(t, PendingStationary, c.State())

	c.Stop()

	// the armed stop timeout must not fire after Stop
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.snapshot())
}
