// Package motion 实现运动状态分类器
//
// 消费活动识别与计步信号，在滞后（hysteresis）约束下判定设备处于
// 移动还是静止，并据此命令记录器恢复/挂起连续定位。
package motion

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"geotrail/internal/models"
)

// State 分类器状态
type State int

const (
	Stationary        State = iota // 静止
	PendingMoving                  // 收到运动信号，等待触发延迟
	Moving                         // 移动
	PendingStationary              // 收到静止信号，等待停止超时
)

func (s State) String() string {
	switch s {
	case Stationary:
		return "stationary"
	case PendingMoving:
		return "pending_moving"
	case Moving:
		return "moving"
	case PendingStationary:
		return "pending_stationary"
	}
	return "unknown"
}

// 默认的运动活动类型集合（未配置允许列表时生效）
var movementLabels = map[string]bool{
	"walking":    true,
	"running":    true,
	"on_foot":    true,
	"on_bicycle": true,
	"in_vehicle": true,
}

// Options 分类器参数
type Options struct {
	MinimumConfidence    int           // 置信度下限（0-100）
	TriggerDelay         time.Duration // Stationary -> Moving 滞后
	StopTimeout          time.Duration // Moving -> Stationary 滞后
	DisableStopDetection bool          // 禁用自动静止判定
	TriggerActivities    []string      // 允许触发运动的活动类型，空表示不限
}

// Classifier 运动状态分类器
//
// 状态变更通过 onChange 回调通知；回调方负责把处理入队到引擎的
// 序列化队列，这里不做任何 I/O。
type Classifier struct {
	logger   *zap.Logger
	opts     Options
	allowed  map[string]bool // nil 表示接受所有运动类型
	onChange func(moving bool)

	mu       sync.Mutex
	state    State
	timer    *time.Timer
	degraded bool // 活动传感器不可用，固定为 Moving
}

// NewClassifier 创建分类器（初始状态 Stationary）
func NewClassifier(opts Options, onChange func(moving bool), logger *zap.Logger) *Classifier {
	var allowed map[string]bool
	if len(opts.TriggerActivities) > 0 {
		allowed = make(map[string]bool, len(opts.TriggerActivities))
		for _, a := range opts.TriggerActivities {
			allowed[a] = true
		}
	}
	return &Classifier{
		logger:   logger,
		opts:     opts,
		allowed:  allowed,
		onChange: onChange,
		state:    Stationary,
	}
}

// State 当前状态
func (c *Classifier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsMoving 当前是否处于移动（Pending 状态按其来源状态计）
func (c *Classifier) IsMoving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Moving || c.state == PendingStationary
}

// OnActivity 处理一条活动识别结果
func (c *Classifier) OnActivity(activity models.Activity) {
	c.mu.Lock()

	if c.degraded {
		c.mu.Unlock()
		return
	}

	movement := c.isMovementSignal(activity)
	still := activity.Type == "still" && activity.Confidence >= c.opts.MinimumConfidence

	var notify *bool

	switch c.state {
	case Stationary:
		if movement {
			if c.opts.TriggerDelay <= 0 {
				notify = c.toMovingLocked()
			} else {
				c.state = PendingMoving
				c.startTimerLocked(c.opts.TriggerDelay, c.fireMoving)
				c.logger.Debug("Motion trigger delay started",
					zap.Duration("delay", c.opts.TriggerDelay),
					zap.String("activity", activity.Type),
				)
			}
		}
	case PendingMoving:
		if still {
			// 触发延迟内出现静止信号，回到 Stationary
			c.cancelTimerLocked()
			c.state = Stationary
			c.logger.Debug("Motion trigger cancelled by stillness")
		}
	case Moving:
		if still && !c.opts.DisableStopDetection {
			c.state = PendingStationary
			c.startTimerLocked(c.opts.StopTimeout, c.fireStationary)
			c.logger.Debug("Stop timeout started",
				zap.Duration("timeout", c.opts.StopTimeout),
			)
		}
	case PendingStationary:
		if movement {
			c.cancelTimerLocked()
			c.state = Moving
			c.logger.Debug("Stop timeout cancelled by movement")
		}
	}

	c.mu.Unlock()
	c.notify(notify)
}

// OnStep 处理一次计步脉冲（等价于高置信度的步行信号）
func (c *Classifier) OnStep() {
	c.OnActivity(models.Activity{Type: "on_foot", Confidence: 100})
}

// ChangePace 外部显式覆盖运动状态（取消所有滞后定时器）
func (c *Classifier) ChangePace(moving bool) {
	c.mu.Lock()
	c.cancelTimerLocked()

	var notify *bool
	wasMoving := c.state == Moving || c.state == PendingStationary
	if moving {
		c.state = Moving
	} else {
		c.state = Stationary
	}
	if wasMoving != moving {
		notify = &moving
	}
	c.mu.Unlock()

	c.notify(notify)
}

// SetUnavailable 活动传感器不可用时降级为永久 Moving
// 这是文档化行为而不是错误：没有运动信号时宁可持续记录
func (c *Classifier) SetUnavailable() {
	c.mu.Lock()
	c.degraded = true
	c.cancelTimerLocked()

	var notify *bool
	if c.state != Moving && c.state != PendingStationary {
		notify = c.toMovingLocked()
	} else {
		c.state = Moving
	}
	c.mu.Unlock()

	c.logger.Warn("Activity sensor unavailable, degrading to permanently moving")
	c.notify(notify)
}

// Stop 取消滞后定时器（引擎停止时调用）
func (c *Classifier) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked()
}

func (c *Classifier) isMovementSignal(activity models.Activity) bool {
	if activity.Confidence < c.opts.MinimumConfidence {
		return false
	}
	if !movementLabels[activity.Type] {
		return false
	}
	if c.allowed != nil && !c.allowed[activity.Type] {
		return false
	}
	return true
}

// toMovingLocked 进入 Moving，返回需要通知的值（调用方持锁）
func (c *Classifier) toMovingLocked() *bool {
	c.state = Moving
	v := true
	return &v
}

func (c *Classifier) startTimerLocked(d time.Duration, fire func()) {
	c.cancelTimerLocked()
	c.timer = time.AfterFunc(d, fire)
}

func (c *Classifier) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Classifier) fireMoving() {
	c.mu.Lock()
	var notify *bool
	if c.state == PendingMoving {
		c.timer = nil
		notify = c.toMovingLocked()
	}
	c.mu.Unlock()
	c.notify(notify)
}

func (c *Classifier) fireStationary() {
	c.mu.Lock()
	var notify *bool
	if c.state == PendingStationary {
		c.timer = nil
		c.state = Stationary
		v := false
		notify = &v
	}
	c.mu.Unlock()
	c.notify(notify)
}

func (c *Classifier) notify(value *bool) {
	if value == nil || c.onChange == nil {
		return
	}
	c.logger.Info("Motion state changed",
		zap.Bool("is_moving", *value),
	)
	c.onChange(*value)
}
