package provider

import (
	"context"
	"sync"
	"time"

	"geotrail/internal/models"
)

// ReplayProvider 脚本化定位源
//
// 开发与测试用适配器：调用方通过 Emit* 方法注入采样，接口行为与真实
// 适配器一致（转发开关、单次请求、可用性信号）。
type ReplayProvider struct {
	mu            sync.Mutex
	running       bool
	available     bool
	permDenied    bool
	battery       models.Battery
	accuracy      string
	interval      time.Duration
	fixHandler    FixHandler
	statusHandler StatusHandler
	activityFn    ActivityHandler
	stepFn        StepHandler
	singleWaiters []chan singleResult
}

// NewReplayProvider 创建回放定位源
func NewReplayProvider() *ReplayProvider {
	return &ReplayProvider{
		available: true,
		battery:   models.Battery{Level: 1.0},
	}
}

// OnFix 实现 LocationProvider
func (p *ReplayProvider) OnFix(handler FixHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixHandler = handler
}

// OnStatus 实现 LocationProvider
func (p *ReplayProvider) OnStatus(handler StatusHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusHandler = handler
}

// Start 实现 LocationProvider
func (p *ReplayProvider) Start(opts ContinuousOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permDenied {
		return ErrPermissionDenied
	}
	p.running = true
	p.accuracy = opts.Accuracy
	p.interval = opts.MinInterval
	return nil
}

// Stop 实现 LocationProvider
func (p *ReplayProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

// SingleFix 实现 LocationProvider
func (p *ReplayProvider) SingleFix(ctx context.Context, timeout time.Duration) (*models.Fix, error) {
	p.mu.Lock()
	if p.permDenied {
		p.mu.Unlock()
		return nil, ErrPermissionDenied
	}
	if !p.available {
		p.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	waiter := make(chan singleResult, 1)
	p.singleWaiters = append(p.singleWaiters, waiter)
	p.mu.Unlock()

	select {
	case res := <-waiter:
		if res.err != nil {
			return nil, res.err
		}
		return &res.fix, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelSingles 实现 LocationProvider
func (p *ReplayProvider) CancelSingles() {
	p.mu.Lock()
	waiters := p.singleWaiters
	p.singleWaiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- singleResult{err: ErrRequestCancelled}
	}
}

// SetAccuracy 实现 LocationProvider
func (p *ReplayProvider) SetAccuracy(tier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accuracy = tier
	return nil
}

// Accuracy 返回当前精度档位（测试断言用）
func (p *ReplayProvider) Accuracy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accuracy
}

// Interval 返回当前订阅的最小上报间隔（测试断言用）
func (p *ReplayProvider) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Running 返回连续订阅是否开启（测试断言用）
func (p *ReplayProvider) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// OnActivity 实现 ActivityProvider
func (p *ReplayProvider) OnActivity(handler ActivityHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activityFn = handler
}

// OnStep 实现 ActivityProvider
func (p *ReplayProvider) OnStep(handler StepHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepFn = handler
}

// Subscribe 实现 ActivityProvider
func (p *ReplayProvider) Subscribe() error { return nil }

// Unsubscribe 实现 ActivityProvider
func (p *ReplayProvider) Unsubscribe() error { return nil }

// Battery 实现 BatterySource
func (p *ReplayProvider) Battery() models.Battery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.battery
}

// EmitFix 注入一条定位采样
func (p *ReplayProvider) EmitFix(fix models.Fix) {
	p.mu.Lock()
	handler := p.fixHandler
	running := p.running
	waiters := p.singleWaiters
	p.singleWaiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- singleResult{fix: fix}
	}
	if running && handler != nil {
		handler(fix)
	}
}

// EmitActivity 注入一条活动识别结果
func (p *ReplayProvider) EmitActivity(activity models.Activity) {
	p.mu.Lock()
	handler := p.activityFn
	p.mu.Unlock()
	if handler != nil {
		handler(activity)
	}
}

// EmitStep 注入一次计步脉冲
func (p *ReplayProvider) EmitStep() {
	p.mu.Lock()
	handler := p.stepFn
	p.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// EmitStatus 注入一次可用性变化（权限拒绝会终止未决单次请求）
func (p *ReplayProvider) EmitStatus(available, permissionDenied bool) {
	p.mu.Lock()
	p.available = available
	p.permDenied = permissionDenied
	handler := p.statusHandler
	var waiters []chan singleResult
	if permissionDenied {
		waiters = p.singleWaiters
		p.singleWaiters = nil
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w <- singleResult{err: ErrPermissionDenied}
	}
	if handler != nil {
		handler(available, permissionDenied)
	}
}

// SetBattery 设置电池快照
func (p *ReplayProvider) SetBattery(b models.Battery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.battery = b
}
