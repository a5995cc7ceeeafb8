package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"geotrail/internal/models"
	"geotrail/internal/mqtt"
)

// 设备数据主题（相对前缀）
const (
	topicFix      = "device/fix"
	topicActivity = "device/activity"
	topicStep     = "device/step"
	topicStatus   = "device/status"
	topicAccuracy = "cmd/accuracy"
)

// deviceStatus 设备状态上报载荷
type deviceStatus struct {
	Available        bool           `json:"available"`
	PermissionDenied bool           `json:"permission_denied"`
	Battery          models.Battery `json:"battery"`
}

// MQTTProvider 通过 MQTT 主题接入设备定位与活动数据
//
// 设备端发布：
//
//	{prefix}/device/fix      models.Fix JSON
//	{prefix}/device/activity models.Activity JSON
//	{prefix}/device/step     空载荷脉冲
//	{prefix}/device/status   deviceStatus JSON
//
// 引擎端发布 {prefix}/cmd/accuracy 调整设备定位精度档位。
// 同时实现 LocationProvider、ActivityProvider、BatterySource。
type MQTTProvider struct {
	client *mqtt.Client
	prefix string
	logger *zap.Logger

	mu            sync.Mutex
	running       bool // 连续订阅是否开启
	fixHandler    FixHandler
	statusHandler StatusHandler
	activityFn    ActivityHandler
	stepFn        StepHandler
	battery       models.Battery
	available     bool
	permDenied    bool
	singleWaiters []chan singleResult
}

// singleResult 单次定位请求的结果，权限拒绝会提前终止未决请求
type singleResult struct {
	fix models.Fix
	err error
}

// NewMQTTProvider 创建 MQTT 定位源适配器并订阅设备主题
func NewMQTTProvider(client *mqtt.Client, prefix string, logger *zap.Logger) (*MQTTProvider, error) {
	p := &MQTTProvider{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		available: true,
		battery:   models.Battery{Level: 1.0},
	}

	// fix 与 status 主题常驻订阅：单次定位和可用性信号不依赖连续跟踪
	if err := client.Subscribe(p.topic(topicFix), 1, p.handleFix); err != nil {
		return nil, err
	}
	if err := client.Subscribe(p.topic(topicStatus), 1, p.handleStatus); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *MQTTProvider) topic(suffix string) string {
	return p.prefix + "/" + suffix
}

// OnFix 实现 LocationProvider
func (p *MQTTProvider) OnFix(handler FixHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixHandler = handler
}

// OnStatus 实现 LocationProvider
func (p *MQTTProvider) OnStatus(handler StatusHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusHandler = handler
}

// Start 开启连续定位（打开转发开关并下发精度档位）
func (p *MQTTProvider) Start(opts ContinuousOptions) error {
	p.mu.Lock()
	denied := p.permDenied
	p.running = !denied
	p.mu.Unlock()

	if denied {
		return ErrPermissionDenied
	}

	if err := p.SetAccuracy(opts.Accuracy); err != nil {
		p.logger.Warn("Failed to push accuracy tier to device", zap.Error(err))
	}

	p.logger.Info("Continuous updates started",
		zap.String("accuracy", opts.Accuracy),
		zap.Duration("min_interval", opts.MinInterval),
		zap.Float64("min_distance", opts.MinDistance),
	)
	return nil
}

// Stop 关闭连续定位转发
func (p *MQTTProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	return nil
}

// SingleFix 等待下一条设备采样
func (p *MQTTProvider) SingleFix(ctx context.Context, timeout time.Duration) (*models.Fix, error) {
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
		p.removeWaiter(waiter)
		return nil, ErrTimeout
	case <-ctx.Done():
		p.removeWaiter(waiter)
		return nil, ctx.Err()
	}
}

// CancelSingles 终止全部未决单次请求
func (p *MQTTProvider) CancelSingles() {
	p.mu.Lock()
	waiters := p.singleWaiters
	p.singleWaiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- singleResult{err: ErrRequestCancelled}
	}
}

// SetAccuracy 下发精度档位命令
func (p *MQTTProvider) SetAccuracy(tier string) error {
	payload, _ := json.Marshal(map[string]string{"accuracy": tier})
	return p.client.Publish(p.topic(topicAccuracy), 1, false, payload)
}

// OnActivity 实现 ActivityProvider
func (p *MQTTProvider) OnActivity(handler ActivityHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activityFn = handler
}

// OnStep 实现 ActivityProvider
func (p *MQTTProvider) OnStep(handler StepHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepFn = handler
}

// Subscribe 订阅活动与计步主题
func (p *MQTTProvider) Subscribe() error {
	if err := p.client.Subscribe(p.topic(topicActivity), 1, p.handleActivity); err != nil {
		return err
	}
	if err := p.client.Subscribe(p.topic(topicStep), 0, p.handleStep); err != nil {
		return err
	}
	return nil
}

// Unsubscribe 取消活动与计步订阅
func (p *MQTTProvider) Unsubscribe() error {
	return p.client.Unsubscribe(p.topic(topicActivity), p.topic(topicStep))
}

// Battery 实现 BatterySource（最近一次设备状态上报的快照）
func (p *MQTTProvider) Battery() models.Battery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.battery
}

// Close 取消全部订阅
func (p *MQTTProvider) Close() error {
	return p.client.Unsubscribe(
		p.topic(topicFix),
		p.topic(topicStatus),
		p.topic(topicActivity),
		p.topic(topicStep),
	)
}

func (p *MQTTProvider) handleFix(topic string, payload []byte) error {
	var fix models.Fix
	if err := json.Unmarshal(payload, &fix); err != nil {
		return fmt.Errorf("failed to unmarshal fix: %w", err)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}

	p.mu.Lock()
	handler := p.fixHandler
	running := p.running
	waiters := p.singleWaiters
	p.singleWaiters = nil
	p.mu.Unlock()

	// 未决单次请求由下一条采样满足
	for _, w := range waiters {
		w <- singleResult{fix: fix}
	}

	if running && handler != nil {
		handler(fix)
	}
	return nil
}

func (p *MQTTProvider) handleStatus(topic string, payload []byte) error {
	var status deviceStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("failed to unmarshal device status: %w", err)
	}

	p.mu.Lock()
	p.available = status.Available
	p.permDenied = status.PermissionDenied
	p.battery = status.Battery
	handler := p.statusHandler
	var waiters []chan singleResult
	if status.PermissionDenied {
		// 权限被收回，未决单次请求立即失败
		waiters = p.singleWaiters
		p.singleWaiters = nil
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w <- singleResult{err: ErrPermissionDenied}
	}

	if handler != nil {
		handler(status.Available, status.PermissionDenied)
	}
	return nil
}

func (p *MQTTProvider) handleActivity(topic string, payload []byte) error {
	var activity models.Activity
	if err := json.Unmarshal(payload, &activity); err != nil {
		return fmt.Errorf("failed to unmarshal activity: %w", err)
	}

	p.mu.Lock()
	handler := p.activityFn
	p.mu.Unlock()

	if handler != nil {
		handler(activity)
	}
	return nil
}

func (p *MQTTProvider) handleStep(topic string, payload []byte) error {
	p.mu.Lock()
	handler := p.stepFn
	p.mu.Unlock()

	if handler != nil {
		handler()
	}
	return nil
}

func (p *MQTTProvider) removeWaiter(waiter chan singleResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.singleWaiters {
		if w == waiter {
			p.singleWaiters = append(p.singleWaiters[:i], p.singleWaiters[i+1:]...)
			return
		}
	}
}
