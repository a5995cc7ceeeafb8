// Package uploader 同步引擎
//
// 把未同步的位置记录批量上传到配置的服务端。上传在独立 goroutine 中
// 执行，状态变更与事件通过 schedule 送回引擎序列化队列。
package uploader

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"geotrail/internal/models"
	"geotrail/internal/repository"
)

// Options 同步配置
type Options struct {
	URL               string
	Method            string
	Headers           map[string]string
	Params            map[string]string
	HTTPRootProperty  string // 请求体里承载记录的字段名
	BatchSync         bool   // 为真时一次请求携带一批记录
	MaxBatchSize      int
	AutoSync          bool
	AutoSyncThreshold int
	HTTPTimeout       time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	Order             string // asc / desc
}

// Uploader 同步引擎
//
// 除 flush goroutine 内部外，全部状态只在引擎序列化队列上下文中读写。
type Uploader struct {
	logger    *zap.Logger
	opts      Options
	client    *resty.Client
	locations *repository.LocationRepository

	schedule func(fn func())
	emit     func(ev models.Event)

	connected    bool
	syncing      bool
	pendingRetry bool // 离线或放弃重试时搁置，恢复连通后续传
	stopCh       chan struct{}
}

// NewUploader 创建同步引擎
func NewUploader(
	opts Options,
	locations *repository.LocationRepository,
	schedule func(fn func()),
	emit func(ev models.Event),
	logger *zap.Logger,
) *Uploader {
	if opts.Method == "" {
		opts.Method = "POST"
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 250
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 5 * time.Minute
	}

	client := resty.New().
		SetTimeout(opts.HTTPTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(opts.Headers).
		SetQueryParams(opts.Params)

	return &Uploader{
		logger:    logger,
		opts:      opts,
		client:    client,
		locations: locations,
		schedule:  schedule,
		emit:      emit,
		connected: true,
		stopCh:    make(chan struct{}),
	}
}

// SetConnectivity 更新连通性
//
// 恢复连通且有搁置的同步时自动续传。
func (u *Uploader) SetConnectivity(ctx context.Context, connected bool) {
	if u.connected == connected {
		return
	}
	u.connected = connected
	u.emit(models.ConnectivityChangeEvent{Connected: connected})

	if connected && u.pendingRetry {
		u.pendingRetry = false
		u.Sync(ctx)
	}
}

// MaybeSync 自动同步检查：未同步数达到阈值时触发一次同步
func (u *Uploader) MaybeSync(ctx context.Context) {
	if !u.opts.AutoSync || u.opts.URL == "" {
		return
	}
	threshold := u.opts.AutoSyncThreshold
	if threshold < 1 {
		threshold = 1
	}
	count, err := u.locations.PendingCount(ctx)
	if err != nil {
		u.logger.Warn("Pending count failed", zap.Error(err))
		return
	}
	if count >= threshold {
		u.Sync(ctx)
	}
}

// Sync 触发一次同步
//
// 已有同步在跑或当前离线时不重复启动；离线时记录搁置标记。
func (u *Uploader) Sync(ctx context.Context) {
	if u.opts.URL == "" || u.syncing {
		return
	}
	if !u.connected {
		u.pendingRetry = true
		return
	}

	u.syncing = true
	go u.flush(ctx, u.stopCh)
}

// Stop 取消退避等待中的同步
func (u *Uploader) Stop() {
	close(u.stopCh)
	u.stopCh = make(chan struct{})
}

// Syncing 当前是否有同步在跑
func (u *Uploader) Syncing() bool {
	return u.syncing
}

// flush 逐批上传直到没有未同步记录
func (u *Uploader) flush(ctx context.Context, stop <-chan struct{}) {
	defer u.schedule(func() { u.syncing = false })

	batchSize := 1
	if u.opts.BatchSync {
		batchSize = u.opts.MaxBatchSize
	}

	for {
		batch, err := u.locations.PendingBatch(ctx, batchSize, u.opts.Order)
		if err != nil {
			u.logger.Error("Failed to load pending batch", zap.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}

		ok, retryLater := u.uploadBatch(ctx, batch, stop)
		if !ok {
			if retryLater {
				u.schedule(func() { u.pendingRetry = true })
			}
			return
		}

		ids := make([]string, len(batch))
		for i, sample := range batch {
			ids[i] = sample.UUID
		}
		if err := u.locations.MarkSynced(ctx, ids); err != nil {
			u.logger.Error("Failed to mark batch synced", zap.Error(err))
			return
		}
		u.logger.Info("Batch synced",
			zap.Int("count", len(batch)),
		)
	}
}

// uploadBatch 上传一批记录，带退避重试
//
// 返回 (成功, 是否值得稍后续传)。4xx 视为永久失败不重试；
// 5xx 与传输错误按指数退避重试，超过上限后放弃并搁置。
func (u *Uploader) uploadBatch(ctx context.Context, batch []*models.LocationSample, stop <-chan struct{}) (bool, bool) {
	var body any
	if u.opts.BatchSync {
		body = map[string]any{u.opts.HTTPRootProperty: batch}
	} else {
		body = map[string]any{u.opts.HTTPRootProperty: batch[0]}
	}

	for attempt := 0; ; attempt++ {
		resp, err := u.client.R().
			SetContext(ctx).
			SetBody(body).
			Execute(u.opts.Method, u.opts.URL)

		switch {
		case err == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 300:
			u.emitEvent(models.HTTPEvent{
				Success: true,
				Status:  resp.StatusCode(),
				Count:   len(batch),
			})
			return true, false

		case err == nil && resp.StatusCode() >= 400 && resp.StatusCode() < 500:
			// 服务端明确拒绝，重试无意义
			u.emitEvent(models.HTTPEvent{
				Status: resp.StatusCode(),
				Count:  len(batch),
				Error:  fmt.Sprintf("server rejected upload: %s", resp.Status()),
			})
			u.logger.Error("Upload rejected, giving up",
				zap.Int("status", resp.StatusCode()),
				zap.Int("count", len(batch)),
			)
			return false, false

		default:
			status := 0
			msg := "request failed"
			if err != nil {
				msg = err.Error()
			} else {
				status = resp.StatusCode()
				msg = fmt.Sprintf("server error: %s", resp.Status())
			}
			u.emitEvent(models.HTTPEvent{
				Status: status,
				Count:  len(batch),
				Error:  msg,
			})

			if attempt >= u.opts.MaxRetries {
				u.logger.Warn("Retry ceiling reached, sync suspended",
					zap.Int("attempts", attempt+1),
				)
				return false, true
			}

			delay := u.backoffDelay(attempt)
			u.logger.Info("Upload failed, backing off",
				zap.Int("status", status),
				zap.String("error", msg),
				zap.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-stop:
				return false, true
			case <-ctx.Done():
				return false, true
			}
		}
	}
}

// backoffDelay 指数退避加 ±25% 抖动，封顶 RetryMaxDelay
func (u *Uploader) backoffDelay(attempt int) time.Duration {
	delay := float64(u.opts.RetryBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(u.opts.RetryMaxDelay) {
		delay = float64(u.opts.RetryMaxDelay)
	}
	jittered := delay * (0.75 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// emitEvent 把事件送回序列化队列发布
func (u *Uploader) emitEvent(ev models.Event) {
	u.schedule(func() { u.emit(ev) })
}
