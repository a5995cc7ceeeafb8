// Package dispatch 负责引擎领域事件的分发
//
// 各组件只产生 models.Event；Dispatcher 在独立协程上按到达顺序投递给
// 已注册的 Sink，组件回调路径永远不会被某个 Sink 的 I/O 阻塞。
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"geotrail/internal/models"
)

// Sink 事件接收端
type Sink interface {
	Deliver(ev models.Event)
}

// Dispatcher 事件分发器
type Dispatcher struct {
	logger *zap.Logger

	mu    sync.RWMutex
	sinks []Sink

	events chan models.Event
	done   chan struct{}
}

// NewDispatcher 创建分发器
// bufferSize 决定分发队列深度，写满时丢弃并计入日志（事件流是尽力投递）
func NewDispatcher(bufferSize int, logger *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Dispatcher{
		logger: logger,
		events: make(chan models.Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// AddSink 注册事件接收端
func (d *Dispatcher) AddSink(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Dispatch 投递一个事件（非阻塞）
func (d *Dispatcher) Dispatch(ev models.Event) {
	select {
	case d.events <- ev:
	default:
		d.logger.Warn("Event queue full, dropping event",
			zap.String("event", ev.EventName()),
		)
	}
}

// Run 启动分发循环，直到上下文取消
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			// 排空剩余事件后退出
			for {
				select {
				case ev := <-d.events:
					d.deliver(ev)
				default:
					return
				}
			}
		case ev := <-d.events:
			d.deliver(ev)
		}
	}
}

// Wait 等待分发循环结束
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) deliver(ev models.Event) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, sink := range sinks {
		sink.Deliver(ev)
	}
}
