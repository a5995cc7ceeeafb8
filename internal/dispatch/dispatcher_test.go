package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"geotrail/internal/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Deliver(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) snapshot() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	d := NewDispatcher(16, zap.NewNop())
	sink := &captureSink{}
	d.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	d.Dispatch(models.EnabledChangeEvent{Enabled: true})
	d.Dispatch(models.ConnectivityChangeEvent{Connected: true})
	d.Dispatch(models.HeartbeatEvent{})

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 3
	}, time.Second, 10*time.Millisecond)

	events := sink.snapshot()
	assert.Equal(t, "enabledchange", events[0].EventName())
	assert.Equal(t, "connectivitychange", events[1].EventName())
	assert.Equal(t, "heartbeat", events[2].EventName())

	cancel()
	d.Wait()
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	d := NewDispatcher(16, zap.NewNop())
	sink := &captureSink{}
	d.AddSink(sink)

	for i := 0; i < 5; i++ {
		d.Dispatch(models.HeartbeatEvent{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go d.Run(ctx)
	d.Wait()

	assert.Len(t, sink.snapshot(), 5)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(2, zap.NewNop())
	// 没有运行循环，队列只能容纳 2 个
	d.Dispatch(models.HeartbeatEvent{})
	d.Dispatch(models.HeartbeatEvent{})
	d.Dispatch(models.HeartbeatEvent{}) // 丢弃，不阻塞

	assert.Len(t, d.events, 2)
}
