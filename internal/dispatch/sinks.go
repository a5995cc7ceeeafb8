package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"geotrail/internal/models"
	"geotrail/internal/mqtt"
	"geotrail/internal/repository"
)

// LogSink 将引擎事件落入进程日志和持久化日志表
type LogSink struct {
	logs   *repository.LogRepository
	logger *zap.Logger
}

// NewLogSink 创建日志接收端
func NewLogSink(logs *repository.LogRepository, logger *zap.Logger) *LogSink {
	return &LogSink{
		logs:   logs,
		logger: logger,
	}
}

// Deliver 实现 Sink
func (s *LogSink) Deliver(ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte("{}")
	}

	s.logger.Debug("Engine event",
		zap.String("event", ev.EventName()),
		zap.ByteString("payload", payload),
	)

	level := "info"
	if httpEv, ok := ev.(models.HTTPEvent); ok && !httpEv.Success {
		level = "warn"
	}

	entry := &models.LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   string(payload),
		Tag:       ev.EventName(),
	}
	if err := s.logs.Append(context.Background(), entry); err != nil {
		// 存储失败只影响这一行日志
		s.logger.Warn("Failed to persist log entry",
			zap.String("event", ev.EventName()),
			zap.Error(err),
		)
	}
}

// MQTTSink 将引擎事件以 JSON 发布到 MQTT 主题
// 主题格式: {prefix}/events/{event}
type MQTTSink struct {
	client *mqtt.Client
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewMQTTSink 创建 MQTT 接收端
func NewMQTTSink(client *mqtt.Client, prefix string, qos byte, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		prefix: prefix,
		qos:    qos,
		logger: logger,
	}
}

// Deliver 实现 Sink
func (s *MQTTSink) Deliver(ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to marshal event",
			zap.String("event", ev.EventName()),
			zap.Error(err),
		)
		return
	}

	topic := s.prefix + "/events/" + ev.EventName()
	if err := s.client.Publish(topic, s.qos, false, payload); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}
