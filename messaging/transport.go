// Package messaging 提供消息传输层抽象
package messaging

import (
	"context"
	"time"
)

// Transport 消息传输接口
type Transport interface {
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Subscribe(messageType string, handler IMessageHandler) error
	Unsubscribe(messageType string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// DeliveryConfig 投递策略
type DeliveryConfig struct {
	// MaxDeliveries 最大投递次数（含首投），超限转死信。默认 5。
	MaxDeliveries int

	// AckWait 处理超时：超时未确认视为失败并重投。默认 30s。
	AckWait time.Duration

	// RetryBackoff 重投前的退避。默认 1s。
	RetryBackoff time.Duration
}

// Normalize 填充缺省投递参数
func (c DeliveryConfig) Normalize() DeliveryConfig {
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	return c
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	MessageTypes []string `json:"message_types"`
	QueueSize    int      `json:"queue_size,omitempty"`
	QueueDepth   int      `json:"queue_depth,omitempty"`
	WorkerCount  int      `json:"worker_count,omitempty"`
	Redelivered  int64    `json:"redelivered,omitempty"`
	DeadLettered int64    `json:"dead_lettered,omitempty"`
}
