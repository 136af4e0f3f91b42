// Package messaging 提供事件投递的传输层抽象
//
// 投递语义为 at-least-once：处理器返回错误时消息不确认，经退避后
// 重投；同一消息在单个消费组内按发布顺序投递。重投有上限，超限
// 消息转入死信，传输层绝不静默丢弃。
package messaging

import (
	"time"
)

// 消息类型常量
const (
	MessageTypeEvent   = "event"
	MessageTypeCommand = "command"
)

// IMessage 消息接口
type IMessage interface {
	// GetID 获取消息ID
	GetID() string

	// GetType 获取消息类型
	GetType() string

	// GetTimestamp 获取时间戳
	GetTimestamp() time.Time

	// GetPayload 获取消息数据
	GetPayload() any

	// GetMetadata 获取元数据
	GetMetadata() map[string]any

	// GetDeliveryCount 获取当前投递次数（首投为 1）
	GetDeliveryCount() int
}

// Message 消息基础实现
type Message struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       any            `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	DeliveryCount int            `json:"delivery_count,omitempty"`
}

// GetID 获取消息ID
func (m *Message) GetID() string {
	return m.ID
}

// GetType 获取消息类型
func (m *Message) GetType() string {
	return m.Type
}

// GetTimestamp 获取时间戳
func (m *Message) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetPayload 获取消息数据
func (m *Message) GetPayload() any {
	return m.Payload
}

// GetMetadata 获取元数据
func (m *Message) GetMetadata() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// GetDeliveryCount 获取当前投递次数
func (m *Message) GetDeliveryCount() int {
	if m.DeliveryCount <= 0 {
		return 1
	}
	return m.DeliveryCount
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// NewMessage 创建新消息
func NewMessage(messageID, messageType string, data any) *Message {
	return &Message{
		ID:        messageID,
		Type:      messageType,
		Timestamp: time.Now(),
		Payload:   data,
		Metadata:  make(map[string]any),
	}
}
