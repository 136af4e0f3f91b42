// Package eventing 提供实体生命周期事件的发布与消费
//
// 发布走 Outbox Pattern：事件信封在实体变更的同一事务内落入
// event_outbox，提交后尽力即时发布；发布失败不影响已提交的变更，
// 由后台 Worker 对账重发。消费侧以 consumer group 为幂等边界，
// 处理过的事件 ID 记入台账，重投的重复事件被静默跳过。
package eventing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bizobj/messaging"
)

// 实体生命周期动作（事件类型为 "{entity_type}.{action}"）
const (
	ActionCreated      = "created"
	ActionUpdated      = "updated"
	ActionDeleted      = "deleted"
	ActionRestored     = "restored"
	ActionFieldSet     = "field_set"
	ActionFieldDeleted = "field_deleted"
)

// Envelope 事件信封
//
// 自描述：消费者无需回查数据库即可拿到租户、实体标识、触发者与
// 变更内容。SchemaVersion 从 1 起，信封结构演进时递增。
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	SchemaVersion int            `json:"schema_version"`
	TenantID      string         `json:"tenant_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      int64          `json:"entity_id"`
	EntityVersion int64          `json:"entity_version"`
	ActorID       string         `json:"actor_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// NewEnvelope 创建事件信封
func NewEnvelope(tenantID, entityType string, entityID, entityVersion int64, action string, payload map[string]any) *Envelope {
	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventType(entityType, action),
		SchemaVersion: 1,
		TenantID:      tenantID,
		EntityType:    entityType,
		EntityID:      entityID,
		EntityVersion: entityVersion,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// EventType 组合事件类型名
func EventType(entityType, action string) string {
	return entityType + "." + action
}

// Validate 校验信封完整性
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("事件ID不能为空")
	}
	if e.EventType == "" {
		return fmt.Errorf("事件类型不能为空")
	}
	if e.TenantID == "" {
		return fmt.Errorf("事件租户不能为空")
	}
	if e.EntityType == "" {
		return fmt.Errorf("实体类型不能为空")
	}
	if e.EntityID == 0 {
		return fmt.Errorf("实体ID不能为空")
	}
	if e.SchemaVersion <= 0 {
		return fmt.Errorf("信封模式版本必须大于0")
	}
	return nil
}

// GetSchemaVersion 获取信封模式版本（缺省视为 1）
func (e *Envelope) GetSchemaVersion() int {
	if e.SchemaVersion <= 0 {
		return 1
	}
	return e.SchemaVersion
}

// ToMessage 转换为传输层消息
func (e *Envelope) ToMessage() *messaging.Message {
	metadata := map[string]any{
		"tenant_id":      e.TenantID,
		"entity_type":    e.EntityType,
		"schema_version": e.GetSchemaVersion(),
	}
	if e.ActorID != "" {
		metadata["actor_id"] = e.ActorID
	}
	if e.CorrelationID != "" {
		metadata["correlation_id"] = e.CorrelationID
	}
	return &messaging.Message{
		ID:        e.EventID,
		Type:      e.EventType,
		Timestamp: e.OccurredAt,
		Payload:   e,
		Metadata:  metadata,
	}
}

// FromMessage 从传输层消息还原信封
func FromMessage(message messaging.IMessage) (*Envelope, error) {
	if env, ok := message.GetPayload().(*Envelope); ok {
		return env, nil
	}
	// 跨进程传输后 payload 为通用 JSON 结构，经编组还原
	raw, err := json.Marshal(message.GetPayload())
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.EventID == "" {
		env.EventID = message.GetID()
	}
	if env.EventType == "" {
		env.EventType = message.GetType()
	}
	return &env, nil
}

// Marshal 序列化信封为存储文本
func (e *Envelope) Marshal() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Unmarshal 从存储文本还原信封
func Unmarshal(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return &env, nil
}
