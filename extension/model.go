// Package extension 提供类型化的调用方自定义属性存储（EAV）
//
// 每个值按 (tenant_id, entity_type, entity_id, field_name) 唯一，
// 原始值以文本落库，字段定义记录声明类型与验证规则。行的缺失表示
// "从未设置"，与"显式清除"是两个可区分的操作。
package extension

import (
	"encoding/json"
	"time"

	"bizobj/codec"
	"bizobj/validation"
)

// FieldDefinition 字段定义
//
// 按 (tenant_id, entity_type, field_name) 声明字段类型与验证规则。
// 一旦存在值，类型不可变更：运行时不会自动迁移既有值。
type FieldDefinition struct {
	TenantID   string            `json:"tenant_id"`
	EntityType string            `json:"entity_type"`
	FieldName  string            `json:"field_name"`
	FieldType  codec.FieldType   `json:"field_type"`
	Rules      []validation.Rule `json:"rules,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Value 一条扩展字段值
type Value struct {
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type"`
	EntityID   int64           `json:"entity_id"`
	FieldName  string          `json:"field_name"`
	FieldType  codec.FieldType `json:"field_type"`
	RawValue   string          `json:"raw_value"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// marshalRules 将规则序列化为存储文本
func marshalRules(rules []validation.Rule) (string, error) {
	if len(rules) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalRules 从存储文本还原规则
func unmarshalRules(raw string) ([]validation.Rule, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var rules []validation.Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, err
	}
	return rules, nil
}
