// Package runtime 提供业务对象的生命周期编排
//
// 一次变更的实体写入、审计记录与事件暂存在同一个工作单元内完成，
// 提交后尽力即时发布事件；发布失败只产生告警，变更本身已经生效。
package runtime

import (
	"encoding/json"
	"strings"
	"time"

	"bizobj/codec"
	"bizobj/errors"
)

// Entity 通用业务实体
//
// 基础字段集中存放在 Fields（JSON 列），类型与必填约束由 TypeConfig
// 声明；扩展字段在 extension 包单独建模。Version 从 1 起，每次
// 成功的实体更新加一。
type Entity struct {
	ID         int64          `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	Version    int64          `json:"version"`
	Fields     map[string]any `json:"fields"`
	CreatedAt  time.Time      `json:"created_at"`
	CreatedBy  string         `json:"created_by"`
	UpdatedAt  time.Time      `json:"updated_at"`
	UpdatedBy  string         `json:"updated_by"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy  *string        `json:"deleted_by,omitempty"`
}

// IsDeleted 是否已软删除
func (e *Entity) IsDeleted() bool {
	return e.DeletedAt != nil
}

// DisplayValue 按类型配置取展示字段值
func (e *Entity) DisplayValue(displayField string) (any, bool) {
	if displayField == "" || e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[displayField]
	return v, ok
}

// marshalFields 序列化基础字段
func marshalFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", errors.WrapError(err, errors.ErrCodeInvalidInput, "基础字段无法序列化")
	}
	return string(raw), nil
}

// unmarshalFields 还原基础字段
//
// 数字以 json.Number 还原，避免过 float64 丢失精度；声明了类型的
// 字段再由 normalizeFields 规整为原生值。
func unmarshalFields(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}
	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeCorruptValue, "基础字段内容损坏")
	}
	return fields, nil
}

// normalizeFields 将 JSON 列还原出的值规整为声明类型的原生值
//
// JSON 反序列化把整数还原成 json.Number、时间和 decimal 还原成字符
// 串；不规整就与调用方传入的原生值做 Diff，未变的字段会被误判为
// 变更，进而产生虚假的版本推进、审计记录和事件。
func normalizeFields(fields map[string]any, types map[string]codec.FieldType) map[string]any {
	if len(fields) == 0 || len(types) == 0 {
		return fields
	}
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		if ft, ok := types[name]; ok {
			value = normalizeValue(value, ft)
		}
		out[name] = value
	}
	return out
}

// normalizeValue 规整单个值；无法规整时原样返回，交由 Diff 判定
func normalizeValue(value any, ft codec.FieldType) any {
	switch ft {
	case codec.FieldTypeInteger:
		if n, ok := value.(json.Number); ok {
			if v, err := n.Int64(); err == nil {
				return v
			}
		}

	case codec.FieldTypeDecimal:
		var raw string
		switch v := value.(type) {
		case json.Number:
			raw = v.String()
		case string:
			raw = v
		default:
			return value
		}
		if v, err := codec.Decode(raw, codec.FieldTypeDecimal); err == nil {
			return v
		}

	case codec.FieldTypeDate, codec.FieldTypeDatetime:
		s, ok := value.(string)
		if !ok {
			return value
		}
		// time.Time 序列化为 RFC3339；date 声明的字段也可能以该格式落库
		if v, err := codec.Decode(s, codec.FieldTypeDatetime); err == nil {
			return v
		}
		if v, err := codec.Decode(s, codec.FieldTypeDate); err == nil {
			return v
		}
	}
	return value
}
