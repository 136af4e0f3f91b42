package extension

import (
	"context"
	stdErrors "errors"
	"strings"

	"bizobj/codec"
	"bizobj/errors"
	"bizobj/logging"
	"bizobj/storage"
)

// Op 扩展字段查询比较算子
type Op string

const (
	OpEq       Op = "eq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
)

// Filter 单个字段的过滤条件，多个条件之间为 AND 语义
type Filter struct {
	FieldName string
	Op        Op
	Raw       string
}

// ParseFilters 解析形如 field 或 field__op 的查询键
//
// 缺省算子为 eq；未知算子是调用方错误，返回 INVALID_INPUT。
func ParseFilters(params map[string]string) ([]Filter, error) {
	filters := make([]Filter, 0, len(params))
	for key, raw := range params {
		field, op := key, OpEq
		if idx := strings.LastIndex(key, "__"); idx > 0 {
			field = key[:idx]
			switch Op(key[idx+2:]) {
			case OpEq:
				op = OpEq
			case OpGt:
				op = OpGt
			case OpGte:
				op = OpGte
			case OpLt:
				op = OpLt
			case OpLte:
				op = OpLte
			case OpContains:
				op = OpContains
			default:
				return nil, errors.NewErrorf(errors.ErrCodeInvalidInput,
					"未知的查询算子: %s", key[idx+2:])
			}
		}
		filters = append(filters, Filter{FieldName: field, Op: op, Raw: raw})
	}
	return filters, nil
}

// Query 按扩展字段过滤实体，返回命中的实体 ID 集合
//
// 比较在解码后的值域进行：存储值与过滤值都按字段声明类型解码，
// 再用 codec 比较，绝不做文本比较。过滤未定义字段命中空集（不是
// 错误）；无法解码的存量行跳过并计入告警日志。
func (s *Store) Query(ctx context.Context, exec storage.IDatabase, entityType string, filters []Filter) ([]int64, error) {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidInput, "至少需要一个过滤条件")
	}

	var matched map[int64]bool
	for _, filter := range filters {
		ids, ok, err := s.matchFilter(ctx, exec, tenantID, entityType, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 未定义字段：没有任何实体设置过它，命中空集
			return nil, nil
		}
		if matched == nil {
			matched = ids
			continue
		}
		for id := range matched {
			if !ids[id] {
				delete(matched, id)
			}
		}
		if len(matched) == 0 {
			return nil, nil
		}
	}

	result := make([]int64, 0, len(matched))
	for id := range matched {
		result = append(result, id)
	}
	return result, nil
}

// matchFilter 对单个过滤条件求值
func (s *Store) matchFilter(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, filter Filter) (map[int64]bool, bool, error) {
	def, found, err := s.lookupDefinition(ctx, exec, tenantID, entityType, filter.FieldName)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	if filter.Op == OpContains && def.FieldType != codec.FieldTypeText {
		return nil, false, errors.NewErrorf(errors.ErrCodeInvalidInput,
			"contains 仅适用于 text 字段，%s 为 %s", filter.FieldName, def.FieldType)
	}

	var want any
	if filter.Op != OpContains {
		if want, err = codec.Decode(filter.Raw, def.FieldType); err != nil {
			return nil, false, errors.NewErrorf(errors.ErrCodeInvalidInput,
				"过滤值 %q 无法按 %s 解析", filter.Raw, def.FieldType)
		}
	}

	rows, err := exec.Query(ctx,
		`SELECT entity_id, raw_value FROM extension_values
		 WHERE tenant_id = ? AND entity_type = ? AND field_name = ?`,
		tenantID, entityType, filter.FieldName)
	if err != nil {
		return nil, false, errors.WrapError(err, errors.ErrCodeDatabase, "查询扩展字段值失败")
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var entityID int64
		var raw string
		if err := rows.Scan(&entityID, &raw); err != nil {
			return nil, false, errors.WrapError(err, errors.ErrCodeDatabase, "扫描扩展字段值失败")
		}

		hit, err := s.evaluate(raw, want, filter, def.FieldType)
		if err != nil {
			s.log.Warn(ctx, "跳过无法解码的存量值",
				logging.String("entity_type", entityType),
				logging.Int64("entity_id", entityID),
				logging.String("field", filter.FieldName),
				logging.Error(err))
			continue
		}
		if hit {
			ids[entityID] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.WrapError(err, errors.ErrCodeDatabase, "遍历扩展字段值失败")
	}
	return ids, true, nil
}

// evaluate 在解码值域判断单行是否命中
func (s *Store) evaluate(raw string, want any, filter Filter, ft codec.FieldType) (bool, error) {
	if filter.Op == OpContains {
		return strings.Contains(raw, filter.Raw), nil
	}

	got, err := codec.Decode(raw, ft)
	if err != nil {
		return false, err
	}
	if filter.Op == OpEq {
		return codec.Equal(got, want, ft), nil
	}

	cmp, err := codec.Compare(got, want, ft)
	if err != nil {
		return false, err
	}
	switch filter.Op {
	case OpGt:
		return cmp > 0, nil
	case OpGte:
		return cmp >= 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLte:
		return cmp <= 0, nil
	}
	return false, stdErrors.New("unreachable")
}
