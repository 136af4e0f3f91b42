package extension

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"bizobj/cache"
	"bizobj/codec"
	"bizobj/errors"
	"bizobj/logging"
	"bizobj/storage"
	"bizobj/tenancy"
	"bizobj/validation"
)

// defKey 字段定义缓存键
type defKey struct {
	tenantID   string
	entityType string
	fieldName  string
}

// Store 扩展字段存储
//
// 所有方法显式接收执行器（storage.IDatabase），编排器传入工作单元
// 事务即可实现"同事务写入"；独立的扩展 API 直接传连接。
type Store struct {
	guard  tenancy.Guard
	engine *validation.Engine
	defs   *cache.Cache[defKey, FieldDefinition]
	log    logging.Logger
}

// NewStore 创建扩展字段存储
func NewStore(guard tenancy.Guard, engine *validation.Engine, log logging.Logger) *Store {
	if log == nil {
		log = logging.ComponentLogger("extension.store")
	}
	return &Store{
		guard:  guard,
		engine: engine,
		defs: cache.New[defKey, FieldDefinition](cache.Config{
			Name:    "field_definitions",
			MaxSize: 4096,
			TTL:     5 * time.Minute,
		}),
		log: log,
	}
}

// DefineField 显式声明字段定义
//
// 已存在同名定义时：类型一致仅更新规则；类型不一致且已有存量值则
// 返回 CONFLICT（定义在有值后不可变更类型）。
func (s *Store) DefineField(ctx context.Context, exec storage.IDatabase, entityType, fieldName string, ft codec.FieldType, rules []validation.Rule) error {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return err
	}
	if _, err := codec.ParseFieldType(string(ft)); err != nil {
		return err
	}

	existing, found, err := s.lookupDefinition(ctx, exec, tenantID, entityType, fieldName)
	if err != nil {
		return err
	}

	rulesRaw, err := marshalRules(rules)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "验证规则无法序列化")
	}

	if found {
		if existing.FieldType != ft {
			inUse, err := s.hasValues(ctx, exec, tenantID, entityType, fieldName)
			if err != nil {
				return err
			}
			if inUse {
				return errors.NewErrorf(errors.ErrCodeConflict,
					"字段 %s.%s 已有存量值，类型不可由 %q 变更为 %q",
					entityType, fieldName, existing.FieldType, ft)
			}
		}
		_, err = exec.Exec(ctx,
			`UPDATE field_definitions SET field_type = ?, rules = ?
			 WHERE tenant_id = ? AND entity_type = ? AND field_name = ?`,
			string(ft), rulesRaw, tenantID, entityType, fieldName)
	} else {
		_, err = exec.Exec(ctx,
			`INSERT INTO field_definitions (tenant_id, entity_type, field_name, field_type, rules, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			tenantID, entityType, fieldName, string(ft), rulesRaw, time.Now().UTC())
	}
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "写入字段定义失败")
	}

	s.defs.Delete(defKey{tenantID, entityType, fieldName})
	return nil
}

// SetValue 写入一个扩展字段值
//
// 定义缺失时按调用方声明的类型隐式创建（首写定类型）；原始输入经
// codec 解码为声明类型并通过验证引擎，任一违规则不落任何数据。
// 返回旧值（had 指示旧值是否存在）供审计捕获。
func (s *Store) SetValue(ctx context.Context, exec storage.IDatabase, entityType string, entityID int64, fieldName, raw string, declared codec.FieldType) (prev any, had bool, err error) {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return nil, false, err
	}

	def, found, err := s.lookupDefinition(ctx, exec, tenantID, entityType, fieldName)
	if err != nil {
		return nil, false, err
	}
	if !found {
		if declared == "" {
			return nil, false, errors.NewErrorf(errors.ErrCodeValidation,
				"字段 %s.%s 未定义且调用方未声明类型", entityType, fieldName)
		}
		if _, err := codec.ParseFieldType(string(declared)); err != nil {
			return nil, false, err
		}
		def = FieldDefinition{
			TenantID:   tenantID,
			EntityType: entityType,
			FieldName:  fieldName,
			FieldType:  declared,
			CreatedAt:  time.Now().UTC(),
		}
		if _, err := exec.Exec(ctx,
			`INSERT INTO field_definitions (tenant_id, entity_type, field_name, field_type, rules, created_at)
			 VALUES (?, ?, ?, ?, '[]', ?)`,
			tenantID, entityType, fieldName, string(def.FieldType), def.CreatedAt); err != nil {
			return nil, false, errors.WrapError(err, errors.ErrCodeDatabase, "隐式创建字段定义失败")
		}
		// 所在事务可能回滚，此处不进缓存；提交后的读取路径会回填
	}

	// 原始输入按定义类型解码；解码失败等同于验证失败，不落任何数据
	value, err := codec.Decode(raw, def.FieldType)
	if err != nil {
		var result validation.Result
		result.Add(fieldName, "", "输入无法按 "+string(def.FieldType)+" 解析: "+raw)
		return nil, false, validation.Err(result)
	}

	if result := s.engine.Validate(ctx, fieldName, value, def.FieldType, def.Rules); !result.Valid() {
		return nil, false, validation.Err(result)
	}

	prev, had, err = s.readValue(ctx, exec, tenantID, entityType, entityID, fieldName, def.FieldType)
	if err != nil && !errors.IsCorruptValue(err) {
		return nil, false, err
	}

	now := time.Now().UTC()
	if _, err := exec.Exec(ctx,
		`INSERT INTO extension_values (tenant_id, entity_type, entity_id, field_name, field_type, raw_value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, entity_type, entity_id, field_name) DO UPDATE SET
		   raw_value = excluded.raw_value,
		   field_type = excluded.field_type,
		   updated_at = excluded.updated_at`,
		tenantID, entityType, entityID, fieldName, string(def.FieldType), raw, now, now); err != nil {
		return nil, false, errors.WrapError(err, errors.ErrCodeDatabase, "写入扩展字段值失败")
	}

	return prev, had, nil
}

// GetValues 读取实体的全部扩展字段值
//
// 单个字段解码失败只影响该字段（fieldErrs 中按字段报告 CORRUPT_VALUE），
// 不会让整个读取失败：存储层损坏必须被隔离。
func (s *Store) GetValues(ctx context.Context, exec storage.IDatabase, entityType string, entityID int64) (map[string]any, map[string]error, error) {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return nil, nil, err
	}

	rows, err := exec.Query(ctx,
		`SELECT field_name, field_type, raw_value FROM extension_values
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		tenantID, entityType, entityID)
	if err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrCodeDatabase, "读取扩展字段值失败")
	}
	defer rows.Close()

	values := make(map[string]any)
	fieldErrs := make(map[string]error)

	for rows.Next() {
		var fieldName, fieldType, raw string
		if err := rows.Scan(&fieldName, &fieldType, &raw); err != nil {
			return nil, nil, errors.WrapError(err, errors.ErrCodeDatabase, "扫描扩展字段值失败")
		}
		decoded, err := codec.Decode(raw, codec.FieldType(fieldType))
		if err != nil {
			s.log.Warn(ctx, "扩展字段值损坏",
				logging.String("entity_type", entityType),
				logging.Int64("entity_id", entityID),
				logging.String("field", fieldName),
				logging.Error(err))
			fieldErrs[fieldName] = err
			continue
		}
		values[fieldName] = decoded
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrCodeDatabase, "遍历扩展字段值失败")
	}

	return values, fieldErrs, nil
}

// DeleteValue 删除一个扩展字段值（可审计的"清除"操作）
//
// 与写入空值不同：删除后行不存在，语义回到"从未设置"。
// 返回被删除的旧值供审计捕获；行不存在返回 NOT_FOUND。
func (s *Store) DeleteValue(ctx context.Context, exec storage.IDatabase, entityType string, entityID int64, fieldName string) (prev any, err error) {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return nil, err
	}

	def, found, err := s.lookupDefinition(ctx, exec, tenantID, entityType, fieldName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NewErrorf(errors.ErrCodeNotFound, "字段 %s.%s 未定义", entityType, fieldName)
	}

	prev, had, err := s.readValue(ctx, exec, tenantID, entityType, entityID, fieldName, def.FieldType)
	if err != nil && !errors.IsCorruptValue(err) {
		return nil, err
	}
	if !had {
		return nil, errors.NewErrorf(errors.ErrCodeNotFound, "实体 %d 的字段 %s 未设置", entityID, fieldName)
	}

	if _, err := exec.Exec(ctx,
		`DELETE FROM extension_values
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND field_name = ?`,
		tenantID, entityType, entityID, fieldName); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "删除扩展字段值失败")
	}

	return prev, nil
}

// GetDefinition 读取单个字段定义
func (s *Store) GetDefinition(ctx context.Context, exec storage.IDatabase, entityType, fieldName string) (FieldDefinition, error) {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return FieldDefinition{}, err
	}
	def, found, err := s.lookupDefinition(ctx, exec, tenantID, entityType, fieldName)
	if err != nil {
		return FieldDefinition{}, err
	}
	if !found {
		return FieldDefinition{}, errors.NewErrorf(errors.ErrCodeNotFound, "字段 %s.%s 未定义", entityType, fieldName)
	}
	return def, nil
}

// ListDefinitions 列出实体类型的全部字段定义（含验证规则）
func (s *Store) ListDefinitions(ctx context.Context, exec storage.IDatabase, entityType string) ([]FieldDefinition, error) {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.Query(ctx,
		`SELECT field_name, field_type, rules, created_at FROM field_definitions
		 WHERE tenant_id = ? AND entity_type = ?
		 ORDER BY field_name`,
		tenantID, entityType)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "读取字段定义失败")
	}
	defer rows.Close()

	var defs []FieldDefinition
	for rows.Next() {
		var def FieldDefinition
		var fieldType, rulesRaw string
		if err := rows.Scan(&def.FieldName, &fieldType, &rulesRaw, &def.CreatedAt); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeDatabase, "扫描字段定义失败")
		}
		def.TenantID = tenantID
		def.EntityType = entityType
		def.FieldType = codec.FieldType(fieldType)
		if def.Rules, err = unmarshalRules(rulesRaw); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeCorruptValue, "字段定义规则损坏")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// lookupDefinition 查找字段定义（带缓存）
func (s *Store) lookupDefinition(ctx context.Context, exec storage.IDatabase, tenantID, entityType, fieldName string) (FieldDefinition, bool, error) {
	key := defKey{tenantID, entityType, fieldName}
	if def, ok := s.defs.Get(key); ok {
		return def, true, nil
	}

	var def FieldDefinition
	var fieldType, rulesRaw string
	err := exec.QueryRow(ctx,
		`SELECT field_type, rules, created_at FROM field_definitions
		 WHERE tenant_id = ? AND entity_type = ? AND field_name = ?`,
		tenantID, entityType, fieldName).Scan(&fieldType, &rulesRaw, &def.CreatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return FieldDefinition{}, false, nil
	}
	if err != nil {
		return FieldDefinition{}, false, errors.WrapError(err, errors.ErrCodeDatabase, "读取字段定义失败")
	}

	def.TenantID = tenantID
	def.EntityType = entityType
	def.FieldName = fieldName
	def.FieldType = codec.FieldType(fieldType)
	if def.Rules, err = unmarshalRules(rulesRaw); err != nil {
		return FieldDefinition{}, false, errors.WrapError(err, errors.ErrCodeCorruptValue, "字段定义规则损坏")
	}

	// 事务执行器读到的可能是未提交的定义，回滚会留下幻影缓存
	if _, inTx := exec.(storage.ITransaction); !inTx {
		s.defs.Set(key, def)
	}
	return def, true, nil
}

// readValue 读取单个字段的当前值
func (s *Store) readValue(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, entityID int64, fieldName string, ft codec.FieldType) (any, bool, error) {
	var raw string
	err := exec.QueryRow(ctx,
		`SELECT raw_value FROM extension_values
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND field_name = ?`,
		tenantID, entityType, entityID, fieldName).Scan(&raw)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapError(err, errors.ErrCodeDatabase, "读取扩展字段值失败")
	}

	decoded, err := codec.Decode(raw, ft)
	if err != nil {
		// 旧值损坏：保留 had=true，旧值以 nil 进入审计
		return nil, true, err
	}
	return decoded, true, nil
}

// hasValues 检查字段是否已有存量值
func (s *Store) hasValues(ctx context.Context, exec storage.IDatabase, tenantID, entityType, fieldName string) (bool, error) {
	var count int64
	err := exec.QueryRow(ctx,
		`SELECT COUNT(*) FROM extension_values
		 WHERE tenant_id = ? AND entity_type = ? AND field_name = ?`,
		tenantID, entityType, fieldName).Scan(&count)
	if err != nil {
		return false, errors.WrapError(err, errors.ErrCodeDatabase, "统计扩展字段值失败")
	}
	return count > 0, nil
}
