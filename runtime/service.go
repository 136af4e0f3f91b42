package runtime

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"

	"bizobj/audit"
	"bizobj/codec"
	"bizobj/errors"
	"bizobj/eventing"
	"bizobj/extension"
	"bizobj/idgen/snowflake"
	"bizobj/logging"
	"bizobj/storage"
	"bizobj/tenancy"
	"bizobj/validation"
)

// Result 一次变更的结果
//
// Warning 携带事件即时发布失败（PUBLISH_FAILURE）：变更本身已经
// 提交，事件安全地留在出站表中等待后台重发，调用方不应据此重试。
type Result struct {
	Entity       Entity `json:"entity"`
	AuditEntryID int64  `json:"audit_entry_id,omitempty"`
	EventID      string `json:"event_id,omitempty"`
	Warning      error  `json:"-"`
}

// EntityView 实体及其扩展字段的合并视图
type EntityView struct {
	Entity     Entity           `json:"entity"`
	Extensions map[string]any   `json:"extensions,omitempty"`
	FieldErrs  map[string]error `json:"-"`
}

// Service 业务对象运行时编排器
//
// 每次变更按固定顺序执行：租户守卫 → 类型配置 → 验证 → 工作单元
// （实体写入 + 审计记录 + 事件暂存）→ 提交 → 尽力即时发布。
type Service struct {
	conn      storage.IConn
	repo      *EntityRepository
	registry  *Registry
	guard     tenancy.Guard
	engine    *validation.Engine
	ext       *extension.Store
	recorder  *audit.Recorder
	publisher *eventing.Publisher
	log       logging.Logger
}

// NewService 创建编排器
func NewService(
	conn storage.IConn,
	registry *Registry,
	engine *validation.Engine,
	ext *extension.Store,
	recorder *audit.Recorder,
	publisher *eventing.Publisher,
	logger logging.Logger,
) *Service {
	if logger == nil {
		logger = logging.ComponentLogger("runtime.service")
	}
	return &Service{
		conn:      conn,
		repo:      NewEntityRepository(),
		registry:  registry,
		guard:     tenancy.NewGuard(),
		engine:    engine,
		ext:       ext,
		recorder:  recorder,
		publisher: publisher,
		log:       logger,
	}
}

// Registry 返回类型注册表
func (s *Service) Registry() *Registry {
	return s.registry
}

// Create 创建实体
func (s *Service) Create(ctx context.Context, entityType string, fields map[string]any) (Result, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Result{}, err
	}
	if err := s.validateBaseFields(ctx, cfg, fields, true); err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	actorID := tenancy.ActorID(ctx)
	entity := Entity{
		ID:         snowflake.Generate(),
		TenantID:   tenantID,
		EntityType: entityType,
		Fields:     fields,
		CreatedAt:  now,
		CreatedBy:  actorID,
		UpdatedAt:  now,
		UpdatedBy:  actorID,
	}
	changes := audit.Diff(nil, fields, cfg.FieldTypes())

	return s.commit(ctx, cfg, &entity, audit.ActionCreate, eventing.ActionCreated, changes,
		func(tx storage.ITransaction) error {
			return s.repo.Insert(ctx, tx, &entity)
		})
}

// Update 全量更新基础字段（带乐观并发检查）
//
// expectedVersion 为调用方读取时的版本；版本不匹配返回 CONFLICT，
// 调用方应重新读取后决定是否重放修改。
func (s *Service) Update(ctx context.Context, entityType string, id int64, fields map[string]any, expectedVersion int64) (Result, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Result{}, err
	}
	if err := s.validateBaseFields(ctx, cfg, fields, true); err != nil {
		return Result{}, err
	}

	current, err := s.repo.GetByID(ctx, s.conn, tenantID, entityType, id, false)
	if err != nil {
		return Result{}, err
	}
	current.Fields = normalizeFields(current.Fields, cfg.FieldTypes())

	changes := audit.Diff(current.Fields, fields, cfg.FieldTypes())
	if changes == nil {
		// 无实际变更：不写入、不记审计、不发事件
		return Result{Entity: current}, nil
	}

	entity := current
	entity.Fields = fields
	entity.UpdatedAt = time.Now().UTC()
	entity.UpdatedBy = tenancy.ActorID(ctx)

	return s.commit(ctx, cfg, &entity, audit.ActionUpdate, eventing.ActionUpdated, changes,
		func(tx storage.ITransaction) error {
			return s.repo.UpdateVersioned(ctx, tx, &entity, expectedVersion)
		})
}

// Delete 删除实体
//
// 类型开启软删能力时为软删除（可恢复），否则物理删除。
func (s *Service) Delete(ctx context.Context, entityType string, id, expectedVersion int64) (Result, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Result{}, err
	}
	entity, err := s.repo.GetByID(ctx, s.conn, tenantID, entityType, id, false)
	if err != nil {
		return Result{}, err
	}
	actorID := tenancy.ActorID(ctx)

	if !cfg.Capabilities.SoftDelete {
		return s.commit(ctx, cfg, &entity, audit.ActionPermanentDel, eventing.ActionDeleted, nil,
			func(tx storage.ITransaction) error {
				return s.repo.PermanentDelete(ctx, tx, tenantID, entityType, id)
			})
	}

	return s.commit(ctx, cfg, &entity, audit.ActionDelete, eventing.ActionDeleted, nil,
		func(tx storage.ITransaction) error {
			if err := s.repo.SoftDelete(ctx, tx, tenantID, entityType, id, expectedVersion, actorID); err != nil {
				return err
			}
			now := time.Now().UTC()
			entity.Version = expectedVersion + 1
			entity.DeletedAt = &now
			entity.DeletedBy = &actorID
			return nil
		})
}

// Restore 恢复软删实体
func (s *Service) Restore(ctx context.Context, entityType string, id int64) (Result, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Result{}, err
	}
	entity, err := s.repo.GetByID(ctx, s.conn, tenantID, entityType, id, true)
	if err != nil {
		return Result{}, err
	}
	if !entity.IsDeleted() {
		return Result{}, errors.NewErrorf(errors.ErrCodeNotFound, "实体 %s/%d 不在已删除状态", entityType, id)
	}
	actorID := tenancy.ActorID(ctx)

	return s.commit(ctx, cfg, &entity, audit.ActionRestore, eventing.ActionRestored, nil,
		func(tx storage.ITransaction) error {
			if err := s.repo.Restore(ctx, tx, tenantID, entityType, id, actorID); err != nil {
				return err
			}
			entity.Version++
			entity.DeletedAt = nil
			entity.DeletedBy = nil
			return nil
		})
}

// PermanentDelete 物理删除实体（含其扩展字段值；审计历史留存）
func (s *Service) PermanentDelete(ctx context.Context, entityType string, id int64) (Result, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Result{}, err
	}
	entity, err := s.repo.GetByID(ctx, s.conn, tenantID, entityType, id, true)
	if err != nil {
		return Result{}, err
	}
	return s.commit(ctx, cfg, &entity, audit.ActionPermanentDel, eventing.ActionDeleted, nil,
		func(tx storage.ITransaction) error {
			return s.repo.PermanentDelete(ctx, tx, tenantID, entityType, id)
		})
}

// Get 读取存活实体
func (s *Service) Get(ctx context.Context, entityType string, id int64) (Entity, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Entity{}, err
	}
	entity, err := s.repo.GetByID(ctx, s.conn, tenantID, entityType, id, false)
	if err != nil {
		return Entity{}, err
	}
	entity.Fields = normalizeFields(entity.Fields, cfg.FieldTypes())
	return entity, nil
}

// GetWithExtensions 读取实体及其全部扩展字段
//
// 损坏的扩展字段不影响其余字段，按字段报告在 FieldErrs 中。
func (s *Service) GetWithExtensions(ctx context.Context, entityType string, id int64) (EntityView, error) {
	entity, err := s.Get(ctx, entityType, id)
	if err != nil {
		return EntityView{}, err
	}
	values, fieldErrs, err := s.ext.GetValues(ctx, s.conn, entityType, id)
	if err != nil {
		return EntityView{}, err
	}
	return EntityView{Entity: entity, Extensions: values, FieldErrs: fieldErrs}, nil
}

// List 分页列出存活实体
func (s *Service) List(ctx context.Context, entityType string, offset, limit int) ([]Entity, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return nil, err
	}
	entities, err := s.repo.List(ctx, s.conn, tenantID, entityType, offset, limit)
	if err != nil {
		return nil, err
	}
	return normalizeEntities(entities, cfg), nil
}

// ListDeleted 分页列出软删实体
func (s *Service) ListDeleted(ctx context.Context, entityType string, offset, limit int) ([]Entity, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return nil, err
	}
	entities, err := s.repo.ListDeleted(ctx, s.conn, tenantID, entityType, offset, limit)
	if err != nil {
		return nil, err
	}
	return normalizeEntities(entities, cfg), nil
}

// Count 统计存活实体数
func (s *Service) Count(ctx context.Context, entityType string) (int64, error) {
	tenantID, _, err := s.prepare(ctx, entityType)
	if err != nil {
		return 0, err
	}
	return s.repo.Count(ctx, s.conn, tenantID, entityType)
}

// DefineField 声明扩展字段定义
func (s *Service) DefineField(ctx context.Context, entityType, fieldName string, ft codec.FieldType, rules []validation.Rule) error {
	_, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return err
	}
	if !cfg.Capabilities.Extensions {
		return errors.NewErrorf(errors.ErrCodeValidation, "实体类型 %s 未开启扩展字段能力", entityType)
	}
	return s.ext.DefineField(ctx, s.conn, entityType, fieldName, ft, rules)
}

// SetExtension 写入扩展字段值
func (s *Service) SetExtension(ctx context.Context, entityType string, id int64, fieldName, raw string, declared codec.FieldType) (Result, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Result{}, err
	}
	if !cfg.Capabilities.Extensions {
		return Result{}, errors.NewErrorf(errors.ErrCodeValidation, "实体类型 %s 未开启扩展字段能力", entityType)
	}
	entity, err := s.repo.GetByID(ctx, s.conn, tenantID, entityType, id, false)
	if err != nil {
		return Result{}, err
	}

	var change audit.Change
	result, err := s.commit(ctx, cfg, &entity, audit.ActionFieldSet, eventing.ActionFieldSet, nil,
		func(tx storage.ITransaction) error {
			prev, had, err := s.ext.SetValue(ctx, tx, entityType, id, fieldName, raw, declared)
			if err != nil {
				return err
			}
			def, err := s.ext.GetDefinition(ctx, tx, entityType, fieldName)
			if err != nil {
				return err
			}
			next, err := codec.Decode(raw, def.FieldType)
			if err != nil {
				return err
			}
			// 写入相同值：回滚覆盖写，不记审计、不发事件
			if had && codec.Equal(prev, next, def.FieldType) {
				return errUnchanged
			}
			change = audit.Change{Old: prev, New: next}
			return nil
		},
		withFieldChange(fieldName, &change))
	return result, err
}

// DeleteExtension 删除扩展字段值（与"从未设置"可区分的显式清除）
func (s *Service) DeleteExtension(ctx context.Context, entityType string, id int64, fieldName string) (Result, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return Result{}, err
	}
	if !cfg.Capabilities.Extensions {
		return Result{}, errors.NewErrorf(errors.ErrCodeValidation, "实体类型 %s 未开启扩展字段能力", entityType)
	}
	entity, err := s.repo.GetByID(ctx, s.conn, tenantID, entityType, id, false)
	if err != nil {
		return Result{}, err
	}

	var change audit.Change
	return s.commit(ctx, cfg, &entity, audit.ActionFieldDelete, eventing.ActionFieldDeleted, nil,
		func(tx storage.ITransaction) error {
			prev, err := s.ext.DeleteValue(ctx, tx, entityType, id, fieldName)
			if err != nil {
				return err
			}
			change = audit.Change{Old: prev, New: nil}
			return nil
		},
		withFieldChange(fieldName, &change))
}

// QueryByExtension 按扩展字段过滤存活实体
//
// params 形如 {"credit_limit__gte": "5000"}；比较在解码值域进行。
func (s *Service) QueryByExtension(ctx context.Context, entityType string, params map[string]string) ([]Entity, error) {
	tenantID, cfg, err := s.prepare(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if !cfg.Capabilities.Extensions {
		return nil, errors.NewErrorf(errors.ErrCodeValidation, "实体类型 %s 未开启扩展字段能力", entityType)
	}
	filters, err := extension.ParseFilters(params)
	if err != nil {
		return nil, err
	}
	ids, err := s.ext.Query(ctx, s.conn, entityType, filters)
	if err != nil {
		return nil, err
	}
	// 软删实体在此被过滤掉：命中扩展值不代表实体仍然可见
	entities, err := s.repo.GetByIDs(ctx, s.conn, tenantID, entityType, ids)
	if err != nil {
		return nil, err
	}
	return normalizeEntities(entities, cfg), nil
}

func normalizeEntities(entities []Entity, cfg TypeConfig) []Entity {
	types := cfg.FieldTypes()
	for i := range entities {
		entities[i].Fields = normalizeFields(entities[i].Fields, types)
	}
	return entities
}

// History 按时间顺序返回实体的审计轨迹
func (s *Service) History(ctx context.Context, entityType string, id int64, offset, limit int) ([]audit.Entry, error) {
	if _, _, err := s.prepare(ctx, entityType); err != nil {
		return nil, err
	}
	return s.recorder.Trail(ctx, s.conn, entityType, id, offset, limit)
}

// HistoryByCorrelation 按关联 ID 返回同一业务流程的审计记录
func (s *Service) HistoryByCorrelation(ctx context.Context, correlationID string) ([]audit.Entry, error) {
	return s.recorder.ByCorrelation(ctx, s.conn, correlationID)
}

// prepare 校验租户上下文并解析类型配置
func (s *Service) prepare(ctx context.Context, entityType string) (string, TypeConfig, error) {
	tenantID, err := s.guard.Require(ctx)
	if err != nil {
		return "", TypeConfig{}, err
	}
	cfg, err := s.registry.Get(entityType)
	if err != nil {
		return "", TypeConfig{}, err
	}
	return tenantID, cfg, nil
}

// errUnchanged 由 mutate 返回，表示变更实际未改变任何内容：
// 事务回滚（状态本就相同），但操作按成功返回，无审计、无事件。
var errUnchanged = stdErrors.New("变更未改变任何内容")

// commitOption 调整审计/事件内容的变更选项
type commitOption func(entry *audit.Entry, payload map[string]any)

// withFieldChange 单字段变更（扩展字段写入/删除）
//
// change 在工作单元内才产生，取指针延迟读取。
func withFieldChange(fieldName string, change *audit.Change) commitOption {
	return func(entry *audit.Entry, payload map[string]any) {
		entry.Changes = map[string]audit.Change{fieldName: *change}
		payload["field"] = fieldName
		payload["old"] = change.Old
		payload["new"] = change.New
	}
}

// commit 变更的公共骨架
//
// 在一个事务内执行 mutate、写审计、暂存事件，提交后尽力即时发布。
// 审计失败或暂存失败会让整个变更回滚。
func (s *Service) commit(
	ctx context.Context,
	cfg TypeConfig,
	entity *Entity,
	action audit.Action,
	eventAction string,
	changes map[string]audit.Change,
	mutate func(tx storage.ITransaction) error,
	opts ...commitOption,
) (Result, error) {
	correlationID := tenancy.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	actorID := tenancy.ActorID(ctx)

	var auditID int64
	var env *eventing.Envelope

	err := storage.InTx(ctx, s.conn, func(tx storage.ITransaction) error {
		if err := mutate(tx); err != nil {
			return err
		}

		entry := audit.Entry{
			EntityType:    entity.EntityType,
			EntityID:      entity.ID,
			Action:        action,
			ActorID:       actorID,
			Changes:       changes,
			CorrelationID: correlationID,
		}
		payload := map[string]any{}
		if changes != nil {
			payload["changes"] = changes
		}
		for _, opt := range opts {
			opt(&entry, payload)
		}

		if cfg.Capabilities.Audit {
			id, err := s.recorder.Record(ctx, tx, entry)
			if err != nil {
				return err
			}
			auditID = id
		}

		if cfg.Capabilities.Events {
			env = eventing.NewEnvelope(entity.TenantID, entity.EntityType, entity.ID,
				entity.Version, eventAction, payload)
			env.ActorID = actorID
			env.CorrelationID = correlationID
			if err := s.publisher.Stage(ctx, tx, env); err != nil {
				return err
			}
		}
		return nil
	})
	if stdErrors.Is(err, errUnchanged) {
		return Result{Entity: *entity}, nil
	}
	if err != nil {
		return Result{}, err
	}

	result := Result{Entity: *entity, AuditEntryID: auditID}
	if env != nil {
		result.EventID = env.EventID
		if warn := s.publisher.PublishStaged(ctx, env.EventID); warn != nil {
			s.log.Warn(ctx, "事件即时发布失败，留待后台重发",
				logging.String("event_id", env.EventID),
				logging.Error(warn))
			result.Warning = warn
		}
	}
	return result, nil
}

// validateBaseFields 按类型配置验证基础字段
//
// 全部规则评估完才汇总返回，一次调用暴露所有违规。strict 时拒绝
// 未声明的字段（扩展字段走 SetExtension）。
func (s *Service) validateBaseFields(ctx context.Context, cfg TypeConfig, fields map[string]any, strict bool) error {
	var result validation.Result

	if strict {
		for name := range fields {
			if _, ok := cfg.BaseFields[name]; !ok {
				result.Add(name, "", "未声明的基础字段（自定义属性请使用扩展字段）")
			}
		}
	}

	for name, decl := range cfg.BaseFields {
		value, present := fields[name]
		if !present || value == nil {
			if decl.Required {
				result.Add(name, validation.RuleRequired, "必填字段缺失")
			}
			continue
		}
		if _, err := codec.Encode(value, decl.Type); err != nil {
			result.Add(name, "", "字段值与声明类型 "+string(decl.Type)+" 不符")
			continue
		}
		result.Merge(s.engine.Validate(ctx, name, value, decl.Type, decl.Rules))
	}

	if !result.Valid() {
		return validation.Err(result)
	}
	return nil
}
