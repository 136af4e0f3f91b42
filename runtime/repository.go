package runtime

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"bizobj/errors"
	"bizobj/storage"
)

// EntityRepository 实体表的 SQL 访问
//
// 所有方法接收执行器（事务或连接），租户 ID 由调用方显式传入，
// 每条语句都带 tenant_id 条件。
type EntityRepository struct{}

// NewEntityRepository 创建实体仓储
func NewEntityRepository() *EntityRepository {
	return &EntityRepository{}
}

const entityColumns = `id, tenant_id, entity_type, version, fields,
	created_at, created_by, updated_at, updated_by, deleted_at, deleted_by`

// Insert 插入新实体（version 固定为 1）
func (r *EntityRepository) Insert(ctx context.Context, exec storage.IDatabase, e *Entity) error {
	raw, err := marshalFields(e.Fields)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx,
		`INSERT INTO entities (id, tenant_id, entity_type, version, fields, created_at, created_by, updated_at, updated_by)
		 VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.EntityType, raw, e.CreatedAt, e.CreatedBy, e.UpdatedAt, e.UpdatedBy)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "插入实体失败")
	}
	e.Version = 1
	return nil
}

// GetByID 按 ID 取实体
//
// includeDeleted 为 false 时软删实体按 NOT_FOUND 处理。
func (r *EntityRepository) GetByID(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, id int64, includeDeleted bool) (Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		 WHERE tenant_id = ? AND entity_type = ? AND id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	row := exec.QueryRow(ctx, query, tenantID, entityType, id)
	e, err := scanEntity(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Entity{}, errors.NewErrorf(errors.ErrCodeNotFound, "实体 %s/%d 不存在", entityType, id)
	}
	return e, err
}

// UpdateVersioned 带版本检查的更新
//
// 期望版本不匹配（并发写丢败方）或实体不存在/已删除时影响 0 行，
// 回读一次区分 CONFLICT 与 NOT_FOUND。
func (r *EntityRepository) UpdateVersioned(ctx context.Context, exec storage.IDatabase, e *Entity, expectedVersion int64) error {
	raw, err := marshalFields(e.Fields)
	if err != nil {
		return err
	}
	result, err := exec.Exec(ctx,
		`UPDATE entities SET fields = ?, version = version + 1, updated_at = ?, updated_by = ?
		 WHERE tenant_id = ? AND entity_type = ? AND id = ? AND version = ? AND deleted_at IS NULL`,
		raw, e.UpdatedAt, e.UpdatedBy,
		e.TenantID, e.EntityType, e.ID, expectedVersion)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "更新实体失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "读取更新结果失败")
	}
	if affected == 0 {
		return r.versionedMiss(ctx, exec, e.TenantID, e.EntityType, e.ID, expectedVersion)
	}
	e.Version = expectedVersion + 1
	return nil
}

// SoftDelete 带版本检查的软删除
func (r *EntityRepository) SoftDelete(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, id, expectedVersion int64, by string) error {
	now := time.Now().UTC()
	result, err := exec.Exec(ctx,
		`UPDATE entities SET deleted_at = ?, deleted_by = ?, version = version + 1
		 WHERE tenant_id = ? AND entity_type = ? AND id = ? AND version = ? AND deleted_at IS NULL`,
		now, by, tenantID, entityType, id, expectedVersion)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "软删除实体失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "读取删除结果失败")
	}
	if affected == 0 {
		return r.versionedMiss(ctx, exec, tenantID, entityType, id, expectedVersion)
	}
	return nil
}

// Restore 恢复软删实体
func (r *EntityRepository) Restore(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, id int64, by string) error {
	result, err := exec.Exec(ctx,
		`UPDATE entities SET deleted_at = NULL, deleted_by = NULL, version = version + 1, updated_at = ?, updated_by = ?
		 WHERE tenant_id = ? AND entity_type = ? AND id = ? AND deleted_at IS NOT NULL`,
		time.Now().UTC(), by, tenantID, entityType, id)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "恢复实体失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "读取恢复结果失败")
	}
	if affected == 0 {
		return errors.NewErrorf(errors.ErrCodeNotFound, "实体 %s/%d 不在已删除状态", entityType, id)
	}
	return nil
}

// PermanentDelete 物理删除实体及其扩展字段值
//
// 审计记录不随实体删除：只增不改的历史必须留存。
func (r *EntityRepository) PermanentDelete(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, id int64) error {
	result, err := exec.Exec(ctx,
		`DELETE FROM entities WHERE tenant_id = ? AND entity_type = ? AND id = ?`,
		tenantID, entityType, id)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "物理删除实体失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "读取删除结果失败")
	}
	if affected == 0 {
		return errors.NewErrorf(errors.ErrCodeNotFound, "实体 %s/%d 不存在", entityType, id)
	}
	if _, err := exec.Exec(ctx,
		`DELETE FROM extension_values WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		tenantID, entityType, id); err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "删除扩展字段值失败")
	}
	return nil
}

// List 分页列出存活实体（按 ID 升序）
func (r *EntityRepository) List(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, offset, limit int) ([]Entity, error) {
	return r.list(ctx, exec, tenantID, entityType, offset, limit, false)
}

// ListDeleted 分页列出软删实体
func (r *EntityRepository) ListDeleted(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, offset, limit int) ([]Entity, error) {
	return r.list(ctx, exec, tenantID, entityType, offset, limit, true)
}

func (r *EntityRepository) list(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, offset, limit int, deleted bool) ([]Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	cond := `deleted_at IS NULL`
	if deleted {
		cond = `deleted_at IS NOT NULL`
	}
	rows, err := exec.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE tenant_id = ? AND entity_type = ? AND `+cond+`
		 ORDER BY id LIMIT ? OFFSET ?`,
		tenantID, entityType, limit, offset)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "列出实体失败")
	}
	defer rows.Close()
	return scanEntities(rows)
}

// GetByIDs 按 ID 集合取存活实体（按 ID 升序）
func (r *EntityRepository) GetByIDs(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, ids []int64) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, tenantID, entityType)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	rows, err := exec.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE tenant_id = ? AND entity_type = ? AND deleted_at IS NULL
		   AND id IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY id`, args...)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "批量读取实体失败")
	}
	defer rows.Close()
	return scanEntities(rows)
}

// Count 统计存活实体数
func (r *EntityRepository) Count(ctx context.Context, exec storage.IDatabase, tenantID, entityType string) (int64, error) {
	var count int64
	err := exec.QueryRow(ctx,
		`SELECT COUNT(*) FROM entities WHERE tenant_id = ? AND entity_type = ? AND deleted_at IS NULL`,
		tenantID, entityType).Scan(&count)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeDatabase, "统计实体失败")
	}
	return count, nil
}

// versionedMiss 区分版本冲突与实体缺失
func (r *EntityRepository) versionedMiss(ctx context.Context, exec storage.IDatabase, tenantID, entityType string, id, expectedVersion int64) error {
	current, err := r.GetByID(ctx, exec, tenantID, entityType, id, false)
	if err != nil {
		return err
	}
	return errors.NewError(errors.ErrCodeConflict,
		fmt.Sprintf("实体 %s/%d 版本不匹配：期望 %d，当前 %d",
			entityType, id, expectedVersion, current.Version)).
		WithContext("current_version", current.Version).
		WithContext("expected_version", expectedVersion)
}

func scanEntity(row storage.IRow) (Entity, error) {
	var e Entity
	var raw string
	err := row.Scan(&e.ID, &e.TenantID, &e.EntityType, &e.Version, &raw,
		&e.CreatedAt, &e.CreatedBy, &e.UpdatedAt, &e.UpdatedBy, &e.DeletedAt, &e.DeletedBy)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Entity{}, err
		}
		return Entity{}, errors.WrapError(err, errors.ErrCodeDatabase, "扫描实体失败")
	}
	if e.Fields, err = unmarshalFields(raw); err != nil {
		return Entity{}, err
	}
	return e, nil
}

func scanEntities(rows storage.IRows) ([]Entity, error) {
	var entities []Entity
	for rows.Next() {
		var e Entity
		var raw string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EntityType, &e.Version, &raw,
			&e.CreatedAt, &e.CreatedBy, &e.UpdatedAt, &e.UpdatedBy, &e.DeletedAt, &e.DeletedBy); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeDatabase, "扫描实体失败")
		}
		fields, err := unmarshalFields(raw)
		if err != nil {
			return nil, err
		}
		e.Fields = fields
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
