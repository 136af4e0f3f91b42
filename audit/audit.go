// Package audit 提供只增不改的审计历史。
//
// 每次变更产生一条 Entry，与触发它的实体写入同处一个工作单元：
// 要么变更和审计一起提交，要么一起回滚，不存在"改了没记"或
// "记了没改"的中间态。Entry 一旦写入永不修改、永不删除。
package audit

import (
	"context"
	"encoding/json"
	"time"

	"bizobj/codec"
	"bizobj/errors"
	"bizobj/storage"
	"bizobj/tenancy"
)

// Action 审计动作
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionRestore      Action = "RESTORE"
	ActionFieldSet     Action = "FIELD_SET"
	ActionFieldDelete  Action = "FIELD_DELETE"
	ActionPermanentDel Action = "PERMANENT_DELETE"
)

// Change 单字段变更：旧值 + 新值
//
// 旧值为 nil 表示此前未设置；新值为 nil 表示被清除。
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Entry 一条审计记录
type Entry struct {
	ID            int64             `json:"id"`
	TenantID      string            `json:"tenant_id"`
	EntityType    string            `json:"entity_type"`
	EntityID      int64             `json:"entity_id"`
	Action        Action            `json:"action"`
	ActorID       string            `json:"actor_id"`
	Changes       map[string]Change `json:"changes,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Diff 计算前后快照的字段级差异
//
// 基础字段与扩展字段走同一条路径：调用方把两侧快照合并成统一的
// 键值视图后传入。typed 给出按声明类型比较的字段（如 decimal 按
// 数值而非文本判等），未列出的字段按 JSON 归一化后比较。
func Diff(before, after map[string]any, typed map[string]codec.FieldType) map[string]Change {
	changes := make(map[string]Change)

	for key, newVal := range after {
		oldVal, had := before[key]
		if !had {
			changes[key] = Change{Old: nil, New: newVal}
			continue
		}
		if !valueEqual(oldVal, newVal, typed[key]) {
			changes[key] = Change{Old: oldVal, New: newVal}
		}
	}
	for key, oldVal := range before {
		if _, still := after[key]; !still {
			changes[key] = Change{Old: oldVal, New: nil}
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return changes
}

func valueEqual(a, b any, ft codec.FieldType) bool {
	if ft != "" {
		return codec.Equal(a, b, ft)
	}
	// 无类型声明时按 JSON 归一化比较，map/slice 也能正确判等
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// Recorder 审计记录器
type Recorder struct {
	guard tenancy.Guard
}

// NewRecorder 创建审计记录器
func NewRecorder(guard tenancy.Guard) *Recorder {
	return &Recorder{guard: guard}
}

// Record 写入一条审计记录，返回记录 ID
//
// exec 传入编排器的事务即可获得与实体写入的原子性。
// ActorID 取自 entry，为空时回退到 context 中的操作者。
func (r *Recorder) Record(ctx context.Context, exec storage.IDatabase, entry Entry) (int64, error) {
	tenantID, err := r.guard.Require(ctx)
	if err != nil {
		return 0, err
	}

	actorID := entry.ActorID
	if actorID == "" {
		actorID = tenancy.ActorID(ctx)
	}
	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	changesRaw := "{}"
	if len(entry.Changes) > 0 {
		raw, err := json.Marshal(entry.Changes)
		if err != nil {
			return 0, errors.WrapError(err, errors.ErrCodeInvalidInput, "审计变更无法序列化")
		}
		changesRaw = string(raw)
	}

	result, err := exec.Exec(ctx,
		`INSERT INTO audit_entries (tenant_id, entity_type, entity_id, action, actor_id, changes, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tenantID, entry.EntityType, entry.EntityID, string(entry.Action),
		actorID, changesRaw, entry.CorrelationID, timestamp)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeDatabase, "写入审计记录失败")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeDatabase, "读取审计记录 ID 失败")
	}
	return id, nil
}

// Trail 按时间顺序返回实体的完整审计轨迹
func (r *Recorder) Trail(ctx context.Context, exec storage.IDatabase, entityType string, entityID int64, offset, limit int) ([]Entry, error) {
	tenantID, err := r.guard.Require(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := exec.Query(ctx,
		`SELECT id, entity_type, entity_id, action, actor_id, changes, correlation_id, created_at
		 FROM audit_entries
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		 ORDER BY id
		 LIMIT ? OFFSET ?`,
		tenantID, entityType, entityID, limit, offset)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "读取审计轨迹失败")
	}
	defer rows.Close()
	return r.scanEntries(rows, tenantID)
}

// ByCorrelation 按关联 ID 查询同一业务流程触发的全部审计记录
func (r *Recorder) ByCorrelation(ctx context.Context, exec storage.IDatabase, correlationID string) ([]Entry, error) {
	tenantID, err := r.guard.Require(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.Query(ctx,
		`SELECT id, entity_type, entity_id, action, actor_id, changes, correlation_id, created_at
		 FROM audit_entries
		 WHERE tenant_id = ? AND correlation_id = ?
		 ORDER BY id`,
		tenantID, correlationID)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "按关联 ID 读取审计记录失败")
	}
	defer rows.Close()
	return r.scanEntries(rows, tenantID)
}

func (r *Recorder) scanEntries(rows storage.IRows, tenantID string) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var entry Entry
		var action, changesRaw string
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &action,
			&entry.ActorID, &changesRaw, &entry.CorrelationID, &entry.Timestamp); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeDatabase, "扫描审计记录失败")
		}
		entry.TenantID = tenantID
		entry.Action = Action(action)
		if changesRaw != "" && changesRaw != "{}" {
			if err := json.Unmarshal([]byte(changesRaw), &entry.Changes); err != nil {
				return nil, errors.WrapError(err, errors.ErrCodeCorruptValue, "审计变更内容损坏")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
