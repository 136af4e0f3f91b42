// Package eventing 实现 Outbox Pattern，确保事件发布的可靠性
//
// Outbox Pattern 解决的问题：
// 1. 实体变更和事件暂存的原子性
// 2. 发布失败时的重试与对账
// 3. 超过重试上限后的死信留存
package eventing

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"bizobj/errors"
	"bizobj/storage"
)

// OutboxStatus 表示 Outbox 记录的状态
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"   // 待发布
	OutboxStatusPublished OutboxStatus = "published" // 已发布
	OutboxStatusFailed    OutboxStatus = "failed"    // 发布失败
)

// OutboxEntry 表示一个待发布的事件记录
type OutboxEntry struct {
	ID          int64        `json:"id"`
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	TenantID    string       `json:"tenant_id"`
	EntityType  string       `json:"entity_type"`
	EntityID    int64        `json:"entity_id"`
	Envelope    string       `json:"envelope"` // JSON 序列化的事件信封
	Status      OutboxStatus `json:"status"`
	RetryCount  int          `json:"retry_count"`
	LastError   string       `json:"last_error,omitempty"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
}

// ToEnvelope 将 Outbox 记录转换回信封
func (e *OutboxEntry) ToEnvelope() (*Envelope, error) {
	return Unmarshal(e.Envelope)
}

// ShouldRetry 判断是否应该重试
func (e *OutboxEntry) ShouldRetry(maxRetries int) bool {
	return e.Status == OutboxStatusFailed &&
		e.RetryCount < maxRetries &&
		(e.NextRetryAt == nil || time.Now().After(*e.NextRetryAt))
}

// NextRetryTime 计算下次重试时间（指数退避）
func (e *OutboxEntry) NextRetryTime(baseInterval time.Duration) time.Time {
	retryCount := e.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	// 上限 2^5，避免移位放大出超长等待
	if retryCount > 5 {
		retryCount = 5
	}
	return time.Now().Add(baseInterval * time.Duration(1<<retryCount))
}

// DLQEntry 死信记录
//
// Outbox 记录多次重试失败后移入死信表，等待人工介入或重新入队。
type DLQEntry struct {
	ID              int64     `json:"id"`
	OriginalEntryID int64     `json:"original_entry_id"`
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	TenantID        string    `json:"tenant_id"`
	EntityType      string    `json:"entity_type"`
	EntityID        int64     `json:"entity_id"`
	Envelope        string    `json:"envelope"`
	FailureReason   string    `json:"failure_reason"`
	RetryCount      int       `json:"retry_count"`
	MovedAt         time.Time `json:"moved_at"`
}

// ToEnvelope 将死信记录转换为信封
func (e *DLQEntry) ToEnvelope() (*Envelope, error) {
	return Unmarshal(e.Envelope)
}

// IOutboxRepository 定义 Outbox 仓储接口
type IOutboxRepository interface {
	// Stage 在调用方事务内暂存一条待发布事件
	Stage(ctx context.Context, exec storage.IDatabase, env *Envelope) error

	// GetPendingEntries 获取待发布/到期待重试的记录
	GetPendingEntries(ctx context.Context, limit int) ([]OutboxEntry, error)

	// GetByEventID 按事件 ID 取记录
	GetByEventID(ctx context.Context, eventID string) (OutboxEntry, error)

	// MarkAsPublished 标记记录为已发布
	MarkAsPublished(ctx context.Context, entryID int64) error

	// MarkAsFailed 标记记录发布失败并设置下次重试时间
	MarkAsFailed(ctx context.Context, entryID int64, errorMsg string, nextRetryAt time.Time) error

	// DeletePublished 删除已发布的记录（清理历史数据）
	DeletePublished(ctx context.Context, olderThan time.Time) error

	// MoveToDLQ 将记录移入死信表并从 Outbox 删除
	MoveToDLQ(ctx context.Context, entry OutboxEntry) error

	// GetDLQEntries 获取死信记录
	GetDLQEntries(ctx context.Context, limit int) ([]DLQEntry, error)

	// RetryFromDLQ 将死信记录重新入队并删除死信记录
	RetryFromDLQ(ctx context.Context, dlqID int64) error

	// GetDLQCount 获取死信记录数量
	GetDLQCount(ctx context.Context) (int64, error)
}

// SQLOutboxRepository Outbox 的 SQL 实现
type SQLOutboxRepository struct {
	db storage.IConn
}

// NewSQLOutboxRepository 创建 SQL Outbox 仓储
func NewSQLOutboxRepository(db storage.IConn) *SQLOutboxRepository {
	return &SQLOutboxRepository{db: db}
}

// Stage 在调用方事务内暂存一条待发布事件
func (r *SQLOutboxRepository) Stage(ctx context.Context, exec storage.IDatabase, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "事件信封不完整")
	}
	raw, err := env.Marshal()
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "事件信封无法序列化")
	}
	if exec == nil {
		exec = r.db
	}
	_, err = exec.Exec(ctx,
		`INSERT INTO event_outbox (event_id, event_type, tenant_id, entity_type, entity_id, envelope, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		env.EventID, env.EventType, env.TenantID, env.EntityType, env.EntityID,
		raw, string(OutboxStatusPending), time.Now().UTC())
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "暂存事件失败")
	}
	return nil
}

// GetPendingEntries 获取待发布/到期待重试的记录（按暂存顺序）
func (r *SQLOutboxRepository) GetPendingEntries(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, event_id, event_type, tenant_id, entity_type, entity_id, envelope,
		        status, retry_count, last_error, next_retry_at, created_at, published_at
		 FROM event_outbox
		 WHERE status = ? OR (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		 ORDER BY id
		 LIMIT ?`,
		string(OutboxStatusPending), string(OutboxStatusFailed), time.Now().UTC(), limit)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "读取待发布事件失败")
	}
	defer rows.Close()
	return scanOutboxEntries(rows)
}

// GetByEventID 按事件 ID 取记录
func (r *SQLOutboxRepository) GetByEventID(ctx context.Context, eventID string) (OutboxEntry, error) {
	var entry OutboxEntry
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT id, event_id, event_type, tenant_id, entity_type, entity_id, envelope,
		        status, retry_count, last_error, next_retry_at, created_at, published_at
		 FROM event_outbox WHERE event_id = ?`, eventID).
		Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.TenantID, &entry.EntityType,
			&entry.EntityID, &entry.Envelope, &status, &entry.RetryCount, &entry.LastError,
			&entry.NextRetryAt, &entry.CreatedAt, &entry.PublishedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, errors.NewErrorf(errors.ErrCodeNotFound, "事件 %s 不在出站表中", eventID)
	}
	if err != nil {
		return OutboxEntry{}, errors.WrapError(err, errors.ErrCodeDatabase, "读取出站事件失败")
	}
	entry.Status = OutboxStatus(status)
	return entry, nil
}

// MarkAsPublished 标记记录为已发布
func (r *SQLOutboxRepository) MarkAsPublished(ctx context.Context, entryID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE event_outbox SET status = ?, published_at = ? WHERE id = ?`,
		string(OutboxStatusPublished), time.Now().UTC(), entryID)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "标记事件已发布失败")
	}
	return nil
}

// MarkAsFailed 标记记录发布失败并设置下次重试时间
func (r *SQLOutboxRepository) MarkAsFailed(ctx context.Context, entryID int64, errorMsg string, nextRetryAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE event_outbox SET status = ?, retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
		 WHERE id = ?`,
		string(OutboxStatusFailed), errorMsg, nextRetryAt, entryID)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "标记事件发布失败出错")
	}
	return nil
}

// DeletePublished 删除已发布的历史记录
func (r *SQLOutboxRepository) DeletePublished(ctx context.Context, olderThan time.Time) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM event_outbox WHERE status = ? AND published_at < ?`,
		string(OutboxStatusPublished), olderThan)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "清理已发布事件失败")
	}
	return nil
}

// MoveToDLQ 将记录移入死信表并从 Outbox 删除
func (r *SQLOutboxRepository) MoveToDLQ(ctx context.Context, entry OutboxEntry) error {
	return storage.InTx(ctx, r.db, func(tx storage.ITransaction) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_outbox_dlq (original_entry_id, event_id, event_type, tenant_id, entity_type, entity_id, envelope, failure_reason, retry_count, moved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.EventID, entry.EventType, entry.TenantID, entry.EntityType,
			entry.EntityID, entry.Envelope, entry.LastError, entry.RetryCount, time.Now().UTC()); err != nil {
			return errors.WrapError(err, errors.ErrCodeDatabase, "写入死信表失败")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM event_outbox WHERE id = ?`, entry.ID); err != nil {
			return errors.WrapError(err, errors.ErrCodeDatabase, "删除出站记录失败")
		}
		return nil
	})
}

// GetDLQEntries 获取死信记录
func (r *SQLOutboxRepository) GetDLQEntries(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, original_entry_id, event_id, event_type, tenant_id, entity_type, entity_id, envelope, failure_reason, retry_count, moved_at
		 FROM event_outbox_dlq ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeDatabase, "读取死信记录失败")
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.OriginalEntryID, &e.EventID, &e.EventType, &e.TenantID,
			&e.EntityType, &e.EntityID, &e.Envelope, &e.FailureReason, &e.RetryCount, &e.MovedAt); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeDatabase, "扫描死信记录失败")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RetryFromDLQ 将死信记录重新入队（重置重试计数）并删除死信记录
func (r *SQLOutboxRepository) RetryFromDLQ(ctx context.Context, dlqID int64) error {
	return storage.InTx(ctx, r.db, func(tx storage.ITransaction) error {
		var e DLQEntry
		err := tx.QueryRow(ctx,
			`SELECT event_id, event_type, tenant_id, entity_type, entity_id, envelope
			 FROM event_outbox_dlq WHERE id = ?`, dlqID).
			Scan(&e.EventID, &e.EventType, &e.TenantID, &e.EntityType, &e.EntityID, &e.Envelope)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return errors.NewErrorf(errors.ErrCodeNotFound, "死信记录 %d 不存在", dlqID)
		}
		if err != nil {
			return errors.WrapError(err, errors.ErrCodeDatabase, "读取死信记录失败")
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO event_outbox (event_id, event_type, tenant_id, entity_type, entity_id, envelope, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, e.EventType, e.TenantID, e.EntityType, e.EntityID, e.Envelope,
			string(OutboxStatusPending), time.Now().UTC()); err != nil {
			return errors.WrapError(err, errors.ErrCodeDatabase, "重新入队失败")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM event_outbox_dlq WHERE id = ?`, dlqID); err != nil {
			return errors.WrapError(err, errors.ErrCodeDatabase, "删除死信记录失败")
		}
		return nil
	})
}

// GetDLQCount 获取死信记录数量
func (r *SQLOutboxRepository) GetDLQCount(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM event_outbox_dlq`).Scan(&count); err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeDatabase, "统计死信记录失败")
	}
	return count, nil
}

func scanOutboxEntries(rows storage.IRows) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var status string
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.TenantID,
			&entry.EntityType, &entry.EntityID, &entry.Envelope, &status, &entry.RetryCount,
			&entry.LastError, &entry.NextRetryAt, &entry.CreatedAt, &entry.PublishedAt); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeDatabase, "扫描出站记录失败")
		}
		entry.Status = OutboxStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
