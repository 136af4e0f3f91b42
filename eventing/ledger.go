package eventing

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bizobj/errors"
	"bizobj/storage"
)

// ILedger 消费幂等台账
//
// 幂等边界是 (consumer_group, event_id)：同一消费组内重复的事件 ID
// 被跳过，不同消费组各自独立处理同一事件。Seen 在处理前查询，
// Mark 只在处理成功后写入，失败后重投的事件仍会被完整处理。
type ILedger interface {
	// Seen 查询事件是否已被本组成功处理
	Seen(ctx context.Context, group, eventID string) (bool, error)

	// Mark 记录事件已被本组成功处理
	Mark(ctx context.Context, group, eventID string) error
}

// MemoryLedger 进程内台账（单机/测试场景）
type MemoryLedger struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewMemoryLedger 创建进程内台账
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) Seen(ctx context.Context, group, eventID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[group+"\x00"+eventID]
	return ok, nil
}

func (l *MemoryLedger) Mark(ctx context.Context, group, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[group+"\x00"+eventID] = struct{}{}
	return nil
}

// SQLLedger 基于 processed_events 表的持久台账
type SQLLedger struct {
	db storage.IConn
}

// NewSQLLedger 创建持久台账
func NewSQLLedger(db storage.IConn) *SQLLedger {
	return &SQLLedger{db: db}
}

func (l *SQLLedger) Seen(ctx context.Context, group, eventID string) (bool, error) {
	var count int64
	err := l.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM processed_events WHERE consumer_group = ? AND event_id = ?`,
		group, eventID).Scan(&count)
	if err != nil {
		return false, errors.WrapError(err, errors.ErrCodeDatabase, "查询消费台账失败")
	}
	return count > 0, nil
}

func (l *SQLLedger) Mark(ctx context.Context, group, eventID string) error {
	// 主键冲突视为已记录，重复 Mark 幂等
	_, err := l.db.Exec(ctx,
		`INSERT OR IGNORE INTO processed_events (consumer_group, event_id, processed_at)
		 VALUES (?, ?, ?)`,
		group, eventID, time.Now().UTC())
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeDatabase, "写入消费台账失败")
	}
	return nil
}

// RedisLedger 基于 Redis 的台账（多实例共享，可设过期）
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger 创建 Redis 台账
//
// ttl 限定台账保留期：超过传输层最大重投窗口即可，0 表示永不过期。
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "bizobj:ledger:"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(group, eventID string) string {
	return l.prefix + group + ":" + eventID
}

func (l *RedisLedger) Seen(ctx context.Context, group, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(group, eventID)).Result()
	if err != nil {
		return false, errors.WrapError(err, errors.ErrCodeQueue, "查询消费台账失败")
	}
	return n > 0, nil
}

func (l *RedisLedger) Mark(ctx context.Context, group, eventID string) error {
	if err := l.client.SetNX(ctx, l.key(group, eventID), 1, l.ttl).Err(); err != nil {
		return errors.WrapError(err, errors.ErrCodeQueue, "写入消费台账失败")
	}
	return nil
}
