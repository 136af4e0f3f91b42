package eventing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizobj/messaging"
	"bizobj/storage"
	"bizobj/storage/sqlite"
)

func newTestRepo(t *testing.T) (*SQLOutboxRepository, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.New(storage.Config{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return NewSQLOutboxRepository(db), db
}

func testEnvelope(entityID int64) *Envelope {
	return NewEnvelope("tenant-a", "customer", entityID, 1, ActionCreated,
		map[string]any{"name": "Acme"})
}

// fakeTransport 可编程失败的传输桩
type fakeTransport struct {
	mu        sync.Mutex
	published []messaging.IMessage
	failures  int
}

func (f *fakeTransport) Publish(ctx context.Context, m messaging.IMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("simulated publish failure")
	}
	f.published = append(f.published, m)
	return nil
}
func (f *fakeTransport) PublishAll(ctx context.Context, ms []messaging.IMessage) error {
	for _, m := range ms {
		if err := f.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
func (f *fakeTransport) Subscribe(string, messaging.IMessageHandler) error   { return nil }
func (f *fakeTransport) Unsubscribe(string, messaging.IMessageHandler) error { return nil }
func (f *fakeTransport) Start(context.Context) error                         { return nil }
func (f *fakeTransport) Close() error                                        { return nil }
func (f *fakeTransport) Stats() messaging.TransportStats                     { return messaging.TransportStats{} }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// TestStageWithinTransaction 测试暂存与业务写入同事务回滚
func TestStageWithinTransaction(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	err := storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		if err := repo.Stage(ctx, tx, testEnvelope(1)); err != nil {
			return err
		}
		return fmt.Errorf("业务环节失败")
	})
	require.Error(t, err)

	entries, err := repo.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "回滚的事务不得留下出站记录")
}

// TestStageRejectsIncompleteEnvelope 测试信封校验
func TestStageRejectsIncompleteEnvelope(t *testing.T) {
	repo, _ := newTestRepo(t)

	env := testEnvelope(1)
	env.TenantID = ""
	err := repo.Stage(context.Background(), nil, env)
	require.Error(t, err)
}

// TestPublishStagedImmediate 测试提交后即时发布
func TestPublishStagedImmediate(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	transport := &fakeTransport{}
	pub := NewPublisher(repo, transport, DefaultOutboxConfig(), nil)

	env := testEnvelope(1)
	require.NoError(t, storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		return repo.Stage(ctx, tx, env)
	}))

	require.NoError(t, pub.PublishStaged(ctx, env.EventID))
	require.Equal(t, 1, transport.count())
	assert.Equal(t, env.EventID, transport.published[0].GetID())
	assert.Equal(t, "customer.created", transport.published[0].GetType())

	// 已发布的记录不再出现在待发布列表
	entries, err := repo.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// 重复触发不产生第二次发布
	require.NoError(t, pub.PublishStaged(ctx, env.EventID))
	assert.Equal(t, 1, transport.count())
}

// TestPublishFailureLeavesEntryForRetry 测试发布失败不丢事件
func TestPublishFailureLeavesEntryForRetry(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	transport := &fakeTransport{failures: 1}
	cfg := DefaultOutboxConfig()
	cfg.RetryInterval = time.Millisecond
	pub := NewPublisher(repo, transport, cfg, nil)

	env := testEnvelope(1)
	require.NoError(t, storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		return repo.Stage(ctx, tx, env)
	}))

	err := pub.PublishStaged(ctx, env.EventID)
	require.Error(t, err, "即时发布失败应作为告警返回")

	entry, getErr := repo.GetByEventID(ctx, env.EventID)
	require.NoError(t, getErr)
	assert.Equal(t, OutboxStatusFailed, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)

	// 退避到期后对账重发成功
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, pub.PublishPending(ctx))
	assert.Equal(t, 1, transport.count())
}

// TestMoveToDLQAfterMaxRetries 测试超限移入死信表
func TestMoveToDLQAfterMaxRetries(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	transport := &fakeTransport{failures: 100}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 2
	cfg.RetryInterval = time.Nanosecond
	pub := NewPublisher(repo, transport, cfg, nil)

	env := testEnvelope(1)
	require.NoError(t, storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		return repo.Stage(ctx, tx, env)
	}))

	// 两轮失败后记录移入死信表
	_ = pub.PublishPending(ctx)
	time.Sleep(time.Millisecond)
	_ = pub.PublishPending(ctx)

	count, err := repo.GetDLQCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	entries, err := repo.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "移入死信表后出站表不再保留")

	dlq, err := repo.GetDLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, env.EventID, dlq[0].EventID)
	assert.NotEmpty(t, dlq[0].FailureReason)
}

// TestRetryFromDLQ 测试死信重新入队
func TestRetryFromDLQ(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	transport := &fakeTransport{failures: 2}
	cfg := DefaultOutboxConfig()
	cfg.MaxRetries = 2
	cfg.RetryInterval = time.Nanosecond
	pub := NewPublisher(repo, transport, cfg, nil)

	env := testEnvelope(1)
	require.NoError(t, storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		return repo.Stage(ctx, tx, env)
	}))
	_ = pub.PublishPending(ctx)
	time.Sleep(time.Millisecond)
	_ = pub.PublishPending(ctx)

	dlq, err := repo.GetDLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)

	require.NoError(t, repo.RetryFromDLQ(ctx, dlq[0].ID))

	count, err := repo.GetDLQCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	// 故障已恢复（failures 耗尽），重新入队后发布成功
	require.NoError(t, pub.PublishPending(ctx))
	assert.Equal(t, 1, transport.count())
}

// TestDeletePublished 测试已发布记录清理
func TestDeletePublished(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	transport := &fakeTransport{}
	pub := NewPublisher(repo, transport, DefaultOutboxConfig(), nil)

	env := testEnvelope(1)
	require.NoError(t, storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		return repo.Stage(ctx, tx, env)
	}))
	require.NoError(t, pub.PublishPending(ctx))

	require.NoError(t, repo.DeletePublished(ctx, time.Now().Add(time.Minute)))

	_, err := repo.GetByEventID(ctx, env.EventID)
	require.Error(t, err)
}

// TestPendingOrder 测试待发布记录按暂存顺序返回
func TestPendingOrder(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	var ids []string
	require.NoError(t, storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		for i := int64(1); i <= 5; i++ {
			env := testEnvelope(i)
			ids = append(ids, env.EventID)
			if err := repo.Stage(ctx, tx, env); err != nil {
				return err
			}
		}
		return nil
	}))

	entries, err := repo.GetPendingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		assert.Equal(t, ids[i], entry.EventID, "发布顺序必须与暂存顺序一致")
	}
}
