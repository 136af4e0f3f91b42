package audit

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizobj/codec"
	"bizobj/errors"
	"bizobj/storage"
	"bizobj/storage/sqlite"
	"bizobj/tenancy"
)

func newTestRecorder(t *testing.T) (*Recorder, *sqlite.DB, context.Context) {
	t.Helper()
	db, err := sqlite.New(storage.Config{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	ctx := tenancy.WithTenantID(context.Background(), "tenant-a")
	ctx = tenancy.WithActorID(ctx, "user-1")
	return NewRecorder(tenancy.NewGuard()), db, ctx
}

// TestDiff 测试字段级差异计算
func TestDiff(t *testing.T) {
	tests := []struct {
		name   string
		before map[string]any
		after  map[string]any
		typed  map[string]codec.FieldType
		want   map[string]Change
	}{
		{
			name:   "新增字段旧值为nil",
			before: map[string]any{},
			after:  map[string]any{"name": "Acme"},
			want:   map[string]Change{"name": {Old: nil, New: "Acme"}},
		},
		{
			name:   "移除字段新值为nil",
			before: map[string]any{"name": "Acme"},
			after:  map[string]any{},
			want:   map[string]Change{"name": {Old: "Acme", New: nil}},
		},
		{
			name:   "未变化字段不出现",
			before: map[string]any{"name": "Acme", "region": "north"},
			after:  map[string]any{"name": "Acme", "region": "south"},
			want:   map[string]Change{"region": {Old: "north", New: "south"}},
		},
		{
			name:   "decimal按数值判等",
			before: map[string]any{"limit": decimal.RequireFromString("5000.00")},
			after:  map[string]any{"limit": decimal.RequireFromString("5000")},
			typed:  map[string]codec.FieldType{"limit": codec.FieldTypeDecimal},
			want:   nil,
		},
		{
			name:   "无差异返回nil",
			before: map[string]any{"name": "Acme"},
			after:  map[string]any{"name": "Acme"},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Diff(tt.before, tt.after, tt.typed))
		})
	}
}

// TestRecordAndTrail 测试写入与按实体回放
func TestRecordAndTrail(t *testing.T) {
	recorder, db, ctx := newTestRecorder(t)

	id1, err := recorder.Record(ctx, db, Entry{
		EntityType: "customer", EntityID: 1, Action: ActionCreate,
		Changes:       map[string]Change{"name": {New: "Acme"}},
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	require.Positive(t, id1)

	id2, err := recorder.Record(ctx, db, Entry{
		EntityType: "customer", EntityID: 1, Action: ActionUpdate,
		Changes: map[string]Change{"name": {Old: "Acme", New: "Acme Corp"}},
	})
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	trail, err := recorder.Trail(ctx, db, "customer", 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, ActionCreate, trail[0].Action)
	assert.Equal(t, ActionUpdate, trail[1].Action)
	assert.Equal(t, "user-1", trail[0].ActorID, "操作者缺省取自 context")
	assert.Equal(t, "corr-1", trail[0].CorrelationID)
	assert.Equal(t, "Acme Corp", trail[1].Changes["name"].New)
}

// TestByCorrelation 测试按关联 ID 聚合
func TestByCorrelation(t *testing.T) {
	recorder, db, ctx := newTestRecorder(t)

	for _, e := range []Entry{
		{EntityType: "customer", EntityID: 1, Action: ActionUpdate, CorrelationID: "flow-7"},
		{EntityType: "order", EntityID: 2, Action: ActionCreate, CorrelationID: "flow-7"},
		{EntityType: "order", EntityID: 3, Action: ActionCreate, CorrelationID: "flow-8"},
	} {
		_, err := recorder.Record(ctx, db, e)
		require.NoError(t, err)
	}

	entries, err := recorder.ByCorrelation(ctx, db, "flow-7")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "customer", entries[0].EntityType)
	assert.Equal(t, "order", entries[1].EntityType)
}

// TestTrailTenantScoped 测试审计轨迹的租户隔离
func TestTrailTenantScoped(t *testing.T) {
	recorder, db, ctx := newTestRecorder(t)

	_, err := recorder.Record(ctx, db, Entry{EntityType: "customer", EntityID: 1, Action: ActionCreate})
	require.NoError(t, err)

	ctxB := tenancy.WithTenantID(context.Background(), "tenant-b")
	trail, err := recorder.Trail(ctxB, db, "customer", 1, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, trail)

	_, err = recorder.Record(context.Background(), db, Entry{EntityType: "customer", EntityID: 1, Action: ActionCreate})
	require.Error(t, err)
	assert.True(t, errors.IsAccessDenied(err))
}

// TestRecordRollsBackWithTx 测试审计写入与工作单元同生共死
func TestRecordRollsBackWithTx(t *testing.T) {
	recorder, db, ctx := newTestRecorder(t)

	err := storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		if _, err := recorder.Record(ctx, tx, Entry{
			EntityType: "customer", EntityID: 1, Action: ActionCreate,
		}); err != nil {
			return err
		}
		return errors.NewError(errors.ErrCodeInternal, "模拟后续环节失败")
	})
	require.Error(t, err)

	trail, err := recorder.Trail(ctx, db, "customer", 1, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, trail, "回滚的工作单元不得留下审计记录")
}
