package extension

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
	"bizobj/validation"
)

func newTestStore(t *testing.T) (*Store, *sqlite.DB, context.Context) {
	t.Helper()
	db, err := sqlite.New(storage.Config{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	store := NewStore(tenancy.NewGuard(), validation.NewEngine(nil), nil)
	ctx := tenancy.WithTenantID(context.Background(), "tenant-a")
	return store, db, ctx
}

// TestSetValueImplicitDefinition 测试首写隐式创建字段定义
func TestSetValueImplicitDefinition(t *testing.T) {
	store, db, ctx := newTestStore(t)

	prev, had, err := store.SetValue(ctx, db, "customer", 1, "credit_limit", "5000.00", codec.FieldTypeDecimal)
	require.NoError(t, err)
	assert.False(t, had)
	assert.Nil(t, prev)

	def, err := store.GetDefinition(ctx, db, "customer", "credit_limit")
	require.NoError(t, err)
	assert.Equal(t, codec.FieldTypeDecimal, def.FieldType)

	// 后续写入遵循已定的类型，声明类型被忽略
	_, _, err = store.SetValue(ctx, db, "customer", 1, "credit_limit", "abc", codec.FieldTypeText)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err), "类型不符的输入必须按首写类型拒绝")
}

// TestImplicitDefinitionSurvivesRollback 测试回滚的事务不留下幻影定义缓存
func TestImplicitDefinitionSurvivesRollback(t *testing.T) {
	store, db, ctx := newTestStore(t)

	// 首写所在的工作单元因后续失败而回滚
	err := storage.InTx(ctx, db, func(tx storage.ITransaction) error {
		if _, _, err := store.SetValue(ctx, tx, "customer", 1, "credit_limit", "100.00", codec.FieldTypeDecimal); err != nil {
			return err
		}
		return errors.NewError(errors.ErrCodeConflict, "同事务的后续写入失败")
	})
	require.Error(t, err)

	// 回滚后的下一次写入必须重新创建定义行，而不是信任缓存
	_, _, err = store.SetValue(ctx, db, "customer", 1, "credit_limit", "150.00", codec.FieldTypeDecimal)
	require.NoError(t, err)

	var defCount int
	require.NoError(t, db.QueryRow(ctx,
		`SELECT COUNT(*) FROM field_definitions WHERE field_name = 'credit_limit'`).Scan(&defCount))
	assert.Equal(t, 1, defCount, "值行不得在没有定义行的情况下存在")

	// 空缓存的新 Store（进程重启）也必须能按该字段查询
	fresh := NewStore(tenancy.NewGuard(), validation.NewEngine(nil), nil)
	ids, err := fresh.Query(ctx, db, "customer", []Filter{{FieldName: "credit_limit", Op: OpGte, Raw: "100"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

// TestSetValueReturnsPrevious 测试覆盖写返回旧值
func TestSetValueReturnsPrevious(t *testing.T) {
	store, db, ctx := newTestStore(t)

	_, _, err := store.SetValue(ctx, db, "customer", 1, "region", "north", codec.FieldTypeText)
	require.NoError(t, err)

	prev, had, err := store.SetValue(ctx, db, "customer", 1, "region", "south", codec.FieldTypeText)
	require.NoError(t, err)
	assert.True(t, had)
	assert.Equal(t, "north", prev)
}

// TestSetValueValidation 测试规则违规时不落任何数据
func TestSetValueValidation(t *testing.T) {
	store, db, ctx := newTestStore(t)

	err := store.DefineField(ctx, db, "customer", "credit_limit", codec.FieldTypeDecimal, []validation.Rule{
		{Type: validation.RuleRange, Config: map[string]any{"min": "0", "max": "100000"}},
	})
	require.NoError(t, err)

	_, _, err = store.SetValue(ctx, db, "customer", 1, "credit_limit", "-1", "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	values, fieldErrs, err := store.GetValues(ctx, db, "customer", 1)
	require.NoError(t, err)
	assert.Empty(t, values, "违规写入不得留下任何值")
	assert.Empty(t, fieldErrs)
}

// TestSetValueUndeclaredType 测试未定义字段且未声明类型
func TestSetValueUndeclaredType(t *testing.T) {
	store, db, ctx := newTestStore(t)

	_, _, err := store.SetValue(ctx, db, "customer", 1, "nickname", "hi", "")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

// TestGetValuesDecoded 测试读取返回原生类型值
func TestGetValuesDecoded(t *testing.T) {
	store, db, ctx := newTestStore(t)

	_, _, err := store.SetValue(ctx, db, "customer", 1, "age", "42", codec.FieldTypeInteger)
	require.NoError(t, err)
	_, _, err = store.SetValue(ctx, db, "customer", 1, "vip", "true", codec.FieldTypeBoolean)
	require.NoError(t, err)
	_, _, err = store.SetValue(ctx, db, "customer", 1, "balance", "19.90", codec.FieldTypeDecimal)
	require.NoError(t, err)

	values, fieldErrs, err := store.GetValues(ctx, db, "customer", 1)
	require.NoError(t, err)
	assert.Empty(t, fieldErrs)
	assert.Equal(t, int64(42), values["age"])
	assert.Equal(t, true, values["vip"])

	balance, ok := values["balance"].(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "19.90", balance.String(), "小数位数必须原样保留")
}

// TestGetValuesCorruptIsolated 测试单字段损坏不影响其余字段
func TestGetValuesCorruptIsolated(t *testing.T) {
	store, db, ctx := newTestStore(t)

	_, _, err := store.SetValue(ctx, db, "customer", 1, "age", "42", codec.FieldTypeInteger)
	require.NoError(t, err)
	_, _, err = store.SetValue(ctx, db, "customer", 1, "region", "north", codec.FieldTypeText)
	require.NoError(t, err)

	// 绕过写路径直接破坏存储文本
	_, err = db.Exec(context.Background(),
		`UPDATE extension_values SET raw_value = 'not-a-number'
		 WHERE tenant_id = 'tenant-a' AND field_name = 'age'`)
	require.NoError(t, err)

	values, fieldErrs, err := store.GetValues(ctx, db, "customer", 1)
	require.NoError(t, err)
	assert.Equal(t, "north", values["region"])
	require.Contains(t, fieldErrs, "age")
	assert.True(t, errors.IsCorruptValue(fieldErrs["age"]))
}

// TestDeleteValue 测试删除与"从未设置"的区分
func TestDeleteValue(t *testing.T) {
	store, db, ctx := newTestStore(t)

	_, _, err := store.SetValue(ctx, db, "customer", 1, "region", "north", codec.FieldTypeText)
	require.NoError(t, err)

	prev, err := store.DeleteValue(ctx, db, "customer", 1, "region")
	require.NoError(t, err)
	assert.Equal(t, "north", prev)

	// 再次删除：行已不存在
	_, err = store.DeleteValue(ctx, db, "customer", 1, "region")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	values, _, err := store.GetValues(ctx, db, "customer", 1)
	require.NoError(t, err)
	assert.NotContains(t, values, "region")
}

// TestDefineFieldTypeImmutable 测试有存量值后类型不可变更
func TestDefineFieldTypeImmutable(t *testing.T) {
	store, db, ctx := newTestStore(t)

	require.NoError(t, store.DefineField(ctx, db, "customer", "score", codec.FieldTypeInteger, nil))
	_, _, err := store.SetValue(ctx, db, "customer", 1, "score", "7", "")
	require.NoError(t, err)

	err = store.DefineField(ctx, db, "customer", "score", codec.FieldTypeText, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// 无存量值时允许改类型
	require.NoError(t, store.DefineField(ctx, db, "customer", "grade", codec.FieldTypeInteger, nil))
	require.NoError(t, store.DefineField(ctx, db, "customer", "grade", codec.FieldTypeText, nil))
}

// TestTenantIsolation 测试租户之间定义与值互不可见
func TestTenantIsolation(t *testing.T) {
	store, db, ctx := newTestStore(t)
	ctxB := tenancy.WithTenantID(context.Background(), "tenant-b")

	_, _, err := store.SetValue(ctx, db, "customer", 1, "region", "north", codec.FieldTypeText)
	require.NoError(t, err)

	values, _, err := store.GetValues(ctxB, db, "customer", 1)
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = store.GetDefinition(ctxB, db, "customer", "region")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	// 同名字段在另一租户可以是不同类型
	_, _, err = store.SetValue(ctxB, db, "customer", 1, "region", "42", codec.FieldTypeInteger)
	require.NoError(t, err)
}

// TestRequireTenant 测试缺失租户上下文被拒绝
func TestRequireTenant(t *testing.T) {
	store, db, _ := newTestStore(t)

	_, _, err := store.SetValue(context.Background(), db, "customer", 1, "region", "x", codec.FieldTypeText)
	require.Error(t, err)
	assert.True(t, errors.IsAccessDenied(err))
}

// TestListDefinitions 测试定义列表含验证规则
func TestListDefinitions(t *testing.T) {
	store, db, ctx := newTestStore(t)

	require.NoError(t, store.DefineField(ctx, db, "customer", "credit_limit", codec.FieldTypeDecimal, []validation.Rule{
		{Type: validation.RuleRange, Config: map[string]any{"min": "0"}},
	}))
	require.NoError(t, store.DefineField(ctx, db, "customer", "region", codec.FieldTypeText, nil))

	defs, err := store.ListDefinitions(ctx, db, "customer")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "credit_limit", defs[0].FieldName)
	require.Len(t, defs[0].Rules, 1)
	assert.Equal(t, validation.RuleRange, defs[0].Rules[0].Type)
}
