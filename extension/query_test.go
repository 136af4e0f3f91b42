package extension

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizobj/codec"
	"bizobj/errors"
	"bizobj/tenancy"
)

// TestParseFilters 测试查询键解析
func TestParseFilters(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		want    Filter
		wantErr bool
	}{
		{name: "缺省算子为eq", params: map[string]string{"region": "north"},
			want: Filter{FieldName: "region", Op: OpEq, Raw: "north"}},
		{name: "显式gte", params: map[string]string{"credit_limit__gte": "5000"},
			want: Filter{FieldName: "credit_limit", Op: OpGte, Raw: "5000"}},
		{name: "字段名含下划线", params: map[string]string{"credit_limit__lt": "10"},
			want: Filter{FieldName: "credit_limit", Op: OpLt, Raw: "10"}},
		{name: "未知算子报错", params: map[string]string{"region__like": "n"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filters, err := ParseFilters(tt.params)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))
				return
			}
			require.NoError(t, err)
			require.Len(t, filters, 1)
			assert.Equal(t, tt.want, filters[0])
		})
	}
}

// TestQueryDecimalCompare 测试数值域比较而非文本比较
func TestQueryDecimalCompare(t *testing.T) {
	store, db, ctx := newTestStore(t)

	seed := map[int64]string{1: "4999.99", 2: "5000.00", 3: "10000"}
	for id, raw := range seed {
		_, _, err := store.SetValue(ctx, db, "customer", id, "credit_limit", raw, codec.FieldTypeDecimal)
		require.NoError(t, err)
	}

	ids, err := store.Query(ctx, db, "customer", []Filter{
		{FieldName: "credit_limit", Op: OpGte, Raw: "5000"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, ids, "文本序会错排 10000 与 4999.99")
}

// TestQueryIntegerCompare 测试整数比较 9 < 10
func TestQueryIntegerCompare(t *testing.T) {
	store, db, ctx := newTestStore(t)

	for id, raw := range map[int64]string{1: "9", 2: "10", 3: "100"} {
		_, _, err := store.SetValue(ctx, db, "customer", id, "score", raw, codec.FieldTypeInteger)
		require.NoError(t, err)
	}

	ids, err := store.Query(ctx, db, "customer", []Filter{
		{FieldName: "score", Op: OpGt, Raw: "9"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, ids)
}

// TestQueryMultiFilterIntersect 测试多条件取交集
func TestQueryMultiFilterIntersect(t *testing.T) {
	store, db, ctx := newTestStore(t)

	for id, region := range map[int64]string{1: "north", 2: "south", 3: "north"} {
		_, _, err := store.SetValue(ctx, db, "customer", id, "region", region, codec.FieldTypeText)
		require.NoError(t, err)
	}
	for id, limit := range map[int64]string{1: "1000", 2: "8000", 3: "9000"} {
		_, _, err := store.SetValue(ctx, db, "customer", id, "credit_limit", limit, codec.FieldTypeDecimal)
		require.NoError(t, err)
	}

	ids, err := store.Query(ctx, db, "customer", []Filter{
		{FieldName: "region", Op: OpEq, Raw: "north"},
		{FieldName: "credit_limit", Op: OpGte, Raw: "5000"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3}, ids)
}

// TestQueryUndefinedField 测试未定义字段命中空集
func TestQueryUndefinedField(t *testing.T) {
	store, db, ctx := newTestStore(t)

	ids, err := store.Query(ctx, db, "customer", []Filter{
		{FieldName: "nonexistent", Op: OpEq, Raw: "x"},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// TestQueryContains 测试 contains 仅适用于 text
func TestQueryContains(t *testing.T) {
	store, db, ctx := newTestStore(t)

	for id, region := range map[int64]string{1: "north-east", 2: "south"} {
		_, _, err := store.SetValue(ctx, db, "customer", id, "region", region, codec.FieldTypeText)
		require.NoError(t, err)
	}
	_, _, err := store.SetValue(ctx, db, "customer", 1, "score", "7", codec.FieldTypeInteger)
	require.NoError(t, err)

	ids, err := store.Query(ctx, db, "customer", []Filter{
		{FieldName: "region", Op: OpContains, Raw: "east"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1}, ids)

	_, err = store.Query(ctx, db, "customer", []Filter{
		{FieldName: "score", Op: OpContains, Raw: "7"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))
}

// TestQuerySkipsCorruptRows 测试损坏存量行被跳过
func TestQuerySkipsCorruptRows(t *testing.T) {
	store, db, ctx := newTestStore(t)

	for id, raw := range map[int64]string{1: "5", 2: "6"} {
		_, _, err := store.SetValue(ctx, db, "customer", id, "score", raw, codec.FieldTypeInteger)
		require.NoError(t, err)
	}
	_, err := db.Exec(context.Background(),
		`UPDATE extension_values SET raw_value = 'garbage' WHERE entity_id = 1`)
	require.NoError(t, err)

	ids, err := store.Query(ctx, db, "customer", []Filter{
		{FieldName: "score", Op: OpGte, Raw: "0"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, ids)
}

// TestQueryTenantScoped 测试查询只见本租户数据
func TestQueryTenantScoped(t *testing.T) {
	store, db, ctx := newTestStore(t)

	_, _, err := store.SetValue(ctx, db, "customer", 1, "region", "north", codec.FieldTypeText)
	require.NoError(t, err)

	ctxB := tenancy.WithTenantID(context.Background(), "tenant-b")
	ids, err := store.Query(ctxB, db, "customer", []Filter{
		{FieldName: "region", Op: OpEq, Raw: "north"},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}
