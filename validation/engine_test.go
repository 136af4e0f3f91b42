package validation

import (
	"context"
	"fmt"
	"testing"

	"bizobj/codec"
	"bizobj/errors"
)

func decode(t *testing.T, raw string, ft codec.FieldType) any {
	t.Helper()
	v, err := codec.Decode(raw, ft)
	if err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return v
}

// TestRequired 测试必填规则
func TestRequired(t *testing.T) {
	engine := NewEngine(nil)
	rules := []Rule{{Type: RuleRequired}}

	tests := []struct {
		name    string
		value   any
		wantBad bool
	}{
		{"缺失值", nil, true},
		{"空白字符串", "   ", true},
		{"正常值", "Acme", false},
		{"零值整数不算缺失", int64(0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Validate(context.Background(), "name", tt.value, codec.FieldTypeText, rules)
			if result.Valid() == tt.wantBad {
				t.Fatalf("Valid() = %v, violations %v", result.Valid(), result.Violations)
			}
		})
	}
}

// TestRangeTypedComparison 测试范围规则在类型域内比较
func TestRangeTypedComparison(t *testing.T) {
	engine := NewEngine(nil)

	tests := []struct {
		name    string
		ft      codec.FieldType
		raw     string
		config  map[string]any
		wantBad bool
	}{
		{"整数在范围内", codec.FieldTypeInteger, "50", map[string]any{"min": "1", "max": "100"}, false},
		{"整数低于下限", codec.FieldTypeInteger, "0", map[string]any{"min": "1"}, true},
		{"decimal 数值比较而非文本", codec.FieldTypeDecimal, "9", map[string]any{"max": "10"}, false},
		{"decimal 超上限", codec.FieldTypeDecimal, "10000.01", map[string]any{"max": "10000"}, true},
		{"日期在范围内", codec.FieldTypeDate, "2026-06-01", map[string]any{"min": "2026-01-01", "max": "2026-12-31"}, false},
		{"日期越界", codec.FieldTypeDate, "2027-01-01", map[string]any{"max": "2026-12-31"}, true},
		{"仅下限", codec.FieldTypeInteger, "7", map[string]any{"min": "5"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := decode(t, tt.raw, tt.ft)
			result := engine.Validate(context.Background(), "f", value, tt.ft,
				[]Rule{{Type: RuleRange, Config: tt.config}})
			if result.Valid() == tt.wantBad {
				t.Fatalf("Valid() = %v, violations %v", result.Valid(), result.Violations)
			}
		})
	}
}

// TestPattern 测试正则规则
func TestPattern(t *testing.T) {
	engine := NewEngine(nil)
	rules := []Rule{{Type: RulePattern, Config: map[string]any{"pattern": `^[A-Z]{2}-\d{4}$`}}}

	good := engine.Validate(context.Background(), "code", "AB-1234", codec.FieldTypeText, rules)
	if !good.Valid() {
		t.Fatalf("violations: %v", good.Violations)
	}

	bad := engine.Validate(context.Background(), "code", "ab-12", codec.FieldTypeText, rules)
	if bad.Valid() {
		t.Fatal("pattern mismatch should fail")
	}
}

// TestOptions 测试枚举允许列表
func TestOptions(t *testing.T) {
	engine := NewEngine(nil)
	rules := []Rule{{Type: RuleOptions, Config: map[string]any{"options": []any{"bronze", "silver", "gold"}}}}

	if r := engine.Validate(context.Background(), "tier", "gold", codec.FieldTypeText, rules); !r.Valid() {
		t.Fatalf("violations: %v", r.Violations)
	}
	if r := engine.Validate(context.Background(), "tier", "platinum", codec.FieldTypeText, rules); r.Valid() {
		t.Fatal("value outside allow-list should fail")
	}
}

// TestCustomPredicate 测试自定义谓词
func TestCustomPredicate(t *testing.T) {
	registry := NewRegistry()
	registry.Register("even", func(ctx context.Context, value any) (bool, error) {
		n, ok := value.(int64)
		if !ok {
			return false, fmt.Errorf("not an integer: %T", value)
		}
		return n%2 == 0, nil
	})
	registry.Register("panics", func(ctx context.Context, value any) (bool, error) {
		panic("boom")
	})
	engine := NewEngine(registry)

	evenRule := []Rule{{Type: RuleCustom, Config: map[string]any{"name": "even"}}}
	if r := engine.Validate(context.Background(), "n", int64(4), codec.FieldTypeInteger, evenRule); !r.Valid() {
		t.Fatalf("violations: %v", r.Violations)
	}
	if r := engine.Validate(context.Background(), "n", int64(3), codec.FieldTypeInteger, evenRule); r.Valid() {
		t.Fatal("odd value should fail the even predicate")
	}

	// 未注册谓词
	missing := []Rule{{Type: RuleCustom, Config: map[string]any{"name": "ghost"}}}
	if r := engine.Validate(context.Background(), "n", int64(1), codec.FieldTypeInteger, missing); r.Valid() {
		t.Fatal("unregistered predicate should fail")
	}

	// panic 的谓词降级为违规
	panics := []Rule{{Type: RuleCustom, Config: map[string]any{"name": "panics"}}}
	if r := engine.Validate(context.Background(), "n", int64(1), codec.FieldTypeInteger, panics); r.Valid() {
		t.Fatal("panicking predicate should fail, not crash")
	}
}

// TestViolationsAccumulate 测试违规累积不短路
func TestViolationsAccumulate(t *testing.T) {
	engine := NewEngine(nil)
	rules := []Rule{
		{Type: RulePattern, Config: map[string]any{"pattern": `^\d+$`}},
		{Type: RuleOptions, Config: map[string]any{"options": []any{"100", "200"}}},
	}

	// 同一值同时违反两条独立规则，两条都必须报告
	result := engine.Validate(context.Background(), "code", "abc", codec.FieldTypeText, rules)
	if len(result.Violations) != 2 {
		t.Fatalf("want 2 violations, got %d: %v", len(result.Violations), result.Violations)
	}
}

// TestErrCarriesViolations 测试错误携带完整违规列表
func TestErrCarriesViolations(t *testing.T) {
	engine := NewEngine(nil)
	rules := []Rule{
		{Type: RuleRequired},
		{Type: RulePattern, Config: map[string]any{"pattern": `^x`}},
	}
	result := engine.Validate(context.Background(), "f", "", codec.FieldTypeText, rules)

	err := Err(result)
	if !errors.IsValidation(err) {
		t.Fatalf("want VALIDATION_ERROR, got %v", err)
	}
	if got := Violations(err); len(got) != 2 {
		t.Fatalf("want 2 violations on error, got %v", got)
	}

	if Err(Result{}) != nil {
		t.Fatal("valid result should produce nil error")
	}
}
