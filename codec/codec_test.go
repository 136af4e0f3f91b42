package codec

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bizobj/errors"
)

// TestRoundTrip 测试各类型的编解码往返
func TestRoundTrip(t *testing.T) {
	date := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	datetime := time.Date(2026, 3, 15, 9, 30, 45, 0, time.UTC)

	tests := []struct {
		name  string
		ft    FieldType
		value any
	}{
		{"文本", FieldTypeText, "Acme Corp"},
		{"空文本", FieldTypeText, ""},
		{"整数", FieldTypeInteger, int64(42)},
		{"负整数", FieldTypeInteger, int64(-7)},
		{"布尔真", FieldTypeBoolean, true},
		{"布尔假", FieldTypeBoolean, false},
		{"日期", FieldTypeDate, date},
		{"日期时间", FieldTypeDatetime, datetime},
		{"结构化", FieldTypeJSON, map[string]any{"tier": "gold", "score": float64(9)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.value, tt.ft)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(raw, tt.ft)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !Equal(tt.value, decoded, tt.ft) {
				t.Fatalf("round trip mismatch: %v -> %q -> %v", tt.value, raw, decoded)
			}
		})
	}
}

// TestDecimalPreservesDigits 测试 decimal 保留精确的数字序列
func TestDecimalPreservesDigits(t *testing.T) {
	tests := []string{"19.90", "5000.00", "4999.99", "0.001", "10000", "-3.140"}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			decoded, err := Decode(raw, FieldTypeDecimal)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			encoded, err := Encode(decoded, FieldTypeDecimal)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if encoded != raw {
				t.Fatalf("decimal %q round-tripped to %q", raw, encoded)
			}
		})
	}
}

// TestEncodeRejectsWrongRuntimeType 测试类型不匹配被拒绝
func TestEncodeRejectsWrongRuntimeType(t *testing.T) {
	tests := []struct {
		name  string
		ft    FieldType
		value any
	}{
		{"字符串当整数", FieldTypeInteger, "42"},
		{"整数当文本", FieldTypeText, int64(42)},
		{"浮点当decimal", FieldTypeDecimal, 19.90},
		{"字符串当布尔", FieldTypeBoolean, "true"},
		{"字符串当日期", FieldTypeDate, "2026-03-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.value, tt.ft); !errors.IsInvalidType(err) {
				t.Fatalf("want INVALID_TYPE, got %v", err)
			}
		})
	}
}

// TestDecodeCorruptValue 测试损坏的存储值返回 CORRUPT_VALUE
func TestDecodeCorruptValue(t *testing.T) {
	tests := []struct {
		name string
		ft   FieldType
		raw  string
	}{
		{"非数字整数", FieldTypeInteger, "not-a-number"},
		{"非数字decimal", FieldTypeDecimal, "12,50"},
		{"非法布尔", FieldTypeBoolean, "yes"},
		{"非法日期", FieldTypeDate, "15/03/2026"},
		{"非法JSON", FieldTypeJSON, "{broken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.raw, tt.ft); !errors.IsCorruptValue(err) {
				t.Fatalf("want CORRUPT_VALUE, got %v", err)
			}
		})
	}
}

// TestCompareNumericNotLexical 测试数值域比较而非文本比较
func TestCompareNumericNotLexical(t *testing.T) {
	nine, _ := Decode("9", FieldTypeInteger)
	ten, _ := Decode("10", FieldTypeInteger)

	got, err := Compare(nine, ten, FieldTypeInteger)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	// 文本比较会得到 "9" > "10"，数值比较必须是 9 < 10
	if got != -1 {
		t.Fatalf("Compare(9, 10) = %d, want -1", got)
	}

	small, _ := Decode("4999.99", FieldTypeDecimal)
	big, _ := Decode("10000", FieldTypeDecimal)
	got, err = Compare(small, big, FieldTypeDecimal)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if got != -1 {
		t.Fatalf("Compare(4999.99, 10000) = %d, want -1", got)
	}
}

// TestCompareUnorderedTypes 测试无序类型拒绝比较
func TestCompareUnorderedTypes(t *testing.T) {
	if _, err := Compare(true, false, FieldTypeBoolean); !errors.IsInvalidType(err) {
		t.Fatalf("boolean compare should fail, got %v", err)
	}
	if _, err := Compare(map[string]any{}, map[string]any{}, FieldTypeJSON); !errors.IsInvalidType(err) {
		t.Fatalf("json compare should fail, got %v", err)
	}
}

// TestEqualDecimalIgnoresScale 测试 decimal 按数值判等
func TestEqualDecimalIgnoresScale(t *testing.T) {
	a := decimal.RequireFromString("5000.00")
	b := decimal.RequireFromString("5000")

	if !Equal(a, b, FieldTypeDecimal) {
		t.Fatal("5000.00 and 5000 must be equal in the value domain")
	}
	// 判等无视标度，编码仍保留标度
	encoded, err := Encode(a, FieldTypeDecimal)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded != "5000.00" {
		t.Fatalf("scale lost: %s", encoded)
	}
}

// TestParseFieldType 测试字段类型解析
func TestParseFieldType(t *testing.T) {
	if ft, err := ParseFieldType(" Decimal "); err != nil || ft != FieldTypeDecimal {
		t.Fatalf("ParseFieldType: %v %v", ft, err)
	}
	if _, err := ParseFieldType("float"); err == nil {
		t.Fatal("unknown type should fail")
	}
}
