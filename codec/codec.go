// Package codec 提供扩展字段的类型化编解码
//
// 扩展字段值统一以文本形式落库，本包负责原生类型与文本表示之间的转换：
//  1. Encode：原生值 -> 文本，运行时类型与声明类型不匹配返回 INVALID_TYPE；
//  2. Decode：文本 -> 原生值，解析失败返回 CORRUPT_VALUE（对存储层损坏的防御检查）；
//  3. Equal / Compare：在原生类型域内比较，避免 "9" > "10" 这类文本序错误。
//
// decimal 类型基于字符串的任意精度表示（shopspring/decimal），绝不落入二进制
// 浮点：下游的保证金、定价比较是金融语义，"19.90" 编解码后必须仍是 "19.90"。
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bizobj/errors"
)

// FieldType 扩展字段类型
type FieldType string

// 支持的字段类型
const (
	FieldTypeText     FieldType = "text"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeDecimal  FieldType = "decimal"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDate     FieldType = "date"
	FieldTypeDatetime FieldType = "datetime"
	FieldTypeJSON     FieldType = "json"
)

// 文本表示格式
const (
	dateLayout     = "2006-01-02"
	datetimeLayout = time.RFC3339Nano
)

// ParseFieldType 解析字段类型名称
func ParseFieldType(s string) (FieldType, error) {
	ft := FieldType(strings.ToLower(strings.TrimSpace(s)))
	switch ft {
	case FieldTypeText, FieldTypeInteger, FieldTypeDecimal, FieldTypeBoolean,
		FieldTypeDate, FieldTypeDatetime, FieldTypeJSON:
		return ft, nil
	}
	return "", errors.NewErrorf(errors.ErrCodeInvalidInput, "未知字段类型: %q", s)
}

// Encode 将原生值编码为文本存储表示
//
// 纯函数；value 的运行时类型必须与 ft 匹配，否则返回 INVALID_TYPE。
func Encode(value any, ft FieldType) (string, error) {
	switch ft {
	case FieldTypeText:
		s, ok := value.(string)
		if !ok {
			return "", invalidType(value, ft)
		}
		return s, nil

	case FieldTypeInteger:
		switch v := value.(type) {
		case int:
			return strconv.FormatInt(int64(v), 10), nil
		case int32:
			return strconv.FormatInt(int64(v), 10), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		}
		return "", invalidType(value, ft)

	case FieldTypeDecimal:
		d, ok := value.(decimal.Decimal)
		if !ok {
			return "", invalidType(value, ft)
		}
		// String 会裁掉末尾零；按指数定点输出保留标度，
		// "19.90" 不会退化为 "19.9"
		if d.Exponent() < 0 {
			return d.StringFixed(-d.Exponent()), nil
		}
		return d.String(), nil

	case FieldTypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return "", invalidType(value, ft)
		}
		return strconv.FormatBool(b), nil

	case FieldTypeDate:
		t, ok := value.(time.Time)
		if !ok {
			return "", invalidType(value, ft)
		}
		return t.Format(dateLayout), nil

	case FieldTypeDatetime:
		t, ok := value.(time.Time)
		if !ok {
			return "", invalidType(value, ft)
		}
		return t.UTC().Format(datetimeLayout), nil

	case FieldTypeJSON:
		data, err := json.Marshal(value)
		if err != nil {
			return "", errors.WrapError(err, errors.ErrCodeInvalidType,
				fmt.Sprintf("值无法序列化为 JSON: %T", value))
		}
		return string(data), nil
	}

	return "", errors.NewErrorf(errors.ErrCodeInvalidInput, "未知字段类型: %q", ft)
}

// Decode 将文本存储表示解码为原生值
//
// 返回值的具体类型：text->string、integer->int64、decimal->decimal.Decimal、
// boolean->bool、date/datetime->time.Time、json->any。
// 解析失败返回 CORRUPT_VALUE。
func Decode(raw string, ft FieldType) (any, error) {
	switch ft {
	case FieldTypeText:
		return raw, nil

	case FieldTypeInteger:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, corrupt(raw, ft, err)
		}
		return v, nil

	case FieldTypeDecimal:
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, corrupt(raw, ft, err)
		}
		return d, nil

	case FieldTypeBoolean:
		switch strings.TrimSpace(raw) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, corrupt(raw, ft, nil)

	case FieldTypeDate:
		t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, corrupt(raw, ft, err)
		}
		return t, nil

	case FieldTypeDatetime:
		t, err := time.Parse(datetimeLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, corrupt(raw, ft, err)
		}
		return t, nil

	case FieldTypeJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, corrupt(raw, ft, err)
		}
		return v, nil
	}

	return nil, errors.NewErrorf(errors.ErrCodeInvalidInput, "未知字段类型: %q", ft)
}

// Equal 在原生类型域内判断相等
//
// decimal 按数值比较（"5000.00" 与 "5000" 相等），避免格式差异造成的
// 审计误报；json 按结构比较。
func Equal(a, b any, ft FieldType) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch ft {
	case FieldTypeInteger:
		ia, aok := toInt64(a)
		ib, bok := toInt64(b)
		return aok && bok && ia == ib

	case FieldTypeDecimal:
		da, aok := a.(decimal.Decimal)
		db, bok := b.(decimal.Decimal)
		return aok && bok && da.Cmp(db) == 0

	case FieldTypeDate, FieldTypeDatetime:
		ta, aok := a.(time.Time)
		tb, bok := b.(time.Time)
		return aok && bok && ta.Equal(tb)

	case FieldTypeJSON:
		ra, errA := json.Marshal(a)
		rb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ra) == string(rb)
	}

	return a == b
}

// Compare 在原生类型域内比较大小
//
// 返回 -1/0/1；boolean 与 json 无序，返回 INVALID_TYPE。
func Compare(a, b any, ft FieldType) (int, error) {
	switch ft {
	case FieldTypeText:
		sa, aok := a.(string)
		sb, bok := b.(string)
		if !aok || !bok {
			return 0, invalidType(a, ft)
		}
		return strings.Compare(sa, sb), nil

	case FieldTypeInteger:
		ia, aok := a.(int64)
		ib, bok := b.(int64)
		if !aok || !bok {
			return 0, invalidType(a, ft)
		}
		switch {
		case ia < ib:
			return -1, nil
		case ia > ib:
			return 1, nil
		}
		return 0, nil

	case FieldTypeDecimal:
		da, aok := a.(decimal.Decimal)
		db, bok := b.(decimal.Decimal)
		if !aok || !bok {
			return 0, invalidType(a, ft)
		}
		return da.Cmp(db), nil

	case FieldTypeDate, FieldTypeDatetime:
		ta, aok := a.(time.Time)
		tb, bok := b.(time.Time)
		if !aok || !bok {
			return 0, invalidType(a, ft)
		}
		switch {
		case ta.Before(tb):
			return -1, nil
		case ta.After(tb):
			return 1, nil
		}
		return 0, nil
	}

	return 0, errors.NewErrorf(errors.ErrCodeInvalidType, "字段类型 %q 不支持大小比较", ft)
}

// toInt64 统一整数宽度（调用方传入 int/int32，解码结果是 int64）
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// invalidType 构造类型不匹配错误
func invalidType(value any, ft FieldType) error {
	return errors.NewErrorf(errors.ErrCodeInvalidType,
		"运行时类型 %T 与声明类型 %q 不匹配", value, ft)
}

// corrupt 构造存储值损坏错误
func corrupt(raw string, ft FieldType, cause error) error {
	msg := fmt.Sprintf("存储值无法按 %q 解码: %q", ft, raw)
	if cause != nil {
		return errors.WrapError(cause, errors.ErrCodeCorruptValue, msg)
	}
	return errors.NewError(errors.ErrCodeCorruptValue, msg)
}
