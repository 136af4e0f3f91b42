package validation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"bizobj/codec"
	"bizobj/errors"
)

// Engine 验证引擎
//
// 依赖 codec 做类型域内的范围比较；custom 规则委托给 Registry 中的命名谓词。
type Engine struct {
	registry *Registry
}

// NewEngine 创建验证引擎
//
// registry 可为 nil，此时 custom 规则一律判为违规（未注册谓词）。
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// Validate 对候选值评估全部规则
//
// 所有规则都会被评估，违规项累积返回；引擎不短路，保证单次响应能
// 报告字段上的每一个问题。
func (e *Engine) Validate(ctx context.Context, field string, value any, ft codec.FieldType, rules []Rule) Result {
	var result Result
	for _, rule := range rules {
		switch rule.Type {
		case RuleRequired:
			e.checkRequired(field, value, &result)
		case RuleRange:
			e.checkRange(field, value, ft, rule, &result)
		case RulePattern:
			e.checkPattern(field, value, rule, &result)
		case RuleOptions:
			e.checkOptions(field, value, ft, rule, &result)
		case RuleCustom:
			e.checkCustom(ctx, field, value, rule, &result)
		default:
			result.Add(field, rule.Type, fmt.Sprintf("未知规则类型: %q", rule.Type))
		}
	}
	return result
}

// Err 将验证结果转换为 VALIDATION_ERROR
//
// 结果通过验证时返回 nil；违规列表完整挂在错误详情上。
func Err(result Result) error {
	if result.Valid() {
		return nil
	}
	return errors.NewErrorf(errors.ErrCodeValidation, "%d 项字段验证未通过", len(result.Violations)).
		WithContext("violations", result.Violations)
}

// Violations 从 VALIDATION_ERROR 中取回违规列表
func Violations(err error) []FieldViolation {
	var appErr errors.IError
	if !errors.IsValidation(err) {
		return nil
	}
	if e, ok := err.(errors.IError); ok {
		appErr = e
	} else {
		return nil
	}
	if vs, ok := appErr.Details()["violations"].([]FieldViolation); ok {
		return vs
	}
	return nil
}

func (e *Engine) checkRequired(field string, value any, result *Result) {
	if value == nil {
		result.Add(field, RuleRequired, "字段为必填项")
		return
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		result.Add(field, RuleRequired, "字段不能为空")
	}
}

func (e *Engine) checkRange(field string, value any, ft codec.FieldType, rule Rule, result *Result) {
	if value == nil {
		return
	}

	check := func(key string, wantAtMost bool) {
		boundRaw, ok := configString(rule.Config, key)
		if !ok {
			return
		}
		bound, err := coerceBound(boundRaw, ft)
		if err != nil {
			result.Add(field, RuleRange, fmt.Sprintf("规则边界 %s=%q 无法按 %q 解析", key, boundRaw, ft))
			return
		}
		cmp, err := codec.Compare(value, bound, ft)
		if err != nil {
			result.Add(field, RuleRange, fmt.Sprintf("字段类型 %q 不支持范围比较", ft))
			return
		}
		if wantAtMost && cmp > 0 {
			result.Add(field, RuleRange, fmt.Sprintf("值超过上限 %s", boundRaw))
		}
		if !wantAtMost && cmp < 0 {
			result.Add(field, RuleRange, fmt.Sprintf("值低于下限 %s", boundRaw))
		}
	}

	check("min", false)
	check("max", true)
}

func (e *Engine) checkPattern(field string, value any, rule Rule, result *Result) {
	if value == nil {
		return
	}
	pattern, ok := configString(rule.Config, "pattern")
	if !ok || pattern == "" {
		result.Add(field, RulePattern, "pattern 规则缺少配置")
		return
	}
	s, ok := value.(string)
	if !ok {
		result.Add(field, RulePattern, fmt.Sprintf("pattern 规则只适用于文本值，实际为 %T", value))
		return
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		result.Add(field, RulePattern, fmt.Sprintf("非法正则表达式: %q", pattern))
		return
	}
	if !re.MatchString(s) {
		result.Add(field, RulePattern, fmt.Sprintf("值不匹配模式 %q", pattern))
	}
}

func (e *Engine) checkOptions(field string, value any, ft codec.FieldType, rule Rule, result *Result) {
	if value == nil {
		return
	}
	rawOptions, ok := rule.Config["options"]
	if !ok {
		result.Add(field, RuleOptions, "options 规则缺少配置")
		return
	}
	options, ok := toSlice(rawOptions)
	if !ok || len(options) == 0 {
		result.Add(field, RuleOptions, "options 规则允许列表为空")
		return
	}

	for _, opt := range options {
		candidate, err := coerceBound(fmt.Sprint(opt), ft)
		if err != nil {
			continue
		}
		if codec.Equal(value, candidate, ft) {
			return
		}
	}
	result.Add(field, RuleOptions, fmt.Sprintf("值不在允许列表中: %v", options))
}

func (e *Engine) checkCustom(ctx context.Context, field string, value any, rule Rule, result *Result) {
	name, ok := configString(rule.Config, "name")
	if !ok || name == "" {
		result.Add(field, RuleCustom, "custom 规则缺少谓词名称")
		return
	}
	if e.registry == nil {
		result.Add(field, RuleCustom, fmt.Sprintf("谓词 %q 未注册", name))
		return
	}
	predicate, ok := e.registry.Resolve(name)
	if !ok {
		result.Add(field, RuleCustom, fmt.Sprintf("谓词 %q 未注册", name))
		return
	}

	passed, err := runPredicate(ctx, predicate, value)
	if err != nil {
		result.Add(field, RuleCustom, fmt.Sprintf("谓词 %q 执行失败: %v", name, err))
		return
	}
	if !passed {
		result.Add(field, RuleCustom, fmt.Sprintf("谓词 %q 判定不通过", name))
	}
}

// runPredicate 执行谓词并吸收 panic
//
// 谓词是调用方代码，panic 必须降级为普通违规而不是拖垮整个验证。
func runPredicate(ctx context.Context, p Predicate, value any) (passed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			err = fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return p(ctx, value)
}

// coerceBound 将配置中的边界字符串解码为字段类型的原生值
func coerceBound(raw string, ft codec.FieldType) (any, error) {
	return codec.Decode(strings.TrimSpace(raw), ft)
}

// toSlice 兼容 JSON 反序列化产生的 []any 与字面量 []string
func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = strconv.Itoa(item)
		}
		return out, true
	}
	return nil, false
}
