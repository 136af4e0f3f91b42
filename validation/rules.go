// Package validation 提供扩展字段的声明式验证引擎
//
// 字段定义上的每条规则由 validator_type + JSON 配置描述；引擎对候选值
// 逐条评估且不短路，违规项全部累积，调用方一次响应即可报告所有问题。
package validation

import (
	"context"
	"fmt"
	"sync"
)

// RuleType 验证规则类型
type RuleType string

// 支持的规则类型
const (
	RuleRequired RuleType = "required"
	RuleRange    RuleType = "range"
	RulePattern  RuleType = "pattern"
	RuleOptions  RuleType = "options"
	RuleCustom   RuleType = "custom"
)

// Rule 一条验证规则：类型 + JSON 配置
//
// 配置键约定：
//   - range:   {"min": "...", "max": "..."}，两端均可省略，值按字段类型解码
//   - pattern: {"pattern": "正则表达式"}
//   - options: {"options": ["a", "b", ...]}
//   - custom:  {"name": "已注册的谓词名"}
type Rule struct {
	Type   RuleType       `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// FieldViolation 一条字段违规
type FieldViolation struct {
	Field   string   `json:"field"`
	Rule    RuleType `json:"rule"`
	Message string   `json:"message"`
}

// Result 验证结果：Valid 或违规列表
type Result struct {
	Violations []FieldViolation `json:"violations,omitempty"`
}

// Valid 是否通过验证
func (r Result) Valid() bool {
	return len(r.Violations) == 0
}

// Merge 合并另一个结果的违规项
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// Add 追加一条违规
func (r *Result) Add(field string, rule RuleType, message string) {
	r.Violations = append(r.Violations, FieldViolation{Field: field, Rule: rule, Message: message})
}

// Predicate 自定义验证谓词
//
// 返回 false 或 error 均视为验证失败。
type Predicate func(ctx context.Context, value any) (bool, error)

// Registry 自定义谓词注册表
//
// 谓词在构造期显式注册，引擎按名称解析，不做任何反射探测。
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

// NewRegistry 创建谓词注册表
func NewRegistry() *Registry {
	return &Registry{predicates: make(map[string]Predicate)}
}

// Register 注册命名谓词（重复注册覆盖旧值）
func (r *Registry) Register(name string, p Predicate) {
	if name == "" || p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

// Resolve 按名称解析谓词
func (r *Registry) Resolve(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// Names 返回已注册谓词名称（用于管理面）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.predicates))
	for name := range r.predicates {
		names = append(names, name)
	}
	return names
}

// configString 从规则配置取字符串项
func configString(config map[string]any, key string) (string, bool) {
	if config == nil {
		return "", false
	}
	v, ok := config[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), true
	}
	return s, true
}
