package runtime

import (
	"sync"

	"bizobj/codec"
	"bizobj/errors"
	"bizobj/validation"
)

// Capabilities 实体类型的能力开关
//
// 关闭的能力对应的操作直接拒绝，而不是静默降级。
type Capabilities struct {
	SoftDelete bool `json:"soft_delete"` // 关闭时 Delete 即物理删除
	Audit      bool `json:"audit"`       // 关闭时不写审计记录
	Events     bool `json:"events"`      // 关闭时不发布事件
	Extensions bool `json:"extensions"`  // 关闭时拒绝扩展字段操作
}

// DefaultCapabilities 全部能力开启
func DefaultCapabilities() Capabilities {
	return Capabilities{SoftDelete: true, Audit: true, Events: true, Extensions: true}
}

// BaseField 基础字段声明
type BaseField struct {
	Type     codec.FieldType   `json:"type"`
	Required bool              `json:"required"`
	Rules    []validation.Rule `json:"rules,omitempty"`
}

// TypeConfig 实体类型配置
//
// 展示字段必须显式声明，不按字段名猜测。
type TypeConfig struct {
	Name         string               `json:"name"`
	DisplayField string               `json:"display_field"`
	BaseFields   map[string]BaseField `json:"base_fields"`
	Capabilities Capabilities         `json:"capabilities"`
}

// Validate 校验类型配置自身
func (c TypeConfig) Validate() error {
	if c.Name == "" {
		return errors.NewError(errors.ErrCodeInvalidInput, "实体类型名不能为空")
	}
	for name, field := range c.BaseFields {
		if _, err := codec.ParseFieldType(string(field.Type)); err != nil {
			return errors.NewErrorf(errors.ErrCodeInvalidInput,
				"字段 %s.%s 的类型 %q 不受支持", c.Name, name, field.Type)
		}
	}
	if c.DisplayField != "" {
		if _, ok := c.BaseFields[c.DisplayField]; !ok {
			return errors.NewErrorf(errors.ErrCodeInvalidInput,
				"展示字段 %q 未在 %s 的基础字段中声明", c.DisplayField, c.Name)
		}
	}
	return nil
}

// FieldTypes 基础字段名到类型的映射（用于差异比较）
func (c TypeConfig) FieldTypes() map[string]codec.FieldType {
	types := make(map[string]codec.FieldType, len(c.BaseFields))
	for name, field := range c.BaseFields {
		types[name] = field.Type
	}
	return types
}

// Registry 实体类型注册表
//
// 新实体类型通过注册配置接入，不需要代码生成或迁移脚本。
type Registry struct {
	mu      sync.RWMutex
	configs map[string]TypeConfig
}

// NewRegistry 创建类型注册表
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]TypeConfig)}
}

// Register 注册实体类型
//
// 重复注册同名类型覆盖旧配置（配置热更新场景）。
func (r *Registry) Register(cfg TypeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Name] = cfg
	return nil
}

// Get 取类型配置
func (r *Registry) Get(entityType string) (TypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[entityType]
	if !ok {
		return TypeConfig{}, errors.NewErrorf(errors.ErrCodeInvalidInput,
			"实体类型 %q 未注册", entityType)
	}
	return cfg, nil
}

// Types 列出已注册的类型名
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	return names
}
