// Package tenancy 提供租户隔离的唯一关口
//
// 所有实体访问必须经过本包：
//  1. 上下文传播：WithTenantID / WithActorID 在调用链上携带租户与操作者；
//  2. Scope：为任意读写语句并入 tenant_id 等值条件（聚合/批量操作同样适用，
//     条件在聚合之前并入而不是之后过滤）；
//  3. AssertOwned：校验目标实体归属，防止跨租户读改删。
//
// 跨租户泄漏只可能在这里被阻止或被引入，任何组件不得绕过。
package tenancy

import (
	"context"

	"bizobj/errors"
)

type contextKey string

const (
	contextKeyTenantID      contextKey = "tenant_id"
	contextKeyActorID       contextKey = "actor_id"
	contextKeyCorrelationID contextKey = "correlation_id"
)

// WithTenantID 在 context 中设置租户 ID
//
// 示例:
//
//	ctx := tenancy.WithTenantID(ctx, "tenant-123")
//	tenantID := tenancy.TenantID(ctx) // "tenant-123"
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKeyTenantID, tenantID)
}

// TenantID 从 context 中获取租户 ID
//
// 如果不存在，返回空字符串。
func TenantID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKeyTenantID).(string); ok {
		return id
	}
	return ""
}

// WithActorID 在 context 中设置操作者 ID（由外部认证层产出）
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, contextKeyActorID, actorID)
}

// ActorID 从 context 中获取操作者 ID
func ActorID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKeyActorID).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID 在 context 中设置关联 ID（跨实体的同一业务流程共享）
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationID, correlationID)
}

// CorrelationID 从 context 中获取关联 ID
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// InjectTenant 将租户与操作者注入到 metadata（用于事件元数据传播）
func InjectTenant(ctx context.Context, metadata map[string]any) {
	if ctx == nil || metadata == nil {
		return
	}
	if tenantID := TenantID(ctx); tenantID != "" {
		metadata["tenant_id"] = tenantID
	}
	if actorID := ActorID(ctx); actorID != "" {
		metadata["actor_id"] = actorID
	}
}

// Guard 租户守卫
//
// 无状态策略对象，所有存储层查询通过 Scope 并入租户条件。
type Guard struct{}

// NewGuard 创建租户守卫
func NewGuard() Guard {
	return Guard{}
}

// Require 从 context 中提取非空租户 ID
//
// 缺失租户上下文视为越权：宁可拒绝也不能退化为全量访问。
func (Guard) Require(ctx context.Context) (string, error) {
	tenantID := TenantID(ctx)
	if tenantID == "" {
		return "", errors.NewError(errors.ErrCodeAccessDenied, "缺少租户上下文")
	}
	return tenantID, nil
}

// Scope 将租户等值条件并入 WHERE 片段
//
// cond 为空时仅返回租户条件；参数顺序为租户参数在前。
func (Guard) Scope(tenantID string, cond string, args ...any) (string, []any) {
	scoped := "tenant_id = ?"
	scopedArgs := make([]any, 0, len(args)+1)
	scopedArgs = append(scopedArgs, tenantID)
	if cond != "" {
		scoped += " AND " + cond
		scopedArgs = append(scopedArgs, args...)
	}
	return scoped, scopedArgs
}

// AssertOwned 校验实体归属租户
//
// ownerTenantID 为实体行上存储的租户 ID。
func (Guard) AssertOwned(tenantID, ownerTenantID string) error {
	if tenantID == "" || tenantID != ownerTenantID {
		return errors.NewError(errors.ErrCodeAccessDenied, "实体不属于当前租户").
			WithContext("tenant_id", tenantID)
	}
	return nil
}
