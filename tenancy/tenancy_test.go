package tenancy

import (
	"context"
	"testing"

	"bizobj/errors"
)

// TestContextPropagation 测试租户/操作者的上下文传播
func TestContextPropagation(t *testing.T) {
	ctx := context.Background()

	if TenantID(ctx) != "" {
		t.Fatal("empty context should yield empty tenant")
	}

	ctx = WithTenantID(ctx, "tenant-a")
	ctx = WithActorID(ctx, "user-1")

	if got := TenantID(ctx); got != "tenant-a" {
		t.Fatalf("TenantID = %q", got)
	}
	if got := ActorID(ctx); got != "user-1" {
		t.Fatalf("ActorID = %q", got)
	}
}

// TestRequire 测试缺失租户上下文被拒绝
func TestRequire(t *testing.T) {
	guard := NewGuard()

	if _, err := guard.Require(context.Background()); !errors.IsAccessDenied(err) {
		t.Fatalf("missing tenant should be ACCESS_DENIED, got %v", err)
	}

	ctx := WithTenantID(context.Background(), "tenant-a")
	tenantID, err := guard.Require(ctx)
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if tenantID != "tenant-a" {
		t.Fatalf("tenantID = %q", tenantID)
	}
}

// TestScope 测试租户条件并入 WHERE 片段
func TestScope(t *testing.T) {
	guard := NewGuard()

	tests := []struct {
		name     string
		cond     string
		args     []any
		wantCond string
		wantArgs int
	}{
		{
			name:     "仅租户条件",
			cond:     "",
			wantCond: "tenant_id = ?",
			wantArgs: 1,
		},
		{
			name:     "并入业务条件",
			cond:     "entity_type = ? AND id = ?",
			args:     []any{"customer", int64(7)},
			wantCond: "tenant_id = ? AND entity_type = ? AND id = ?",
			wantArgs: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond, args := guard.Scope("tenant-a", tt.cond, tt.args...)
			if cond != tt.wantCond {
				t.Errorf("cond = %q, want %q", cond, tt.wantCond)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantArgs)
			}
			if args[0] != "tenant-a" {
				t.Errorf("tenant arg must come first, got %v", args[0])
			}
		})
	}
}

// TestAssertOwned 测试归属校验
func TestAssertOwned(t *testing.T) {
	guard := NewGuard()

	if err := guard.AssertOwned("tenant-a", "tenant-a"); err != nil {
		t.Fatalf("same tenant should pass: %v", err)
	}
	if err := guard.AssertOwned("tenant-a", "tenant-b"); !errors.IsAccessDenied(err) {
		t.Fatalf("cross tenant should be ACCESS_DENIED, got %v", err)
	}
	if err := guard.AssertOwned("", ""); !errors.IsAccessDenied(err) {
		t.Fatal("empty tenant must never own anything")
	}
}
