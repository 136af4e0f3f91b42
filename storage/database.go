// Package storage 提供关系存储的最小抽象接口
//
// 设计目标：
// 1. 隔离具体驱动（sqlite/postgres 等），业务层只依赖接口
// 2. 统一事务语义：工作单元内的全部写入共用一个 ITransaction
// 3. 便于单元测试（内存库或 Mock）
package storage

import (
	"context"
	"database/sql"
)

// IDatabase 通用数据库接口
//
// ITransaction 同样实现本接口，工作单元内的组件以 IDatabase 形参
// 接收执行器，从而天然支持"同事务写入"。
type IDatabase interface {
	// 查询操作
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow

	// 执行操作
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// IConn 连接级接口：在 IDatabase 之上增加事务与生命周期管理
type IConn interface {
	IDatabase

	// 事务操作
	Begin(ctx context.Context) (ITransaction, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error)

	// 连接管理
	Ping(ctx context.Context) error
	Close() error

	// 获取原始连接（用于特殊场景）
	Raw() any
}

// ITransaction 事务接口
type ITransaction interface {
	IDatabase

	// 事务控制
	Commit() error
	Rollback() error
}

// IRows 查询结果集接口
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// IRow 单行结果接口
type IRow interface {
	Scan(dest ...any) error
}

// Config 数据库配置
type Config struct {
	Driver string // sqlite, postgres, ...
	DSN    string

	// 连接池配置
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // 秒
}

// InTx 在一个事务内执行 fn，出错或 panic 时回滚
//
// 这是工作单元的标准入口：实体写入、扩展字段写入、审计记录与
// 事件出站暂存共用同一个事务，任一环节失败整体回滚。
func InTx(ctx context.Context, conn IConn, fn func(tx ITransaction) error) (err error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
