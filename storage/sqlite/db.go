// Package sqlite 基于 modernc.org/sqlite 的存储实现
//
// 纯 Go 驱动，无 cgo 依赖；单机部署与测试场景下即是完整的关系存储。
package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"bizobj/storage"
)

// DB 基于 database/sql 的最小实现，满足 storage.IConn 抽象
type DB struct {
	db *sql.DB
}

// New 根据配置创建 sqlite 数据库实例
//
// DSN 传 ":memory:" 时得到进程内临时库（测试用）；此时连接池强制收敛为
// 单连接，避免每个连接各得一份独立的内存库。
func New(config storage.Config) (*DB, error) {
	dsn := config.DSN
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (storage.IRows, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) storage.IRow {
	return d.db.QueryRowContext(ctx, query, args...)
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

func (d *DB) Begin(ctx context.Context) (storage.ITransaction, error) {
	return d.BeginTx(ctx, nil)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (storage.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }
func (d *DB) Raw() any                       { return d.db }

// Tx 事务包装，满足 storage.ITransaction
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (storage.IRows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) storage.IRow {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }
