package sqlite

import "context"

// Schema 运行时的全部建表语句
//
// 三张核心逻辑表（entities / extension_values / audit_entries）加上
// 字段定义、事件出站与死信表、消费幂等台账。audit_entries 只增不改，
// 没有任何 UPDATE/DELETE 语句会触及它。
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id          INTEGER PRIMARY KEY,
		tenant_id   TEXT    NOT NULL,
		entity_type TEXT    NOT NULL,
		version     INTEGER NOT NULL DEFAULT 1,
		fields      TEXT    NOT NULL DEFAULT '{}',
		created_at  TIMESTAMP NOT NULL,
		created_by  TEXT    NOT NULL DEFAULT '',
		updated_at  TIMESTAMP NOT NULL,
		updated_by  TEXT    NOT NULL DEFAULT '',
		deleted_at  TIMESTAMP,
		deleted_by  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_tenant_type
		ON entities (tenant_id, entity_type)`,

	`CREATE TABLE IF NOT EXISTS field_definitions (
		tenant_id   TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		field_name  TEXT NOT NULL,
		field_type  TEXT NOT NULL,
		rules       TEXT NOT NULL DEFAULT '[]',
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, entity_type, field_name)
	)`,

	`CREATE TABLE IF NOT EXISTS extension_values (
		tenant_id   TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   INTEGER NOT NULL,
		field_name  TEXT NOT NULL,
		field_type  TEXT NOT NULL,
		raw_value   TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, entity_type, entity_id, field_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extension_values_field
		ON extension_values (tenant_id, entity_type, field_name)`,

	`CREATE TABLE IF NOT EXISTS audit_entries (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id      TEXT NOT NULL,
		entity_type    TEXT NOT NULL,
		entity_id      INTEGER NOT NULL,
		action         TEXT NOT NULL,
		actor_id       TEXT NOT NULL DEFAULT '',
		changes        TEXT NOT NULL DEFAULT '{}',
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_entity
		ON audit_entries (tenant_id, entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_correlation
		ON audit_entries (correlation_id)`,

	`CREATE TABLE IF NOT EXISTS event_outbox (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     TEXT NOT NULL UNIQUE,
		event_type   TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		entity_id    INTEGER NOT NULL,
		envelope     TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		next_retry_at TIMESTAMP,
		created_at   TIMESTAMP NOT NULL,
		published_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_status
		ON event_outbox (status, next_retry_at)`,

	`CREATE TABLE IF NOT EXISTS event_outbox_dlq (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		original_entry_id INTEGER NOT NULL,
		event_id        TEXT NOT NULL UNIQUE,
		event_type      TEXT NOT NULL,
		tenant_id       TEXT NOT NULL,
		entity_type     TEXT NOT NULL,
		entity_id       INTEGER NOT NULL,
		envelope        TEXT NOT NULL,
		failure_reason  TEXT NOT NULL DEFAULT '',
		retry_count     INTEGER NOT NULL,
		moved_at        TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		consumer_group TEXT NOT NULL,
		event_id       TEXT NOT NULL,
		processed_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (consumer_group, event_id)
	)`,
}

// Migrate 执行全部建表语句（幂等）
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := d.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
