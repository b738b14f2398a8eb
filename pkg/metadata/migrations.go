package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one append-only schema revision.
type Migration struct {
	ID  int
	SQL string
}

// migrations is the declared schema history. Entries are never edited once
// released; new revisions append.
var migrations = []Migration{
	{
		ID: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS packages (
    name TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    is_discontinued BOOLEAN NOT NULL DEFAULT FALSE,
    replaced_by TEXT,
    is_upstream_cache BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS package_versions (
    package_name TEXT NOT NULL REFERENCES packages(name) ON DELETE CASCADE,
    version TEXT NOT NULL,
    pubspec TEXT NOT NULL,
    archive_key TEXT NOT NULL DEFAULT '',
    archive_sha256 TEXT NOT NULL,
    upstream_url TEXT NOT NULL DEFAULT '',
    published_at TIMESTAMP NOT NULL,
    is_retracted BOOLEAN NOT NULL DEFAULT FALSE,
    retracted_at TIMESTAMP,
    retraction_message TEXT,
    download_count BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (package_name, version)
);

CREATE INDEX IF NOT EXISTS idx_package_versions_name ON package_versions(package_name);
`,
	},
	{
		ID: 2,
		SQL: `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL,
    last_login_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS admin_users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    must_change_password BOOLEAN NOT NULL DEFAULT TRUE,
    login_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_login_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS auth_tokens (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    label TEXT NOT NULL,
    scopes TEXT NOT NULL,
    expires_at TIMESTAMP,
    last_used_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, label)
);

CREATE TABLE IF NOT EXISTS upload_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'open',
    expires_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`,
	},
	{
		ID: 3,
		SQL: `
CREATE TABLE IF NOT EXISTS webhooks (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    events TEXT NOT NULL,
    secret TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_triggered_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id TEXT PRIMARY KEY,
    webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    delivered_at TIMESTAMP NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    success BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries(webhook_id, delivered_at);
`,
	},
	{
		ID: 4,
		SQL: `
CREATE TABLE IF NOT EXISTS activity_log (
    id TEXT PRIMARY KEY,
    activity_type TEXT NOT NULL,
    actor_type TEXT NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    actor_email TEXT NOT NULL DEFAULT '',
    target_type TEXT NOT NULL DEFAULT '',
    target_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_log_created ON activity_log(created_at);

CREATE TABLE IF NOT EXISTS site_config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS storage_config (
    slot TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`,
	},
}

// Migrations returns a copy of the declared schema history, ordered by ID.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// migrationLockKey is the advisory lock key used to serialise migration runs
// against a shared network database.
const migrationLockKey = 0x7265_7075 // "repu"

// applyMigrations brings the schema up to date. Each missing revision is
// applied in its own transaction, recorded in schema_migrations as part of
// that transaction.
func applyMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (id INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate schema_migrations: %w", err)
	}

	for _, m := range Migrations() {
		if applied[m.ID] {
			continue
		}
		if err := applyOne(ctx, db, d, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.ID, err)
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, d dialect, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := d.lockMigrations(ctx, tx); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	// Re-check under the lock: another instance may have applied it first.
	var exists int
	err = tx.QueryRowContext(ctx,
		d.rebind(`SELECT COUNT(1) FROM schema_migrations WHERE id = ?`), m.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("re-check: %w", err)
	}
	if exists > 0 {
		return tx.Commit()
	}

	for _, stmt := range SplitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		d.rebind(`INSERT INTO schema_migrations (id) VALUES (?)`), m.ID); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
