// Package metadata provides the transactional metadata store for the repub
// registry.
//
// # Overview
//
// The Store interface is the single source of truth for durable registry
// state: packages and versions, users and admin users, auth tokens, upload
// sessions, webhooks and their delivery log, site configuration, the staged
// storage configuration, and the activity log.
//
// Two backends implement the identical contract:
//
//   - OpenSQLite: an embedded single-file store (mattn/go-sqlite3)
//   - OpenPostgres: a network SQL store (lib/pq)
//
// Both share one SQL core; queries are written with ? placeholders and
// rebound per dialect, and the migration set is byte-identical across
// backends.
//
// # Migrations
//
// Schema revisions are an append-only sequence of (id, sql) pairs. Applied
// IDs are recorded in schema_migrations; application takes an exclusive lock,
// diffs applied against declared, and applies missing revisions in order,
// each inside its own transaction. Revision SQL may contain multiple
// statements; SplitStatements handles quoting, comments, and repeated
// semicolons.
//
// # Concurrency
//
// UpsertPackageVersion is serialised per (package, version): concurrent
// publishes of identical archives succeed as no-ops, conflicting archives
// fail with ErrVersionExists.
package metadata
