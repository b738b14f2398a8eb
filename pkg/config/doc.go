// Package config loads process configuration from REPUB_* environment
// variables.
//
// The split between this package and the site config table is
// deliberate: anything needed before the database is reachable, or that
// identifies the process itself (listen address, base URL, database
// URL, storage bootstrap), is environment-only. Runtime tunables such
// as upload size limits and webhook thresholds live in the metadata
// store so admins can change them without a restart.
package config
