// Package storageconfig manages the staged blob-storage configuration.
//
// Two JSON snapshots live in the metadata store: the active slot, read
// once at startup, and the pending slot, edited through the admin API
// while the server runs. A CLI command promotes pending to active, and
// refuses while the server's PID lock file names a live process, so the
// backend never changes under a running registry.
package storageconfig
