// Package auth implements bearer token authentication and scope-based
// authorization for the registry.
//
// # Tokens
//
// Tokens are opaque strings of the form repub_<base64url(32 random bytes)>.
// Only the SHA-256 hash of the full token is persisted; the plaintext is
// shown exactly once at creation. Lookup is by hash, so a database leak
// does not leak usable credentials.
//
// # Scopes
//
// A token carries one or more scopes:
//
//	admin              full access, implies every other scope
//	publish:all        publish any package
//	publish:pkg:<name> publish one named package
//	read:all           resolve and download when download auth is required
//
// Scope checks go through Scope.Covers; publish scopes imply read access.
//
// # Passwords
//
// User and admin console passwords are hashed with argon2id using per-hash
// random salts, encoded in the standard $argon2id$ format.
package auth
